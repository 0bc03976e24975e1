package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pixelmuse/billing/internal/config"
)

// ServiceType identifies external processors for circuit breaker isolation.
type ServiceType string

const (
	ServiceStripe ServiceType = "stripe_api"
	ServiceCreem  ServiceType = "creem_api"
)

// Manager holds one circuit breaker per external processor. Bulkhead
// isolation: a Stripe outage must not trip the Creem path.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
	log      zerolog.Logger
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval clears closed-state counts; 0 never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// Trip thresholds: consecutive failures, or failure ratio once
	// MinRequests have been seen.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig builds a manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, log zerolog.Logger) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
		log:      log.With().Str("component", "circuit_breaker").Logger(),
	}
	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceStripe] = gobreaker.NewCircuitBreaker(m.settings(string(ServiceStripe), fromService(cfg.StripeAPI)))
	m.breakers[ServiceCreem] = gobreaker.NewCircuitBreaker(m.settings(string(ServiceCreem), fromService(cfg.CreemAPI)))
	return m
}

func fromService(cfg config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

// Execute wraps fn with breaker protection for the service. Disabled or
// unconfigured services pass through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State reports the breaker state for monitoring endpoints.
func (m *Manager) State(service ServiceType) string {
	if !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func (m *Manager) settings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
}
