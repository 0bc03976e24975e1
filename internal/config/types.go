package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Billing        BillingConfig        `yaml:"billing"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Routing        RoutingConfig        `yaml:"routing"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Creem          CreemConfig          `yaml:"creem"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"` // Optional prefix for all routes (e.g., "/api")
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// BillingConfig holds the billing core's own knobs.
type BillingConfig struct {
	// ValidationSecret keys the HMAC binding price/identity/credits at
	// checkout time; the webhook re-derives the hash with the same secret.
	ValidationSecret string `yaml:"validation_secret"`

	DuplicateWindow  Duration `yaml:"duplicate_window"` // trailing window for duplicate-order detection
	MaxOrdersPerHour int      `yaml:"max_orders_per_hour"`
	OrderTTL         Duration `yaml:"order_ttl"`      // pending/created orders expire after this
	SweepInterval    Duration `yaml:"sweep_interval"` // how often the expiry sweep runs
}

// CatalogProduct defines a single priced offering in YAML config.
// Prices are expressed in major units (dollars), matching order storage.
type CatalogProduct struct {
	ProductType     string  `yaml:"product_type"` // subscription | credit_pack
	ProductID       string  `yaml:"product_id"`
	BillingCycle    string  `yaml:"billing_cycle"` // monthly | yearly | none
	Price           float64 `yaml:"price"`
	Credits         int64   `yaml:"credits"`
	Currency        string  `yaml:"currency"`
	Description     string  `yaml:"description"`
	StripePriceID   string  `yaml:"stripe_price_id"`
	StripeProductID string  `yaml:"stripe_product_id"`
	CreemProductID  string  `yaml:"creem_product_id"`
}

// CatalogConfig holds the immutable price table loaded at process start.
type CatalogConfig struct {
	Version          string            `yaml:"version"`
	Products         []CatalogProduct  `yaml:"products"`
	ProductIDAliases map[string]string `yaml:"product_id_aliases"` // external id -> internal id
}

// RoutingRule selects a payment provider when all of its predicates match.
// Empty predicate lists match everything (used for catch-all rules).
type RoutingRule struct {
	Priority     int      `yaml:"priority"`
	Provider     string   `yaml:"provider"` // stripe | creem
	Countries    []string `yaml:"countries"`
	Currencies   []string `yaml:"currencies"`
	ProductTypes []string `yaml:"product_types"`
	MinAmount    float64  `yaml:"min_amount"`
	MaxAmount    float64  `yaml:"max_amount"` // 0 = unbounded
}

// RoutingConfig holds provider selection rules.
type RoutingConfig struct {
	Rules           []RoutingRule `yaml:"rules"`
	DefaultProvider string        `yaml:"default_provider"`
}

// StripeConfig holds Stripe payment integration configuration.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
	Mode          string `yaml:"mode"` // live | test
}

// Configured reports whether Stripe credentials are present.
func (s StripeConfig) Configured() bool {
	return s.SecretKey != "" && s.WebhookSecret != ""
}

// CreemConfig holds Creem payment integration configuration.
type CreemConfig struct {
	APIKey        string   `yaml:"api_key"`
	WebhookSecret string   `yaml:"webhook_secret"`
	APIBase       string   `yaml:"api_base"`
	SuccessURL    string   `yaml:"success_url"`
	CancelURL     string   `yaml:"cancel_url"`
	Timeout       Duration `yaml:"timeout"`
}

// Configured reports whether Creem credentials are present.
func (c CreemConfig) Configured() bool {
	return c.APIKey != "" && c.WebhookSecret != ""
}

// PostgresPoolConfig tunes the shared PostgreSQL connection pool.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
}

// RateLimitConfig holds HTTP-level request limiting (per-IP, via httprate).
// This is separate from the per-user order ceiling in BillingConfig, which is
// a billing policy counted against the order store.
type RateLimitConfig struct {
	Enabled    bool     `yaml:"enabled"`
	PerIPLimit int      `yaml:"per_ip_limit"`
	Window     Duration `yaml:"window"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// CircuitBreakerConfig holds breaker settings for each external processor.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	StripeAPI BreakerServiceConfig `yaml:"stripe_api"`
	CreemAPI  BreakerServiceConfig `yaml:"creem_api"`
}
