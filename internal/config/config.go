package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
		Billing: BillingConfig{
			DuplicateWindow:  Duration{Duration: 5 * time.Minute},
			MaxOrdersPerHour: 10,
			OrderTTL:         Duration{Duration: 24 * time.Hour},
			SweepInterval:    Duration{Duration: 10 * time.Minute},
		},
		Routing: RoutingConfig{
			DefaultProvider: "stripe",
		},
		Stripe: StripeConfig{
			Mode:       "test",
			SuccessURL: "http://localhost:8080/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "http://localhost:8080/checkout/cancel",
		},
		Creem: CreemConfig{
			APIBase: "https://api.creem.io",
			Timeout: Duration{Duration: 10 * time.Second},
		},
		Storage: StorageConfig{
			Backend: "",
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		RateLimit: RateLimitConfig{
			// Generous limit - meant to stop spam, not legitimate checkout retries
			Enabled:    true,
			PerIPLimit: 120,
			Window:     Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			StripeAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			CreemAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
