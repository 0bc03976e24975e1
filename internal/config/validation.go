package config

import (
	"database/sql"
	"fmt"
	"strings"
)

// finalize validates cross-field constraints after file and env merge.
func (c *Config) finalize() error {
	if c.Billing.ValidationSecret == "" {
		return fmt.Errorf("billing.validation_secret is required (set BILLING_VALIDATION_SECRET)")
	}
	if len(c.Billing.ValidationSecret) < 16 {
		return fmt.Errorf("billing.validation_secret must be at least 16 bytes")
	}
	if c.Billing.MaxOrdersPerHour <= 0 {
		c.Billing.MaxOrdersPerHour = 10
	}

	switch c.Routing.DefaultProvider {
	case "", "stripe", "creem":
	default:
		return fmt.Errorf("routing.default_provider must be 'stripe' or 'creem', got %q", c.Routing.DefaultProvider)
	}
	for i, rule := range c.Routing.Rules {
		switch rule.Provider {
		case "stripe", "creem":
		default:
			return fmt.Errorf("routing.rules[%d]: provider must be 'stripe' or 'creem', got %q", i, rule.Provider)
		}
		if rule.MaxAmount > 0 && rule.MaxAmount < rule.MinAmount {
			return fmt.Errorf("routing.rules[%d]: max_amount below min_amount", i)
		}
	}

	if !c.Stripe.Configured() && !c.Creem.Configured() {
		return fmt.Errorf("at least one payment provider must be configured (stripe or creem)")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "", "memory", "postgres", "mongodb":
	default:
		return fmt.Errorf("storage.backend must be 'memory', 'postgres', or 'mongodb', got %q", c.Storage.Backend)
	}

	return nil
}

// ApplyPostgresPoolSettings applies pool tuning to an open database handle.
func ApplyPostgresPoolSettings(db *sql.DB, cfg PostgresPoolConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
}
