package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use BILLING_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "BILLING_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "BILLING_ROUTE_PREFIX")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "BILLING_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "BILLING_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "BILLING_ENVIRONMENT")

	// Billing policy config
	setIfEnv(&c.Billing.ValidationSecret, "BILLING_VALIDATION_SECRET")
	setIntIfEnv(&c.Billing.MaxOrdersPerHour, "BILLING_MAX_ORDERS_PER_HOUR")
	setDurationIfEnv(&c.Billing.DuplicateWindow, "BILLING_DUPLICATE_WINDOW")
	setDurationIfEnv(&c.Billing.OrderTTL, "BILLING_ORDER_TTL")

	// Routing config
	setIfEnv(&c.Routing.DefaultProvider, "BILLING_DEFAULT_PROVIDER")

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, "BILLING_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "BILLING_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.SuccessURL, "BILLING_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "BILLING_STRIPE_CANCEL_URL")
	setIfEnv(&c.Stripe.Mode, "BILLING_STRIPE_MODE")

	// Creem config
	setIfEnv(&c.Creem.APIKey, "BILLING_CREEM_API_KEY")
	setIfEnv(&c.Creem.WebhookSecret, "BILLING_CREEM_WEBHOOK_SECRET")
	setIfEnv(&c.Creem.APIBase, "BILLING_CREEM_API_BASE")
	setIfEnv(&c.Creem.SuccessURL, "BILLING_CREEM_SUCCESS_URL")
	setIfEnv(&c.Creem.CancelURL, "BILLING_CREEM_CANCEL_URL")

	// Storage config
	setIfEnv(&c.Storage.Backend, "BILLING_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "BILLING_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "BILLING_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "BILLING_MONGODB_DATABASE")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.Enabled, "BILLING_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "BILLING_RATE_LIMIT_PER_IP")
}

// setIfEnv sets target to the env value when the variable is non-empty.
func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setBoolIfEnv sets target when the variable parses as a bool.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

// setIntIfEnv sets target when the variable parses as an int.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

// setDurationIfEnv sets target when the variable parses as a duration.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: parsed}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and has no trailing /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
