package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
billing:
  validation_secret: "0123456789abcdef0123"
stripe:
  secret_key: sk_test_x
  webhook_secret: whsec_x
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q, want default :8080", cfg.Server.Address)
	}
	if cfg.Billing.MaxOrdersPerHour != 10 {
		t.Errorf("max orders = %d, want default 10", cfg.Billing.MaxOrdersPerHour)
	}
	if cfg.Billing.OrderTTL.Duration != 24*time.Hour {
		t.Errorf("order ttl = %v, want 24h", cfg.Billing.OrderTTL.Duration)
	}
	if !cfg.Stripe.Configured() {
		t.Error("stripe should be configured")
	}
	if cfg.Creem.Configured() {
		t.Error("creem should not be configured")
	}
}

func TestLoad_RequiresValidationSecret(t *testing.T) {
	_, err := Load(writeConfig(t, `
stripe:
  secret_key: sk_test_x
  webhook_secret: whsec_x
`))
	if err == nil || !strings.Contains(err.Error(), "validation_secret") {
		t.Fatalf("err = %v, want validation_secret error", err)
	}
}

func TestLoad_RejectsShortSecret(t *testing.T) {
	_, err := Load(writeConfig(t, `
billing:
  validation_secret: "short"
stripe:
  secret_key: sk_test_x
  webhook_secret: whsec_x
`))
	if err == nil || !strings.Contains(err.Error(), "at least 16 bytes") {
		t.Fatalf("err = %v, want secret length error", err)
	}
}

func TestLoad_RequiresAProvider(t *testing.T) {
	_, err := Load(writeConfig(t, `
billing:
  validation_secret: "0123456789abcdef0123"
`))
	if err == nil || !strings.Contains(err.Error(), "payment provider") {
		t.Fatalf("err = %v, want provider error", err)
	}
}

func TestLoad_RejectsBadRoutingRule(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
routing:
  rules:
    - priority: 10
      provider: paypal
`))
	if err == nil || !strings.Contains(err.Error(), "provider must be") {
		t.Fatalf("err = %v, want routing provider error", err)
	}

	_, err = Load(writeConfig(t, minimalConfig+`
routing:
  rules:
    - priority: 10
      provider: stripe
      min_amount: 50
      max_amount: 10
`))
	if err == nil || !strings.Contains(err.Error(), "max_amount below min_amount") {
		t.Fatalf("err = %v, want amount bounds error", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BILLING_SERVER_ADDRESS", ":9090")
	t.Setenv("BILLING_MAX_ORDERS_PER_HOUR", "25")
	t.Setenv("BILLING_DUPLICATE_WINDOW", "90s")
	t.Setenv("BILLING_ROUTE_PREFIX", "api/")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %q, want :9090", cfg.Server.Address)
	}
	if cfg.Billing.MaxOrdersPerHour != 25 {
		t.Errorf("max orders = %d, want 25", cfg.Billing.MaxOrdersPerHour)
	}
	if cfg.Billing.DuplicateWindow.Duration != 90*time.Second {
		t.Errorf("duplicate window = %v, want 90s", cfg.Billing.DuplicateWindow.Duration)
	}
	if cfg.Server.RoutePrefix != "/api" {
		t.Errorf("route prefix = %q, want /api (normalized)", cfg.Server.RoutePrefix)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"30", 30 * time.Second}, // bare numbers read as seconds
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig+`
creem:
  timeout: "`+tt.raw+`"
`))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Creem.Timeout.Duration != tt.want {
				t.Errorf("timeout = %v, want %v", cfg.Creem.Timeout.Duration, tt.want)
			}
		})
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeRoutePrefix(tt.in); got != tt.want {
			t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
