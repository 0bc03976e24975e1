package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/pixelmuse/billing/internal/config"
)

func validConfig() config.CatalogConfig {
	return config.CatalogConfig{
		Version: "v1",
		Products: []config.CatalogProduct{
			{ProductType: "credit_pack", ProductID: "starter", Price: 4.90, Credits: 600, Currency: "usd"},
			{ProductType: "subscription", ProductID: "pro", BillingCycle: "monthly", Price: 12.90, Credits: 2000},
		},
		ProductIDAliases: map[string]string{"starter-pack-v1": "starter"},
	}
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(validConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	entry, err := c.Lookup(Key{ProductType: ProductTypeCreditPack, ProductID: "starter"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Price != 4.90 || entry.Credits != 600 {
		t.Errorf("entry = %+v, want 4.90/600", entry)
	}
	if entry.Currency != "USD" {
		t.Errorf("currency = %q, want USD (normalized uppercase)", entry.Currency)
	}
	if entry.Key.BillingCycle != CycleNone {
		t.Errorf("cycle = %q, want none for credit pack", entry.Key.BillingCycle)
	}

	// Missing currency defaults to USD.
	sub, err := c.Lookup(Key{ProductType: ProductTypeSubscription, ProductID: "pro", BillingCycle: CycleMonthly})
	if err != nil {
		t.Fatalf("Lookup pro: %v", err)
	}
	if sub.Currency != "USD" {
		t.Errorf("default currency = %q, want USD", sub.Currency)
	}
}

func TestFromConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.CatalogConfig)
		wantMsg string
	}{
		{
			name:    "invalid product type",
			mutate:  func(c *config.CatalogConfig) { c.Products[0].ProductType = "donation" },
			wantMsg: "invalid product_type",
		},
		{
			name:    "invalid billing cycle",
			mutate:  func(c *config.CatalogConfig) { c.Products[1].BillingCycle = "weekly" },
			wantMsg: "invalid billing_cycle",
		},
		{
			name:    "subscription without cycle",
			mutate:  func(c *config.CatalogConfig) { c.Products[1].BillingCycle = "" },
			wantMsg: "requires a billing_cycle",
		},
		{
			name:    "missing product id",
			mutate:  func(c *config.CatalogConfig) { c.Products[0].ProductID = "" },
			wantMsg: "product_id required",
		},
		{
			name:    "negative price",
			mutate:  func(c *config.CatalogConfig) { c.Products[0].Price = -1 },
			wantMsg: "negative price",
		},
		{
			name: "duplicate entry",
			mutate: func(c *config.CatalogConfig) {
				c.Products = append(c.Products, c.Products[0])
			},
			wantMsg: "duplicate entry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := FromConfig(cfg)
			if err == nil {
				t.Fatal("FromConfig succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLookup_NotFound(t *testing.T) {
	c, err := FromConfig(validConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	_, err = c.Lookup(Key{ProductType: ProductTypeCreditPack, ProductID: "mega"})
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestMapProductID(t *testing.T) {
	c, err := FromConfig(validConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := c.MapProductID("starter-pack-v1"); got != "starter" {
		t.Errorf("aliased id = %q, want starter", got)
	}
	// Unmapped ids pass through unchanged.
	if got := c.MapProductID("starter"); got != "starter" {
		t.Errorf("unmapped id = %q, want starter", got)
	}
}

func TestKeyString(t *testing.T) {
	plain := Key{ProductType: ProductTypeCreditPack, ProductID: "starter"}
	if got := plain.String(); got != "credit_pack/starter" {
		t.Errorf("String() = %q", got)
	}
	cycled := Key{ProductType: ProductTypeSubscription, ProductID: "pro", BillingCycle: CycleYearly}
	if got := cycled.String(); got != "subscription/pro/yearly" {
		t.Errorf("String() = %q", got)
	}
}
