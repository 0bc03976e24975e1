package pricing

import (
	"strings"
	"testing"
	"time"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/config"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.FromConfig(config.CatalogConfig{
		Version: "test-1",
		Products: []config.CatalogProduct{
			{ProductType: "credit_pack", ProductID: "starter", Price: 4.90, Credits: 600, Currency: "USD"},
			{ProductType: "credit_pack", ProductID: "trial", Price: 0, Credits: 20, Currency: "USD"},
			{ProductType: "subscription", ProductID: "pro", BillingCycle: "monthly", Price: 12.90, Credits: 2000, Currency: "USD"},
			{ProductType: "subscription", ProductID: "pro", BillingCycle: "yearly", Price: 129.00, Credits: 26000, Currency: "USD"},
		},
		ProductIDAliases: map[string]string{
			"prod_ext_starter": "starter",
		},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator(testCatalog(t), "test-secret-0123456789")

	tests := []struct {
		name       string
		claim      Claim
		wantValid  bool
		wantReason string
	}{
		{
			name: "exact catalog price",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "starter",
				Amount:      4.90,
				Currency:    "USD",
			},
			wantValid: true,
		},
		{
			name: "within one cent tolerance",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "starter",
				Amount:      4.899,
				Currency:    "USD",
			},
			wantValid: true,
		},
		{
			name: "tampered price",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "starter",
				Amount:      0.49,
				Currency:    "USD",
			},
			wantValid:  false,
			wantReason: "price mismatch",
		},
		{
			name: "exactly one cent off is rejected",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "starter",
				Amount:      4.89,
				Currency:    "USD",
			},
			wantValid:  false,
			wantReason: "price mismatch",
		},
		{
			name: "currency mismatch",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "starter",
				Amount:      4.90,
				Currency:    "EUR",
			},
			wantValid:  false,
			wantReason: "currency mismatch",
		},
		{
			name: "unknown product names the key",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "mega",
				Amount:      9.90,
				Currency:    "USD",
			},
			wantValid:  false,
			wantReason: "unknown product credit_pack/mega",
		},
		{
			name: "free tier exact zero",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "trial",
				Amount:      0,
				Currency:    "USD",
			},
			wantValid: true,
		},
		{
			name: "free tier rejects nonzero claim",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "trial",
				Amount:      0.005,
				Currency:    "USD",
			},
			wantValid:  false,
			wantReason: "free product requires zero amount",
		},
		{
			name: "external product id maps to internal key",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "prod_ext_starter",
				Amount:      4.90,
				Currency:    "USD",
			},
			wantValid: true,
		},
		{
			name: "unmapped external id passes through and fails lookup",
			claim: Claim{
				UserID:      "user-1",
				ProductType: catalog.ProductTypeCreditPack,
				ProductID:   "prod_ext_unknown",
				Amount:      4.90,
				Currency:    "USD",
			},
			wantValid:  false,
			wantReason: "unknown product credit_pack/prod_ext_unknown",
		},
		{
			name: "subscription with billing cycle",
			claim: Claim{
				UserID:       "user-1",
				ProductType:  catalog.ProductTypeSubscription,
				ProductID:    "pro",
				BillingCycle: catalog.CycleYearly,
				Amount:       129.00,
				Currency:     "USD",
			},
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.claim)
			if got.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (reason %q)", got.Valid, tt.wantValid, got.Reason)
			}
			if tt.wantValid && got.ValidationHash == "" {
				t.Error("expected a validation hash on success")
			}
			if !tt.wantValid && got.ValidationHash != "" {
				t.Error("expected no validation hash on failure")
			}
			if tt.wantReason != "" && !strings.Contains(got.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want substring %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestValidator_HashStability(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewValidator(testCatalog(t), "test-secret-0123456789").WithClock(func() time.Time { return fixed })

	claim := Claim{
		UserID:      "user-1",
		ProductType: catalog.ProductTypeCreditPack,
		ProductID:   "starter",
		Amount:      4.90,
		Currency:    "USD",
	}

	first := v.Validate(claim)
	second := v.Validate(claim)
	if !first.Valid || !second.Valid {
		t.Fatal("expected valid results")
	}
	if first.ValidationHash != second.ValidationHash {
		t.Error("hash should be stable for identical inputs and timestamp")
	}

	other := claim
	other.UserID = "user-2"
	third := v.Validate(other)
	if third.ValidationHash == first.ValidationHash {
		t.Error("hash should differ per user")
	}
}

func TestValidator_VerifyHash(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewValidator(testCatalog(t), "test-secret-0123456789").WithClock(func() time.Time { return fixed })

	claim := Claim{
		UserID:      "user-1",
		ProductType: catalog.ProductTypeCreditPack,
		ProductID:   "starter",
		Amount:      4.90,
		Currency:    "USD",
	}
	res := v.Validate(claim)
	if !res.Valid {
		t.Fatalf("validate failed: %s", res.Reason)
	}

	if !v.VerifyHash(res.ValidationHash, "user-1", res.Key, res.ExpectedPrice, res.Currency, res.Credits, res.IssuedAt) {
		t.Error("stored hash should verify with original components")
	}

	// A regenerated timestamp must not verify - the hash binds issue time.
	if v.VerifyHash(res.ValidationHash, "user-1", res.Key, res.ExpectedPrice, res.Currency, res.Credits, res.IssuedAt.Add(time.Second)) {
		t.Error("hash must not verify with a different timestamp")
	}

	if v.VerifyHash(res.ValidationHash, "user-2", res.Key, res.ExpectedPrice, res.Currency, res.Credits, res.IssuedAt) {
		t.Error("hash must not verify for a different user")
	}

	if v.VerifyHash(res.ValidationHash, "user-1", res.Key, 0.49, res.Currency, res.Credits, res.IssuedAt) {
		t.Error("hash must not verify for a different price")
	}
}
