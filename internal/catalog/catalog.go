package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pixelmuse/billing/internal/config"
)

// ErrEntryNotFound is returned when no catalog entry exists for a key.
var ErrEntryNotFound = errors.New("catalog: entry not found")

// ProductType classifies what a checkout purchases.
type ProductType string

const (
	ProductTypeSubscription ProductType = "subscription"
	ProductTypeCreditPack   ProductType = "credit_pack"
)

// IsValid reports whether the product type is one of the known values.
func (p ProductType) IsValid() bool {
	return p == ProductTypeSubscription || p == ProductTypeCreditPack
}

// BillingCycle is the renewal cadence for subscription products.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
	CycleNone    BillingCycle = "none"
)

// IsValid reports whether the billing cycle is one of the known values.
func (b BillingCycle) IsValid() bool {
	return b == CycleMonthly || b == CycleYearly || b == CycleNone
}

// Key uniquely identifies a priced offering.
type Key struct {
	ProductType  ProductType
	ProductID    string
	BillingCycle BillingCycle
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	if k.BillingCycle == CycleNone || k.BillingCycle == "" {
		return fmt.Sprintf("%s/%s", k.ProductType, k.ProductID)
	}
	return fmt.Sprintf("%s/%s/%s", k.ProductType, k.ProductID, k.BillingCycle)
}

// Entry is an immutable price catalog row. The catalog is the sole authority
// for what an offering costs; client-submitted prices are claims checked
// against it, never trusted inputs.
type Entry struct {
	Key             Key
	Price           float64 // major units (dollars, not cents)
	Credits         int64
	Currency        string
	Description     string
	StripePriceID   string // optional pre-created Stripe price
	CreemProductID  string // Creem's product identifier for session creation
	StripeProductID string // Stripe's product identifier for session creation
}

// Catalog is the static, server-owned price table. It is loaded once at
// startup and read-only afterwards, so no locking is required.
type Catalog struct {
	entries map[Key]Entry
	aliases map[string]string // external/legacy product id -> internal product id
	version string
}

// FromConfig builds the catalog from configuration.
func FromConfig(cfg config.CatalogConfig) (*Catalog, error) {
	c := &Catalog{
		entries: make(map[Key]Entry, len(cfg.Products)),
		aliases: make(map[string]string, len(cfg.ProductIDAliases)),
		version: cfg.Version,
	}

	for i, p := range cfg.Products {
		pt := ProductType(p.ProductType)
		if !pt.IsValid() {
			return nil, fmt.Errorf("catalog: product %d: invalid product_type %q", i, p.ProductType)
		}
		cycle := BillingCycle(p.BillingCycle)
		if cycle == "" {
			cycle = CycleNone
		}
		if !cycle.IsValid() {
			return nil, fmt.Errorf("catalog: product %d: invalid billing_cycle %q", i, p.BillingCycle)
		}
		if pt == ProductTypeSubscription && cycle == CycleNone {
			return nil, fmt.Errorf("catalog: product %d: subscription requires a billing_cycle", i)
		}
		if p.ProductID == "" {
			return nil, fmt.Errorf("catalog: product %d: product_id required", i)
		}
		if p.Price < 0 {
			return nil, fmt.Errorf("catalog: product %d: negative price", i)
		}
		currency := strings.ToUpper(p.Currency)
		if currency == "" {
			currency = "USD"
		}

		key := Key{ProductType: pt, ProductID: p.ProductID, BillingCycle: cycle}
		if _, dup := c.entries[key]; dup {
			return nil, fmt.Errorf("catalog: duplicate entry for %s", key)
		}
		c.entries[key] = Entry{
			Key:             key,
			Price:           p.Price,
			Credits:         p.Credits,
			Currency:        currency,
			Description:     p.Description,
			StripePriceID:   p.StripePriceID,
			StripeProductID: p.StripeProductID,
			CreemProductID:  p.CreemProductID,
		}
	}

	for external, internal := range cfg.ProductIDAliases {
		c.aliases[external] = internal
	}

	return c, nil
}

// Lookup returns the entry for a key, or ErrEntryNotFound.
func (c *Catalog) Lookup(key Key) (Entry, error) {
	if key.BillingCycle == "" {
		key.BillingCycle = CycleNone
	}
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	return entry, nil
}

// MapProductID resolves an external (processor-side) product identifier to the
// internal catalog product id. Unmapped identifiers pass through unchanged:
// the permissive fallback keeps legacy ids working instead of hard-failing.
func (c *Catalog) MapProductID(external string) string {
	if internal, ok := c.aliases[external]; ok {
		return internal
	}
	return external
}

// Version identifies the loaded catalog revision for audit logs.
func (c *Catalog) Version() string {
	return c.version
}

// Entries returns all catalog entries (for the products listing endpoint).
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}
