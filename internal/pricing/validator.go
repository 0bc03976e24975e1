package pricing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pixelmuse/billing/internal/catalog"
)

// priceTolerance absorbs currency rounding between client and catalog.
// Applies to non-zero prices only; the free tier demands an exact zero.
const priceTolerance = 0.01

// Claim is a client-submitted price/product assertion. Amount is in major
// units; the HTTP layer converts from minor units before building a Claim.
type Claim struct {
	UserID       string
	ProductType  catalog.ProductType
	ProductID    string // external or internal id; mapped before lookup
	BillingCycle catalog.BillingCycle
	Amount       float64
	Currency     string
}

// Result is the outcome of validating a claim against the catalog.
type Result struct {
	Valid          bool
	Unknown        bool   // the (mapped) key has no catalog entry
	Reason         string // populated when Valid is false
	Key            catalog.Key
	ExpectedPrice  float64
	Credits        int64
	Currency       string
	ValidationHash string    // empty when Valid is false
	IssuedAt       time.Time // hash timestamp; carried forward, never regenerated
}

// Validator checks claims against the price catalog and mints the tamper
// hash carried from checkout into webhook processing. Pure over the catalog;
// no side effects.
type Validator struct {
	catalog *catalog.Catalog
	secret  []byte
	now     func() time.Time
}

// NewValidator builds a Validator keyed with the shared validation secret.
func NewValidator(cat *catalog.Catalog, secret string) *Validator {
	return &Validator{
		catalog: cat,
		secret:  []byte(secret),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source (tests).
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate compares the claim against the catalog entry for its (mapped)
// product key and, on success, computes the validation hash binding
// identity, price, credits, and the issue timestamp.
func (v *Validator) Validate(claim Claim) Result {
	cycle := claim.BillingCycle
	if cycle == "" {
		cycle = catalog.CycleNone
	}
	key := catalog.Key{
		ProductType:  claim.ProductType,
		ProductID:    v.catalog.MapProductID(claim.ProductID),
		BillingCycle: cycle,
	}

	entry, err := v.catalog.Lookup(key)
	if err != nil {
		return Result{
			Valid:   false,
			Unknown: true,
			Reason:  fmt.Sprintf("unknown product %s", key),
			Key:     key,
		}
	}

	result := Result{
		Key:           key,
		ExpectedPrice: entry.Price,
		Credits:       entry.Credits,
		Currency:      entry.Currency,
	}

	if !strings.EqualFold(claim.Currency, entry.Currency) {
		result.Reason = fmt.Sprintf("currency mismatch: expected %s", entry.Currency)
		return result
	}

	if entry.Price == 0 {
		// Free tier: demand an exact zero rather than tolerance-compare
		// against zero, which would accept any sub-cent claim.
		if claim.Amount != 0 {
			result.Reason = "free product requires zero amount"
			return result
		}
	} else if math.Abs(entry.Price-claim.Amount) >= priceTolerance {
		result.Reason = fmt.Sprintf("price mismatch: claimed %.2f", claim.Amount)
		return result
	}

	issuedAt := v.now().UTC().Truncate(time.Second)
	result.Valid = true
	result.IssuedAt = issuedAt
	result.ValidationHash = v.hash(claim.UserID, key, entry.Price, entry.Currency, entry.Credits, issuedAt)
	return result
}

// VerifyHash recomputes the validation hash from its stored components and
// compares in constant time. The issuedAt timestamp must be the one captured
// at validation time; recomputing with a fresh timestamp would always fail,
// and skipping the timestamp would let a stale hash be replayed forever.
func (v *Validator) VerifyHash(storedHash string, userID string, key catalog.Key, price float64, currency string, credits int64, issuedAt time.Time) bool {
	expected := v.hash(userID, key, price, currency, credits, issuedAt.UTC().Truncate(time.Second))
	return hmac.Equal([]byte(expected), []byte(storedHash))
}

// hash computes HMAC-SHA256 over the canonical pipe-joined component string.
func (v *Validator) hash(userID string, key catalog.Key, price float64, currency string, credits int64, issuedAt time.Time) string {
	payload := strings.Join([]string{
		userID,
		string(key.ProductType),
		key.ProductID,
		string(key.BillingCycle),
		strconv.FormatFloat(price, 'f', 2, 64),
		strings.ToUpper(currency),
		strconv.FormatInt(credits, 10),
		strconv.FormatInt(issuedAt.Unix(), 10),
	}, "|")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
