package router

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/config"
	"github.com/pixelmuse/billing/internal/errors"
	"github.com/pixelmuse/billing/internal/orders"
)

// Request carries the attributes routing rules match against. Amount is in
// major units. Preferred, Country, and Currency may be empty.
type Request struct {
	Preferred   orders.Provider
	Country     string
	Currency    string
	ProductType catalog.ProductType
	Amount      float64
}

// ProviderRouter picks a payment processor for a checkout. Selection order:
// the user's preferred provider if it is available, then config rules by
// ascending priority, then the default provider. Availability (credentials
// configured) is a hard gate at every step.
type ProviderRouter struct {
	rules           []config.RoutingRule
	defaultProvider orders.Provider
	available       map[orders.Provider]bool
	log             zerolog.Logger
}

// New builds a router from routing config and the set of providers whose
// credentials are configured.
func New(cfg config.RoutingConfig, available map[orders.Provider]bool, log zerolog.Logger) *ProviderRouter {
	rules := make([]config.RoutingRule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	// Stable insertion sort; rule lists are short and config order breaks ties.
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority < rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
	return &ProviderRouter{
		rules:           rules,
		defaultProvider: orders.Provider(cfg.DefaultProvider),
		available:       available,
		log:             log.With().Str("component", "provider_router").Logger(),
	}
}

// Route selects a provider for the request, or errors with
// ErrCodeNoProviderAvailable when nothing configured can serve it.
func (r *ProviderRouter) Route(req Request) (orders.Provider, error) {
	if req.Preferred != "" && req.Preferred.IsValid() && r.available[req.Preferred] {
		return req.Preferred, nil
	}

	for _, rule := range r.rules {
		if !r.matches(rule, req) {
			continue
		}
		p := orders.Provider(rule.Provider)
		if !r.available[p] {
			r.log.Debug().
				Str("provider", rule.Provider).
				Int("priority", rule.Priority).
				Msg("routing rule matched but provider is not configured, skipping")
			continue
		}
		return p, nil
	}

	if r.defaultProvider != "" && r.available[r.defaultProvider] {
		return r.defaultProvider, nil
	}

	return "", errors.New(errors.ErrCodeNoProviderAvailable, "no payment provider available for this request")
}

// matches applies all of the rule's predicates; empty lists match everything.
func (r *ProviderRouter) matches(rule config.RoutingRule, req Request) bool {
	if len(rule.Countries) > 0 && !containsFold(rule.Countries, req.Country) {
		return false
	}
	if len(rule.Currencies) > 0 && !containsFold(rule.Currencies, req.Currency) {
		return false
	}
	if len(rule.ProductTypes) > 0 && !containsFold(rule.ProductTypes, string(req.ProductType)) {
		return false
	}
	if req.Amount < rule.MinAmount {
		return false
	}
	if rule.MaxAmount > 0 && req.Amount > rule.MaxAmount {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
