package httpserver

import (
	"net/http"
	"sort"

	"github.com/pixelmuse/billing/pkg/responders"
)

type productView struct {
	ProductType  string  `json:"productType"`
	ProductID    string  `json:"productId"`
	BillingCycle string  `json:"billingCycle,omitempty"`
	Price        float64 `json:"price"`
	AmountCents  int64   `json:"amountCents"`
	Credits      int64   `json:"credits"`
	Currency     string  `json:"currency"`
	Description  string  `json:"description,omitempty"`
}

type productsResponse struct {
	CatalogVersion string        `json:"catalogVersion,omitempty"`
	Products       []productView `json:"products"`
}

// health reports liveness.
func (s *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listProducts publishes the price catalog. Clients render these prices and
// echo them back on checkout, where they are verified against the same table.
func (s *handlers) listProducts(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.Entries()

	products := make([]productView, 0, len(entries))
	for _, e := range entries {
		cycle := string(e.Key.BillingCycle)
		if cycle == "none" {
			cycle = ""
		}
		products = append(products, productView{
			ProductType:  string(e.Key.ProductType),
			ProductID:    e.Key.ProductID,
			BillingCycle: cycle,
			Price:        e.Price,
			AmountCents:  int64(e.Price*100 + 0.5),
			Credits:      e.Credits,
			Currency:     e.Currency,
			Description:  e.Description,
		})
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].ProductType != products[j].ProductType {
			return products[i].ProductType < products[j].ProductType
		}
		if products[i].ProductID != products[j].ProductID {
			return products[i].ProductID < products[j].ProductID
		}
		return products[i].BillingCycle < products[j].BillingCycle
	})

	responders.JSON(w, http.StatusOK, productsResponse{
		CatalogVersion: s.catalog.Version(),
		Products:       products,
	})
}
