// Package billing holds the credit package catalog and the Stripe gateway used
// to sell credits.
package billing

import "github.com/sesionesfotosia/headshot-hub/internal/config"

// Package IDs.
const (
	OneCredit    = "one-credit"
	ThreeCredits = "three-credits"
	FiveCredits  = "five-credits"
)

// Package is a purchasable bundle of credits bound to a Stripe price.
type Package struct {
	ID      string
	Credits int
	PriceID string // empty when not configured
}

// Catalog maps configured Stripe prices to credit packages.
type Catalog struct {
	packages []Package
	byPrice  map[string]Package
}

// NewCatalog builds the catalog from the configured price ids. Packages with
// an empty price id stay listed but are not purchasable.
func NewCatalog(cfg config.StripeConfig) *Catalog {
	c := &Catalog{
		packages: []Package{
			{ID: OneCredit, Credits: 1, PriceID: cfg.PriceOneCredit},
			{ID: ThreeCredits, Credits: 3, PriceID: cfg.PriceThreeCredits},
			{ID: FiveCredits, Credits: 5, PriceID: cfg.PriceFiveCredits},
		},
		byPrice: make(map[string]Package),
	}
	for _, p := range c.packages {
		if p.PriceID != "" {
			c.byPrice[p.PriceID] = p
		}
	}
	return c
}

// Packages returns every package in display order.
func (c *Catalog) Packages() []Package {
	out := make([]Package, len(c.packages))
	copy(out, c.packages)
	return out
}

// IsAllowed reports whether priceID is one of the configured prices.
func (c *Catalog) IsAllowed(priceID string) bool {
	_, ok := c.byPrice[priceID]
	return priceID != "" && ok
}

// CreditsFor returns the credits granted by priceID.
func (c *Catalog) CreditsFor(priceID string) (int, bool) {
	p, ok := c.byPrice[priceID]
	return p.Credits, ok
}
