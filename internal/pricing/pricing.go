// Package pricing assembles the credit package list shown on the pricing page,
// enriching static copy with live Stripe prices.
package pricing

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/sesionesfotosia/headshot-hub/internal/billing"
)

// Package is one entry of the pricing page.
type Package struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle"`
	PriceDescription string   `json:"priceDescription"`
	PriceSuffix      string   `json:"priceSuffix"`
	MonetaryPrice    *string  `json:"monetaryPrice"`
	Features         []string `json:"features"`
	ButtonTextBase   string   `json:"buttonTextBase"`
	Featured         bool     `json:"featured"`
	Credits          int      `json:"credits"`
	StripePriceID    *string  `json:"stripePriceId"`
}

type copyText struct {
	title, subtitle, priceDescription, priceSuffix string
	features                                       []string
	featured                                       bool
}

var packageCopy = map[string]copyText{
	billing.OneCredit: {
		title:            "Paquete Esencial",
		subtitle:         "Ideal para una necesidad puntual.",
		priceDescription: "/ 1 Crédito",
		priceSuffix:      "/ 4 fotos",
		features: []string{
			"1 Crédito incluido",
			"4 Fotos únicas generadas por IA",
			"Entrega en ~20 minutos",
		},
	},
	billing.ThreeCredits: {
		title:            "Paquete Profesional",
		subtitle:         "Nuestra opción más popular y equilibrada.",
		priceDescription: "/ 3 Créditos",
		priceSuffix:      "/ 12 fotos",
		features: []string{
			"3 Créditos incluidos",
			"12 Fotos únicas generadas por IA",
			"Entrega en ~20 minutos",
			"Soporte por email prioritario",
		},
		featured: true,
	},
	billing.FiveCredits: {
		title:            "Paquete Avanzado",
		subtitle:         "El mejor valor para una presencia online completa.",
		priceDescription: "/ 5 Créditos",
		priceSuffix:      "/ 20 fotos",
		features: []string{
			"5 Créditos incluidos",
			"20 Fotos únicas generadas por IA",
			"Entrega en ~20 minutos",
			"Soporte por email prioritario",
		},
	},
}

const buttonText = "Seleccionar"

// Loader fetches live prices for the catalog.
type Loader struct {
	catalog *billing.Catalog
	gateway billing.Gateway // nil when payments are not configured
	workers int
	tag     language.Tag
	logger  *zap.Logger
}

// NewLoader creates a Loader. An unparseable locale falls back to Spanish.
func NewLoader(catalog *billing.Catalog, gateway billing.Gateway, locale string, workers int, logger *zap.Logger) *Loader {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.Spanish
	}
	if workers <= 0 {
		workers = 1
	}
	return &Loader{
		catalog: catalog,
		gateway: gateway,
		workers: workers,
		tag:     tag,
		logger:  logger.With(zap.String("component", "pricing")),
	}
}

// Load returns every package. Prices are fetched concurrently and a failed
// lookup only leaves that package's MonetaryPrice nil.
func (l *Loader) Load(ctx context.Context) []Package {
	pkgs := l.catalog.Packages()
	prices := l.fetchPrices(ctx, pkgs)

	out := make([]Package, 0, len(pkgs))
	for _, p := range pkgs {
		c := packageCopy[p.ID]
		view := Package{
			ID:               p.ID,
			Title:            c.title,
			Subtitle:         c.subtitle,
			PriceDescription: c.priceDescription,
			PriceSuffix:      c.priceSuffix,
			Features:         c.features,
			ButtonTextBase:   buttonText,
			Featured:         c.featured,
			Credits:          p.Credits,
		}
		if p.PriceID != "" {
			id := p.PriceID
			view.StripePriceID = &id
		}
		if price, ok := prices[p.PriceID]; ok {
			formatted := FormatPrice(l.tag, price.UnitAmount, price.Currency)
			view.MonetaryPrice = &formatted
		}
		out = append(out, view)
	}
	return out
}

func (l *Loader) fetchPrices(ctx context.Context, pkgs []billing.Package) map[string]*billing.Price {
	prices := make(map[string]*billing.Price)
	if l.gateway == nil {
		l.logger.Warn("payments not configured, serving packages without prices")
		return prices
	}

	var mu sync.Mutex
	wp := workerpool.New(l.workers)
	seen := make(map[string]bool)
	for _, p := range pkgs {
		id := p.PriceID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		wp.Submit(func() {
			price, err := l.gateway.GetPrice(ctx, id)
			if err != nil {
				l.logger.Error("fetch stripe price", zap.String("price_id", id), zap.Error(err))
				return
			}
			mu.Lock()
			prices[id] = price
			mu.Unlock()
		})
	}
	wp.StopWait()

	if len(seen) == 0 {
		l.logger.Warn("no stripe price ids configured")
	}
	return prices
}
