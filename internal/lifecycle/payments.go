package lifecycle

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/billing"
	"github.com/sesionesfotosia/headshot-hub/internal/events"
	"github.com/sesionesfotosia/headshot-hub/internal/idempotency"
	"github.com/sesionesfotosia/headshot-hub/internal/store"
)

// ProviderStripe namespaces Stripe event markers.
const ProviderStripe = "stripe"

const (
	msgConfig         = "Application configuration error."
	msgPaymentFailed  = "Failed to initiate payment. Please try again."
	msgMissingPriceID = "Missing or invalid priceId"
	msgInvalidPriceID = "Invalid price ID selected."
)

// Payments sells credit packages through Stripe Checkout and credits them
// when Stripe confirms the payment.
type Payments struct {
	store   store.Store
	catalog *billing.Catalog
	gateway billing.Gateway
	markers idempotency.Marker
	bus     *events.Bus
	siteURL string
	logger  *zap.Logger
}

// PaymentsConfig holds the dependencies of Payments. Gateway is nil when
// Stripe is not configured.
type PaymentsConfig struct {
	Store   store.Store
	Catalog *billing.Catalog
	Gateway billing.Gateway
	Markers idempotency.Marker
	Bus     *events.Bus
	SiteURL string
	Logger  *zap.Logger
}

// NewPayments creates the payment service.
func NewPayments(cfg PaymentsConfig) *Payments {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Payments{
		store:   cfg.Store,
		catalog: cfg.Catalog,
		gateway: cfg.Gateway,
		markers: cfg.Markers,
		bus:     cfg.Bus,
		siteURL: strings.TrimRight(cfg.SiteURL, "/"),
		logger:  cfg.Logger.With(zap.String("component", "payments")),
	}
}

// Buyer identifies the signed-in user starting a checkout.
type Buyer struct {
	UserID string
	Email  string
}

// Checkout validates priceID against the catalog and returns the hosted
// checkout URL. The gateway is never called for an unknown price.
func (p *Payments) Checkout(ctx context.Context, buyer Buyer, priceID string) (string, error) {
	if buyer.UserID == "" {
		return "", unauthorized("Unauthorized")
	}
	if strings.TrimSpace(priceID) == "" {
		return "", invalid(msgMissingPriceID)
	}
	if !p.catalog.IsAllowed(priceID) {
		p.logger.Warn("checkout with unknown price", zap.String("user_id", buyer.UserID), zap.String("price_id", priceID))
		return "", invalid(msgInvalidPriceID)
	}
	if p.siteURL == "" {
		return "", upstream(msgConfig, errors.New("site url not configured"))
	}
	if p.gateway == nil {
		return "", upstream(msgConfig, errors.New("stripe not configured"))
	}

	credits, _ := p.catalog.CreditsFor(priceID)
	session, err := p.gateway.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		UserID:     buyer.UserID,
		Email:      buyer.Email,
		PriceID:    priceID,
		Credits:    credits,
		SuccessURL: p.siteURL + "/overview?payment=success",
		CancelURL:  p.siteURL + "/get-credits?status=canceled",
	})
	if err != nil {
		p.logger.Error("create checkout session failed", zap.String("user_id", buyer.UserID), zap.Error(err))
		return "", upstream(msgPaymentFailed, err)
	}
	if session.URL == "" {
		p.logger.Error("checkout session without url", zap.String("session_id", session.ID))
		return "", upstream(msgPaymentFailed, errors.New("session has no url"))
	}

	p.logger.Info("checkout session created",
		zap.String("user_id", buyer.UserID),
		zap.String("session_id", session.ID),
		zap.Int("credits", credits),
	)
	return session.URL, nil
}

// HandleWebhook verifies a Stripe event and credits paid checkouts once.
// Events that carry nothing to credit are acknowledged and ignored.
func (p *Payments) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if p.gateway == nil {
		return upstream(msgConfig, errors.New("stripe not configured"))
	}
	event, err := p.gateway.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return invalid("Invalid signature")
		}
		return invalid("Invalid payload")
	}

	log := p.logger.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	checkout := event.Checkout
	if checkout == nil {
		log.Debug("stripe event ignored")
		return nil
	}
	if !checkout.Paid {
		log.Info("checkout not paid yet", zap.String("session_id", checkout.SessionID))
		return nil
	}

	credits := checkout.Credits
	if credits <= 0 {
		credits, _ = p.catalog.CreditsFor(checkout.PriceID)
	}
	if checkout.UserID == "" || credits <= 0 {
		// Retrying cannot fix a session without an owner or a known price.
		log.Error("paid checkout without user or credits",
			zap.String("session_id", checkout.SessionID),
			zap.String("price_id", checkout.PriceID),
		)
		return nil
	}

	_, err = idempotency.Do(ctx, p.markers, ProviderStripe, event.ID, func() error {
		balance, err := p.store.AddCredits(ctx, checkout.UserID, credits)
		if err != nil {
			return upstream("Error adding credits", err)
		}
		log.Info("credits added",
			zap.String("user_id", checkout.UserID),
			zap.Int("credits", credits),
			zap.Int("balance", balance),
		)
		p.bus.PublishTo(checkout.UserID, events.CreditsUpdated, map[string]int{"credits": balance})
		return nil
	})
	switch {
	case errors.Is(err, idempotency.ErrComplete):
		log.Warn("credits added but marker not completed", zap.Error(err))
	case err != nil:
		log.Error("stripe webhook failed", zap.Error(err))
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		return upstream("Internal Server Error", err)
	}
	return nil
}
