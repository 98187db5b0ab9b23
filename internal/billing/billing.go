package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// ErrInvalidSignature is returned for webhook payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Gateway is the subset of the payment provider used by the service.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetPrice(ctx context.Context, priceID string) (*Price, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// CheckoutRequest describes a one-off credit purchase.
type CheckoutRequest struct {
	UserID     string
	Email      string
	PriceID    string
	Credits    int
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the created hosted payment page.
type CheckoutSession struct {
	ID  string
	URL string
}

// Price is a Stripe price in minor units.
type Price struct {
	ID         string
	UnitAmount int64
	Currency   string
}

// WebhookEvent is a verified Stripe event. Checkout is set for
// checkout.session.completed and checkout.session.async_payment_succeeded.
type WebhookEvent struct {
	ID       string
	Type     string
	Checkout *CompletedCheckout
}

// CompletedCheckout carries what is needed to grant credits.
type CompletedCheckout struct {
	SessionID string
	UserID    string
	PriceID   string
	Credits   int // 0 when metadata did not carry it
	Paid      bool
}

// StripeGateway implements Gateway with stripe-go.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway creates a gateway. backends may be nil for the live API.
func NewStripeGateway(secretKey, webhookSecret string, backends *stripe.Backends) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &StripeGateway{api: sc, webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card", "paypal"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
		Mode:                stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:          stripe.String(req.SuccessURL),
		CancelURL:           stripe.String(req.CancelURL),
		ClientReferenceID:   stripe.String(req.UserID),
		AllowPromotionCodes: stripe.Bool(true),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("price_id", req.PriceID)
	params.AddMetadata("credits", strconv.Itoa(req.Credits))

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (g *StripeGateway) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	p, err := g.api.Prices.Get(priceID, params)
	if err != nil {
		return nil, fmt.Errorf("get price %s: %w", priceID, err)
	}
	return &Price{ID: p.ID, UnitAmount: p.UnitAmount, Currency: string(p.Currency)}, nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	credits, _ := strconv.Atoi(sess.Metadata["credits"])
	userID := sess.ClientReferenceID
	if userID == "" {
		userID = sess.Metadata["user_id"]
	}
	out.Checkout = &CompletedCheckout{
		SessionID: sess.ID,
		UserID:    userID,
		PriceID:   sess.Metadata["price_id"],
		Credits:   credits,
		Paid:      sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	return out, nil
}
