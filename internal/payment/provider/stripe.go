package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/domain/payment"
)

// stripeSessionAPI is the subset of the Checkout Sessions client in use.
type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	Enabled       bool
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Backends      *stripe.Backends
}

// Stripe takes card payments through Stripe Checkout.
type Stripe struct {
	sessions   stripeSessionAPI
	secret     string
	successURL string
	cancelURL  string
}

// NewStripe creates a Stripe provider.
func NewStripe(cfg StripeConfig) *Stripe {
	sc := client.New(strings.TrimSpace(cfg.APIKey), cfg.Backends)
	return newStripe(cfg, sc.CheckoutSessions)
}

func newStripe(cfg StripeConfig, sessions stripeSessionAPI) *Stripe {
	return &Stripe{
		sessions:   sessions,
		secret:     strings.TrimSpace(cfg.WebhookSecret),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
}

func (s *Stripe) Name() string { return payment.ProviderStripe }

// SignatureHeader implements payment.SignatureHeaderer.
func (s *Stripe) SignatureHeader() string { return "Stripe-Signature" }

// Initiate creates a Checkout Session charging the order total.
func (s *Stripe) Initiate(ctx context.Context, o *order.Order) (*payment.Initiation, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(expandOrderURL(s.successURL, o)),
		CancelURL:         stripe.String(expandOrderURL(s.cancelURL, o)),
		ClientReferenceID: stripe.String(o.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(o.Currency)),
				UnitAmount: stripe.Int64(minorUnits(o.Total)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + o.Number),
				},
			},
		}},
		Metadata: map[string]string{
			"order_id":     o.ID,
			"order_number": o.Number,
		},
	}
	if o.Email != "" {
		params.CustomerEmail = stripe.String(o.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + o.ID + "-" + o.Total.StringFixed(2))

	session, err := s.sessions.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return &payment.Initiation{PaymentURL: session.URL, TransactionID: session.ID}, nil
}

// HandleWebhook verifies the Stripe-Signature header against the endpoint
// secret and maps Checkout Session events. Without a secret every payload is
// rejected.
func (s *Stripe) HandleWebhook(_ context.Context, payload []byte, signature string) (*payment.WebhookResult, error) {
	if s.secret == "" {
		return nil, payment.ErrSignatureUnsupported
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrSignatureInvalid, err.Error())
	}

	var outcome payment.Outcome
	switch event.Type {
	case "checkout.session.completed":
		outcome = payment.OutcomePending
	case "checkout.session.async_payment_succeeded":
		outcome = payment.OutcomeCompleted
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		outcome = payment.OutcomeFailed
	default:
		return nil, errors.Errorf("unhandled stripe event %q", event.Type)
	}

	var session stripe.CheckoutSession
	if event.Data == nil {
		return nil, payment.ErrMalformedPayload
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrMalformedPayload, err.Error())
	}
	if event.Type == "checkout.session.completed" && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		outcome = payment.OutcomeCompleted
	}

	orderID := session.ClientReferenceID
	if orderID == "" {
		orderID = session.Metadata["order_id"]
	}
	if orderID == "" {
		return nil, fmt.Errorf("%w: session %s has no order reference", payment.ErrMalformedPayload, session.ID)
	}
	return &payment.WebhookResult{OrderID: orderID, Status: outcome, TransactionID: session.ID}, nil
}

// minorUnits converts an amount to cents, rounding half away from zero.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// expandOrderURL substitutes {order_id} and {order_number} placeholders.
func expandOrderURL(tmpl string, o *order.Order) string {
	return strings.NewReplacer("{order_id}", o.ID, "{order_number}", o.Number).Replace(tmpl)
}

var (
	_ payment.Provider          = (*Stripe)(nil)
	_ payment.SignatureHeaderer = (*Stripe)(nil)
)
