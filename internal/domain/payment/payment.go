package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-commerce/internal/domain/order"
)

// Provider names.
const (
	ProviderStripe         = "stripe"
	ProviderBOG            = "bog"
	ProviderTBC            = "tbc"
	ProviderCashOnDelivery = "cash_on_delivery"
)

var (
	// ErrProviderUnavailable is returned when a provider is not registered
	// or not enabled.
	ErrProviderUnavailable = errors.New("payment provider not available")
	// ErrAlreadyPaid is returned by Checkout for a completed payment.
	ErrAlreadyPaid = errors.New("order is already paid")
	// ErrSignatureInvalid is returned when a webhook signature does not verify.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrSignatureUnsupported is returned by providers that cannot verify
	// webhooks in the current configuration. Such payloads are rejected.
	ErrSignatureUnsupported = errors.New("webhook verification not available")
	// ErrMalformedPayload is returned when a webhook body cannot be parsed.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Outcome is a provider-reported payment result.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomePending leaves the order's payment status untouched.
	OutcomePending Outcome = "pending"
)

// Initiation is the result of starting a payment.
type Initiation struct {
	// PaymentURL is where the customer completes the payment. Empty for
	// providers without a redirect.
	PaymentURL    string
	TransactionID string
}

// WebhookResult is what a provider extracted from a verified callback.
type WebhookResult struct {
	OrderID       string
	Status        Outcome
	TransactionID string
}

// Provider is one payment back-end.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, o *order.Order) (*Initiation, error)
	// HandleWebhook verifies and parses a callback. Implementations must
	// reject payloads they cannot verify.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error)
}

// SignatureHeaderer is implemented by providers that sign callbacks in an
// HTTP header.
type SignatureHeaderer interface {
	SignatureHeader() string
}

// ProviderError wraps a failure raised by a provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
