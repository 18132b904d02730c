package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/notify"
)

// Orders is the order storage the dispatcher reads and updates.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	SetPayment(ctx context.Context, id string, status order.PaymentStatus, method string, transactionID *string) (*order.Order, error)
}

// StatusUpdater drives order status transitions.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, u order.StatusUpdate) (*order.Order, error)
}

// CheckoutResult is returned to the customer after starting a payment.
type CheckoutResult struct {
	PaymentURL    string
	TransactionID string
}

// Ack acknowledges a webhook. Received is always true; OrderID and Status
// are set when the callback was processed.
type Ack struct {
	Received bool
	OrderID  string
	Status   order.PaymentStatus
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(lg *zap.Logger) Option {
	return func(d *Dispatcher) { d.lg = lg }
}

// WithTracerProvider enables tracing of checkout and webhook handling.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer("github.com/xenking/kart-commerce/internal/domain/payment") }
}

// WithEvents publishes payment_updated events.
func WithEvents(p notify.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher routes checkout and webhook calls to payment providers and
// reconciles the order's payment status.
type Dispatcher struct {
	registry *Registry
	orders   Orders
	statuses StatusUpdater
	events   notify.Publisher
	tracer   trace.Tracer
	lg       *zap.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(registry *Registry, orders Orders, statuses StatusUpdater, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		orders:   orders,
		statuses: statuses,
		events:   notify.Nop{},
		tracer:   noop.NewTracerProvider().Tracer(""),
		lg:       zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Checkout starts a payment for the order with the named provider and marks
// the payment as processing.
func (d *Dispatcher) Checkout(ctx context.Context, orderID, providerName string) (*CheckoutResult, error) {
	ctx, span := d.tracer.Start(ctx, "payment.Checkout", trace.WithAttributes(
		attribute.String("payment.provider", providerName),
		attribute.String("order.id", orderID),
	))
	defer span.End()

	res, err := d.checkout(ctx, orderID, providerName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) checkout(ctx context.Context, orderID, providerName string) (*CheckoutResult, error) {
	p, err := d.registry.Resolve(providerName)
	if err != nil {
		return nil, err
	}

	o, err := d.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.PaymentStatus == order.PaymentCompleted {
		return nil, ErrAlreadyPaid
	}

	started, err := p.Initiate(ctx, o)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Op: "initiate", Err: err}
	}

	tx := started.TransactionID
	if _, err := d.orders.SetPayment(ctx, o.ID, order.PaymentProcessing, p.Name(), &tx); err != nil {
		return nil, errors.Wrap(err, "set payment processing")
	}

	d.lg.Info("Payment initiated",
		zap.String("order_id", o.ID),
		zap.String("provider", p.Name()),
		zap.String("transaction_id", tx),
	)
	return &CheckoutResult{PaymentURL: started.PaymentURL, TransactionID: tx}, nil
}

// Webhook processes a provider callback. It always acknowledges receipt;
// failures only reach the log and the trace.
func (d *Dispatcher) Webhook(ctx context.Context, providerName string, payload []byte, signature string) Ack {
	ctx, span := d.tracer.Start(ctx, "payment.Webhook", trace.WithAttributes(
		attribute.String("payment.provider", providerName),
		attribute.Int("payment.payload_size", len(payload)),
	))
	defer span.End()

	ack := Ack{Received: true}
	o, err := d.webhook(ctx, providerName, payload, signature)
	if err != nil {
		span.AddEvent("webhook.rejected", trace.WithAttributes(attribute.String("error", err.Error())))
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook rejected")

		lg := d.lg.With(zap.String("provider", providerName), zap.Error(err))
		var pe *ProviderError
		if errors.As(err, &pe) {
			lg.Warn("Payment provider rejected webhook")
		} else {
			lg.Error("Payment webhook processing failed")
		}
		return ack
	}
	if o != nil {
		ack.OrderID = o.ID
		ack.Status = o.PaymentStatus
		span.SetAttributes(
			attribute.String("order.id", o.ID),
			attribute.String("payment.status", string(o.PaymentStatus)),
		)
	}
	return ack
}

func (d *Dispatcher) webhook(ctx context.Context, providerName string, payload []byte, signature string) (*order.Order, error) {
	p, err := d.registry.Resolve(providerName)
	if err != nil {
		return nil, err
	}

	res, err := p.HandleWebhook(ctx, payload, signature)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Op: "handle webhook", Err: err}
	}

	var status order.PaymentStatus
	switch res.Status {
	case OutcomeCompleted:
		status = order.PaymentCompleted
	case OutcomeFailed:
		status = order.PaymentFailed
	default:
		d.lg.Info("Ignoring non-final payment callback",
			zap.String("provider", p.Name()),
			zap.String("order_id", res.OrderID),
			zap.String("outcome", string(res.Status)),
		)
		return d.orders.Get(ctx, res.OrderID)
	}

	var tx *string
	if res.TransactionID != "" {
		tx = &res.TransactionID
	}
	o, err := d.orders.SetPayment(ctx, res.OrderID, status, p.Name(), tx)
	if err != nil {
		return nil, errors.Wrap(err, "set payment status")
	}

	if status == order.PaymentCompleted {
		d.confirm(ctx, p.Name(), o.ID)
	}
	if err := d.events.Publish(ctx, notify.Event{
		Type:        notify.EventPaymentUpdated,
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Status:      string(o.PaymentStatus),
		Total:       o.Total.StringFixed(2),
		Currency:    o.Currency,
		OccurredAt:  d.now(),
	}); err != nil {
		d.lg.Error("Failed to publish payment event", zap.String("order_id", o.ID), zap.Error(err))
	}
	return o, nil
}

// confirm attempts the pending → confirmed transition after a completed
// payment. Failures such as an already confirmed order are expected.
func (d *Dispatcher) confirm(ctx context.Context, providerName, orderID string) {
	_, err := d.statuses.UpdateStatus(ctx, order.StatusUpdate{
		OrderID: orderID,
		Status:  order.StatusConfirmed,
		Note:    "payment completed",
		ActorID: "payment:" + providerName,
	})
	if err != nil {
		d.lg.Info("Order not confirmed after payment",
			zap.String("order_id", orderID),
			zap.String("provider", providerName),
			zap.Error(err),
		)
	}
}

// SignatureHeader returns the HTTP header carrying the named provider's
// webhook signature, or "" when it signs none.
func (d *Dispatcher) SignatureHeader(providerName string) string {
	p, err := d.registry.Resolve(providerName)
	if err != nil {
		return ""
	}
	if h, ok := p.(SignatureHeaderer); ok {
		return h.SignatureHeader()
	}
	return ""
}

// Providers lists the enabled provider names.
func (d *Dispatcher) Providers() []string {
	return d.registry.Enabled()
}
