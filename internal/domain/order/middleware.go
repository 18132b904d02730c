package order

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/go-faster/errors"
)

// CreateFunc creates an order from a draft.
type CreateFunc func(ctx context.Context, d Draft) (*Order, error)

// CreateMiddleware decorates order creation.
type CreateMiddleware func(next CreateFunc) CreateFunc

// UpdateStatusFunc applies a status change.
type UpdateStatusFunc func(ctx context.Context, u StatusUpdate) (*Order, error)

// UpdateStatusMiddleware decorates status changes.
type UpdateStatusMiddleware func(next UpdateStatusFunc) UpdateStatusFunc

// chainCreate wraps final so that mws[0] runs first.
func chainCreate(final CreateFunc, mws []CreateMiddleware) CreateFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}

func chainUpdateStatus(final UpdateStatusFunc, mws []UpdateStatusMiddleware) UpdateStatusFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}

// LogCreate logs the outcome of every order creation.
func LogCreate(lg *zap.Logger) CreateMiddleware {
	return func(next CreateFunc) CreateFunc {
		return func(ctx context.Context, d Draft) (*Order, error) {
			start := time.Now()
			o, err := next(ctx, d)
			if err != nil {
				lg.Info("Order creation failed",
					zap.Int("items", len(d.Items)),
					zap.Duration("duration", time.Since(start)),
					zap.Error(err),
				)
				return nil, err
			}
			lg.Info("Order created",
				zap.String("order_id", o.ID),
				zap.String("number", o.Number),
				zap.Stringer("total", o.Total),
				zap.Duration("duration", time.Since(start)),
			)
			return o, nil
		}
	}
}

// LogUpdateStatus logs every status change attempt.
func LogUpdateStatus(lg *zap.Logger) UpdateStatusMiddleware {
	return func(next UpdateStatusFunc) UpdateStatusFunc {
		return func(ctx context.Context, u StatusUpdate) (*Order, error) {
			o, err := next(ctx, u)
			if err != nil {
				lg.Info("Order status change rejected",
					zap.String("order_id", u.OrderID),
					zap.String("status", string(u.Status)),
					zap.Error(err),
				)
				return nil, err
			}
			lg.Info("Order status changed",
				zap.String("order_id", o.ID),
				zap.String("status", string(o.Status)),
				zap.String("actor", u.ActorID),
			)
			return o, nil
		}
	}
}

// Telemetry records spans and counters for order operations.
type Telemetry struct {
	tracer      trace.Tracer
	created     metric.Int64Counter
	transitions metric.Int64Counter
	failures    metric.Int64Counter
}

// NewTelemetry creates the instruments used by the telemetry middlewares.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter("github.com/xenking/kart-commerce/internal/domain/order")

	created, err := meter.Int64Counter("orders.created",
		metric.WithDescription("Orders created"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders.created counter")
	}
	transitions, err := meter.Int64Counter("orders.transitions",
		metric.WithDescription("Order status transitions applied"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders.transitions counter")
	}
	failures, err := meter.Int64Counter("orders.failures",
		metric.WithDescription("Failed order operations"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders.failures counter")
	}

	return &Telemetry{
		tracer:      tp.Tracer("github.com/xenking/kart-commerce/internal/domain/order"),
		created:     created,
		transitions: transitions,
		failures:    failures,
	}, nil
}

// Create returns a middleware tracing order creation.
func (t *Telemetry) Create() CreateMiddleware {
	return func(next CreateFunc) CreateFunc {
		return func(ctx context.Context, d Draft) (*Order, error) {
			ctx, span := t.tracer.Start(ctx, "order.Create",
				trace.WithAttributes(attribute.Int("order.items", len(d.Items))),
			)
			defer span.End()

			o, err := next(ctx, d)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				t.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "create")))
				return nil, err
			}
			span.SetAttributes(
				attribute.String("order.id", o.ID),
				attribute.String("order.number", o.Number),
			)
			t.created.Add(ctx, 1, metric.WithAttributes(attribute.String("currency", o.Currency)))
			return o, nil
		}
	}
}

// UpdateStatus returns a middleware tracing status changes.
func (t *Telemetry) UpdateStatus() UpdateStatusMiddleware {
	return func(next UpdateStatusFunc) UpdateStatusFunc {
		return func(ctx context.Context, u StatusUpdate) (*Order, error) {
			ctx, span := t.tracer.Start(ctx, "order.UpdateStatus",
				trace.WithAttributes(
					attribute.String("order.id", u.OrderID),
					attribute.String("order.target_status", string(u.Status)),
				),
			)
			defer span.End()

			o, err := next(ctx, u)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				t.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "update_status")))
				return nil, err
			}
			t.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
			return o, nil
		}
	}
}
