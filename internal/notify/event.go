// Package notify carries order events to admin-facing sinks: the in-process
// hub behind the live feed, Kafka and RabbitMQ.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.uber.org/multierr"
)

// EventType names an order event.
type EventType string

const (
	EventNewOrder       EventType = "new_order"
	EventStatusChanged  EventType = "status_changed"
	EventPaymentUpdated EventType = "payment_updated"
)

// Event is a notification about an order.
type Event struct {
	Type        EventType
	OrderID     string
	OrderNumber string
	Status      string
	Total       string
	Currency    string
	OccurredAt  time.Time
}

// Encode writes e as a JSON object.
func (e Event) Encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("type")
	enc.Str(string(e.Type))
	enc.FieldStart("order_id")
	enc.Str(e.OrderID)
	if e.OrderNumber != "" {
		enc.FieldStart("order_number")
		enc.Str(e.OrderNumber)
	}
	if e.Status != "" {
		enc.FieldStart("status")
		enc.Str(e.Status)
	}
	if e.Total != "" {
		enc.FieldStart("total")
		enc.Str(e.Total)
	}
	if e.Currency != "" {
		enc.FieldStart("currency")
		enc.Str(e.Currency)
	}
	enc.FieldStart("occurred_at")
	enc.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	enc.ObjEnd()
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	var enc jx.Encoder
	e.Encode(&enc)
	return enc.Bytes(), nil
}

// Decode reads e from a JSON object.
func (e *Event) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "type":
			v, err := d.Str()
			e.Type = EventType(v)
			return err
		case "order_id":
			v, err := d.Str()
			e.OrderID = v
			return err
		case "order_number":
			v, err := d.Str()
			e.OrderNumber = v
			return err
		case "status":
			v, err := d.Str()
			e.Status = v
			return err
		case "total":
			v, err := d.Str()
			e.Total = v
			return err
		case "currency":
			v, err := d.Str()
			e.Currency = v
			return err
		case "occurred_at":
			v, err := d.Str()
			if err != nil {
				return err
			}
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return errors.Wrap(err, "parse occurred_at")
			}
			e.OccurredAt = t
			return nil
		default:
			return d.Skip()
		}
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	return e.Decode(jx.DecodeBytes(data))
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher. All publishers are attempted;
// their errors are combined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Publish(ctx, e))
	}
	return err
}

var (
	_ Publisher = Nop{}
	_ Publisher = Multi(nil)
)
