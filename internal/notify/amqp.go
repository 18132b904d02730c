package notify

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel used by AMQPPublisher.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a RabbitMQ fanout exchange. The routing
// key is the event type.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// DialAMQP connects to url and declares a durable fanout exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %q", exchange)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish implements Publisher. Channels are not safe for concurrent
// publishing, so calls are serialised.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var enc jx.Encoder
	e.Encode(&enc)

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Publish(p.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.OrderID,
		Timestamp:    e.OccurredAt,
		Type:         string(e.Type),
		Body:         enc.Bytes(),
	})
	if err != nil {
		return errors.Wrap(err, "publish amqp message")
	}
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil {
		if cerr := p.ch.Close(); cerr != nil {
			err = errors.Wrap(cerr, "close channel")
		}
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close connection")
		}
	}
	return err
}

var _ Publisher = (*AMQPPublisher)(nil)
