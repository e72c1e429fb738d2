// Package broker connects the gateway to RabbitMQ: the command queue the
// API publishes into, the fanout exchange lifecycle events go out on, and
// the campaign dispatch queue.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
)

// Topology names the exchange and queues the broker declares.
type Topology struct {
	EventExchange string
	CommandQueue  string
	DispatchQueue string
}

// Broker owns one AMQP connection and a publishing channel, redialing with
// backoff when the connection drops.
type Broker struct {
	url  string
	topo Topology
	log  *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// Dial connects and declares the topology.
func Dial(ctx context.Context, url string, topo Topology, log *slog.Logger) (*Broker, error) {
	b := &Broker{url: url, topo: topo, log: log.With("component", "broker")}
	if err := b.redial(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) redial(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.redialLocked(ctx)
}

func (b *Broker) redialLocked(ctx context.Context) error {
	if b.conn != nil && !b.conn.IsClosed() {
		// connection survived; only the publishing channel needs replacing
		ch, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopen channel: %w", err)
		}
		if b.pubCh != nil {
			b.pubCh.Close()
		}
		b.pubCh = ch
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Minute

	var conn *amqp.Connection
	var ch *amqp.Channel
	err := backoff.RetryNotify(func() error {
		c, err := amqp.Dial(b.url)
		if err != nil {
			return err
		}
		pub, err := c.Channel()
		if err != nil {
			c.Close()
			return err
		}
		if err := declare(pub, b.topo); err != nil {
			c.Close()
			return backoff.Permanent(err)
		}
		conn, ch = c, pub
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		b.log.Warn("broker not reachable, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	b.conn, b.pubCh = conn, ch
	b.log.Info("connected to broker")
	return nil
}

func declare(ch *amqp.Channel, topo Topology) error {
	if err := ch.ExchangeDeclare(topo.EventExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.EventExchange, err)
	}
	for _, q := range []string{topo.CommandQueue, topo.DispatchQueue} {
		if q == "" {
			continue
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}

// Publish sends an event to the fanout exchange.
func (b *Broker) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.publish(ctx, b.topo.EventExchange, "", body)
}

// Enqueue sends a persistent message to a queue via the default exchange.
func (b *Broker) Enqueue(ctx context.Context, queue string, body []byte) error {
	return b.publish(ctx, "", queue, body)
}

func (b *Broker) publish(ctx context.Context, exchange, key string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// channels are not safe for concurrent publishing, hence the lock
	err := b.pubCh.Publish(exchange, key, false, false, msg)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	b.log.Warn("publish channel closed, redialing")
	if err := b.redialLocked(ctx); err != nil {
		return err
	}
	return b.pubCh.Publish(exchange, key, false, false, msg)
}

// Handler processes one delivery body. The delivery is acked whatever the
// outcome; failed work is recorded by the handler, not redelivered. A
// delivery whose handler was interrupted by shutdown is requeued instead.
type Handler func(ctx context.Context, body []byte)

// Consume runs handler for each message on queue, one at a time, until ctx
// is cancelled. A dropped connection is redialed and consumption resumes.
func (b *Broker) Consume(ctx context.Context, queue string, handler Handler) error {
	for {
		deliveries, ch, err := b.subscribe(queue)
		if err != nil {
			return err
		}

		b.drain(ctx, deliveries, handler)
		ch.Close()

		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("consumer channel closed, resubscribing", "queue", queue)
		if !b.Healthy() {
			if err := b.redial(ctx); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) subscribe(queue string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}

func (b *Broker) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			handler(ctx, d.Body)
			b.settle(ctx, d)
		}
	}
}

func (b *Broker) settle(ctx context.Context, d amqp.Delivery) {
	if ctx.Err() != nil {
		if err := d.Nack(false, true); err != nil {
			b.log.Warn("nack failed", "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		b.log.Warn("ack failed", "error", err)
	}
}

// Healthy reports whether the connection is open.
func (b *Broker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

// Close closes the publishing channel and the connection.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
