// Package amqp wraps the broker client used for the device-facing DMF
// transport: a consumer feeding the gateway listener and a sender
// implementing the protocol egress primitive.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/gateway"
)

const defaultConsumeBackoff = time.Second

// DeliverFunc receives one decoded delivery together with its broker
// acknowledger.
type DeliverFunc func(ctx context.Context, d gateway.Delivery, ack gateway.Acknowledger)

// Consumer consumes the DMF receiver queue and hands deliveries to the
// gateway listener.
type Consumer struct {
	logger      zerolog.Logger
	uri         string
	queue       string
	prefetch    int
	virtualHost string

	// mu guards conn, which the consume loop replaces on reconnect while
	// Close may run from another goroutine.
	mu   sync.Mutex
	conn *amqp091.Connection

	ready atomic.Bool
}

// NewConsumer constructs a consumer for the given broker URI and queue.
func NewConsumer(uri, queue string, prefetch int, logger zerolog.Logger) (*Consumer, error) {
	if uri == "" {
		return nil, errors.New("amqp consumer: broker uri is required")
	}
	if queue == "" {
		return nil, errors.New("amqp consumer: queue is required")
	}
	if prefetch < 0 {
		return nil, errors.New("amqp consumer: prefetch cannot be negative")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	parsed, err := amqp091.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp consumer: parse uri: %w", err)
	}

	return &Consumer{
		logger:      logger,
		uri:         uri,
		queue:       queue,
		prefetch:    prefetch,
		virtualHost: parsed.Vhost,
	}, nil
}

// Consume connects, declares the receiver queue and invokes deliver for
// every message. The call blocks until ctx is cancelled, reconnecting with
// backoff when the broker drops the connection.
func (c *Consumer) Consume(ctx context.Context, deliver DeliverFunc) error {
	if deliver == nil {
		return errors.New("amqp consumer: deliver func is required")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.consumeOnce(ctx, deliver)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("amqp consumer: connection lost")
		}
		c.ready.Store(false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultConsumeBackoff):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, deliver DeliverFunc) error {
	conn, err := amqp091.Dial(c.uri)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer channel.Close()

	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}

	deliveries, err := channel.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", c.queue, err)
	}

	c.ready.Store(true)
	c.logger.Info().Str("queue", c.queue).Msg("amqp consumer ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			deliver(ctx, c.toDelivery(msg), deliveryAck{msg: msg})
		}
	}
}

// IsReady reports whether the consumer is connected and consuming.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close tears down the broker connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

func (c *Consumer) toDelivery(msg amqp091.Delivery) gateway.Delivery {
	headers := tableToStrings(msg.Headers)
	return gateway.Delivery{
		Type:          headers[dmf.HeaderType],
		Tenant:        headers[dmf.HeaderTenant],
		ThingID:       headers[dmf.HeaderThingID],
		Topic:         headers[dmf.HeaderTopic],
		Headers:       headers,
		ContentType:   msg.ContentType,
		ReplyTo:       msg.ReplyTo,
		CorrelationID: msg.CorrelationId,
		VirtualHost:   c.virtualHost,
		Body:          msg.Body,
	}
}

// deliveryAck adapts an amqp delivery to the gateway acknowledger.
type deliveryAck struct {
	msg amqp091.Delivery
}

func (a deliveryAck) Ack() error {
	return a.msg.Ack(false)
}

func (a deliveryAck) Reject(requeue bool) error {
	return a.msg.Reject(requeue)
}

func tableToStrings(table amqp091.Table) map[string]string {
	if len(table) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(table))
	for k, v := range table {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
