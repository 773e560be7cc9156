package amqp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/protocol"
)

// Sender publishes outbound messages to amqp addresses. It implements
// protocol.Sender and is the only component that talks to the broker on the
// way out.
type Sender struct {
	logger zerolog.Logger

	conn *amqp091.Connection

	// A channel is not safe for concurrent publishing.
	mu      sync.Mutex
	channel *amqp091.Channel
}

// NewSender connects to the broker and opens a publishing channel.
func NewSender(uri string, logger zerolog.Logger) (*Sender, error) {
	if uri == "" {
		return nil, errors.New("amqp sender: broker uri is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	conn, err := amqp091.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp sender: dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp sender: open channel: %w", err)
	}

	return &Sender{logger: logger, conn: conn, channel: channel}, nil
}

// Send publishes msg to the routing key encoded in the amqp address.
func (s *Sender) Send(ctx context.Context, address string, msg protocol.Message) error {
	routingKey, err := routingKeyFromAddress(address)
	if err != nil {
		return err
	}

	headers := amqp091.Table{
		dmf.HeaderType:   string(msg.Type),
		dmf.HeaderTenant: msg.Tenant,
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.ContentType != "" {
		headers[dmf.HeaderContentType] = msg.ContentType
	}

	publishing := amqp091.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		Body:          msg.Body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.channel.PublishWithContext(ctx, "", routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("amqp sender: publish to %s: %w", routingKey, err)
	}
	s.logger.Debug().
		Str("routing_key", routingKey).
		Str("type", string(msg.Type)).
		Str("tenant", msg.Tenant).
		Msg("amqp sender: message published")
	return nil
}

// Close tears down the publishing channel and connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// routingKeyFromAddress extracts the routing key from an address of the
// form amqp://<vhost>/<routingKey>. The vhost scope is fixed by the
// connection; only the routing key is used for publishing.
func routingKeyFromAddress(address string) (string, error) {
	if !strings.HasPrefix(address, "amqp://") {
		return "", fmt.Errorf("%w: not an amqp address: %s", dmf.ErrUnresolvedDestination, address)
	}
	rest := strings.TrimPrefix(address, "amqp://")
	idx := strings.Index(rest, "/")
	if idx < 0 || idx == len(rest)-1 {
		return "", fmt.Errorf("%w: address %s carries no routing key", dmf.ErrUnresolvedDestination, address)
	}
	return rest[idx+1:], nil
}
