// Package events connects the gateway to the repository-side deployment
// event bus: a Kafka stream carrying assignment/cancellation events from
// the management layer, and a local publisher used by the gateway's own
// cascade logic. Both feed the same dispatcher subscription, so the
// dispatcher's dedup layer covers either source.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/repo"
)

const defaultConsumeBackoff = time.Second

// Stream consumes repository events from a Kafka topic. It implements
// repo.EventStream.
type Stream struct {
	logger  zerolog.Logger
	group   sarama.ConsumerGroup
	groupID string
	topic   string

	mu      sync.RWMutex
	handler repo.EventHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStream constructs a Stream for the supplied brokers, consumer group
// and topic.
func NewStream(brokers []string, groupID, topic string, logger zerolog.Logger) (*Stream, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("events: group id is required")
	}
	if topic == "" {
		return nil, errors.New("events: topic is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create consumer group: %w", err)
	}

	s := &Stream{
		logger:  logger,
		group:   group,
		groupID: groupID,
		topic:   topic,
	}

	s.wg.Add(1)
	go s.consumeErrors()

	return s, nil
}

// Subscribe blocks, invoking handler for every decoded repository event
// until ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context, handler repo.EventHandler) error {
	if handler == nil {
		return errors.New("events: handler is required")
	}

	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.group.Consume(ctx, []string{s.topic}, &groupHandler{stream: s})
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.Error().Err(err).Msg("events: consume error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultConsumeBackoff):
			}
		}
	}
}

// Close shuts down the consumer group.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.group.Close()
	s.wg.Wait()
	return err
}

func (s *Stream) consumeErrors() {
	defer s.wg.Done()
	for err := range s.group.Errors() {
		if err != nil {
			s.logger.Error().Err(err).Msg("events: consumer group error")
		}
	}
}

type groupHandler struct {
	stream *Stream
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.stream.logger.Info().
		Str("group_id", h.stream.groupID).
		Str("topic", h.stream.topic).
		Msg("events: consumer group ready")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.stream.mu.RLock()
	handler := h.stream.handler
	h.stream.mu.RUnlock()

	for msg := range claim.Messages() {
		var event repo.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// A malformed event can never become valid; skip it.
			h.stream.logger.Error().
				Err(err).
				Int64("offset", msg.Offset).
				Msg("events: undecodable event skipped")
			session.MarkMessage(msg, "")
			continue
		}

		if err := handler(session.Context(), event); err != nil {
			// Leave the offset unmarked so the event is redelivered after
			// a rebalance or restart.
			h.stream.logger.Error().
				Err(err).
				Str("event_id", event.ID).
				Msg("events: handler failed, offset not committed")
			continue
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
