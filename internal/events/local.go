package events

import (
	"context"
	"errors"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/repo"
)

// LocalPublisher delivers events published inside this process straight to
// the dispatcher's event handler. The Finished cascade uses it so a
// follow-up assignment is pushed without a round trip through the broker.
// It implements repo.EventPublisher.
type LocalPublisher struct {
	handler repo.EventHandler
	logger  zerolog.Logger
}

// NewLocalPublisher constructs a LocalPublisher wrapping handler.
func NewLocalPublisher(handler repo.EventHandler, logger zerolog.Logger) (*LocalPublisher, error) {
	if handler == nil {
		return nil, errors.New("events: handler is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LocalPublisher{handler: handler, logger: logger}, nil
}

// Publish hands the event to the handler synchronously so the caller
// observes delivery failures.
func (p *LocalPublisher) Publish(ctx context.Context, event repo.Event) error {
	p.logger.Debug().
		Str("event_id", event.ID).
		Str("kind", string(event.Kind)).
		Str("tenant", event.Tenant).
		Msg("events: local event published")
	return p.handler(ctx, event)
}
