package events_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/events"
	"github.com/example/dmf-gateway/internal/repo"
)

func TestLocalPublisherDeliversSynchronously(t *testing.T) {
	var got []repo.Event
	p, err := events.NewLocalPublisher(func(ctx context.Context, event repo.Event) error {
		got = append(got, event)
		return nil
	}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := repo.Event{ID: "ev-1", Kind: repo.EventAssignment, Tenant: "DEFAULT", ControllerID: "dev1", ActionID: 7}
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if len(got) != 1 || got[0] != event {
		t.Fatalf("expected synchronous delivery, got %+v", got)
	}
}

func TestLocalPublisherPropagatesHandlerError(t *testing.T) {
	p, err := events.NewLocalPublisher(func(ctx context.Context, event repo.Event) error {
		return errors.New("downstream failed")
	}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Publish(context.Background(), repo.Event{ID: "ev-1"}); err == nil {
		t.Fatalf("expected handler error to surface")
	}
}

func TestNewLocalPublisherRequiresHandler(t *testing.T) {
	if _, err := events.NewLocalPublisher(nil, zerolog.New(io.Discard)); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}
