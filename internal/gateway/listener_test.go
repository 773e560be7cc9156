package gateway_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/gateway"
)

type ackRecorder struct {
	outcome chan string
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{outcome: make(chan string, 1)}
}

func (a *ackRecorder) Ack() error {
	a.outcome <- "ack"
	return nil
}

func (a *ackRecorder) Reject(requeue bool) error {
	if requeue {
		a.outcome <- "requeue"
	} else {
		a.outcome <- "reject"
	}
	return nil
}

func (a *ackRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case got := <-a.outcome:
		return got
	case <-time.After(time.Second):
		t.Fatalf("delivery was never settled")
		return ""
	}
}

func newListener(t *testing.T, cfg gateway.ListenerConfig, handler gateway.HandleFunc) *gateway.Listener {
	t.Helper()
	l, err := gateway.NewListener(cfg, handler, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("unexpected listener error: %v", err)
	}
	return l
}

func TestListenerAcksSuccessfulDelivery(t *testing.T) {
	l := newListener(t, gateway.ListenerConfig{Concurrency: 2}, func(ctx context.Context, d gateway.Delivery) error {
		return nil
	})
	ack := newAckRecorder()
	l.Handle(context.Background(), gateway.Delivery{}, ack)
	if got := ack.wait(t); got != "ack" {
		t.Fatalf("expected ack, got %s", got)
	}
}

func TestListenerRejectsProtocolViolationWithoutRequeue(t *testing.T) {
	l := newListener(t, gateway.ListenerConfig{Concurrency: 2}, func(ctx context.Context, d gateway.Delivery) error {
		return dmf.WrapProtocolViolation(errors.New("bad header"))
	})
	ack := newAckRecorder()
	l.Handle(context.Background(), gateway.Delivery{}, ack)
	if got := ack.wait(t); got != "reject" {
		t.Fatalf("expected reject without requeue, got %s", got)
	}
}

func TestListenerRequeuesTransientFailure(t *testing.T) {
	l := newListener(t, gateway.ListenerConfig{Concurrency: 2}, func(ctx context.Context, d gateway.Delivery) error {
		return dmf.WrapTransient(errors.New("db down"))
	})
	ack := newAckRecorder()
	l.Handle(context.Background(), gateway.Delivery{}, ack)
	if got := ack.wait(t); got != "requeue" {
		t.Fatalf("expected requeue, got %s", got)
	}
}

func TestListenerContainsPanickingHandler(t *testing.T) {
	calls := 0
	l := newListener(t, gateway.ListenerConfig{Concurrency: 2}, func(ctx context.Context, d gateway.Delivery) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	})

	first := newAckRecorder()
	l.Handle(context.Background(), gateway.Delivery{}, first)
	if got := first.wait(t); got != "reject" {
		t.Fatalf("expected panicking delivery rejected, got %s", got)
	}

	// The listener keeps serving after a panic.
	second := newAckRecorder()
	l.Handle(context.Background(), gateway.Delivery{}, second)
	if got := second.wait(t); got != "ack" {
		t.Fatalf("expected follow-up delivery acked, got %s", got)
	}
}

func TestListenerRejectsOversizedDelivery(t *testing.T) {
	handled := false
	l := newListener(t, gateway.ListenerConfig{Concurrency: 1, MsgMaxBytes: 8}, func(ctx context.Context, d gateway.Delivery) error {
		handled = true
		return nil
	})
	ack := newAckRecorder()
	l.Handle(context.Background(), gateway.Delivery{Body: []byte("way too large payload")}, ack)
	if got := ack.wait(t); got != "reject" {
		t.Fatalf("expected reject without requeue, got %s", got)
	}
	if handled {
		t.Fatalf("oversized delivery must not reach the handler")
	}
}

func TestListenerWaitDrainsInFlightWork(t *testing.T) {
	release := make(chan struct{})
	l := newListener(t, gateway.ListenerConfig{Concurrency: 1}, func(ctx context.Context, d gateway.Delivery) error {
		<-release
		return nil
	})
	ack := newAckRecorder()
	l.Handle(context.Background(), gateway.Delivery{}, ack)

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(waitCtx); err == nil {
		t.Fatalf("expected wait to time out while work is in flight")
	}

	close(release)
	ack.wait(t)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("expected drained pool, got %v", err)
	}
}
