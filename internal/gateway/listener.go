package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/dmf-gateway/internal/dmf"
)

// ListenerConfig bounds the inbound delivery pool.
type ListenerConfig struct {
	Concurrency int
	// MsgMaxBytes caps the accepted body size; zero disables the check.
	MsgMaxBytes int
}

// HandleFunc processes one delivery and classifies any failure with the
// dmf error taxonomy.
type HandleFunc func(ctx context.Context, d Delivery) error

// Listener pulls deliveries through a bounded worker pool and translates
// handler outcomes into broker acknowledgements. Structural and
// authorization failures are rejected without requeue; transient repository
// failures are requeued so the broker's redelivery applies. A panicking
// handler is contained and its delivery rejected: no single delivery can
// take the listener down.
type Listener struct {
	cfg     ListenerConfig
	handler HandleFunc
	sem     *semaphore.Weighted
	logger  zerolog.Logger
}

// NewListener constructs a Listener.
func NewListener(cfg ListenerConfig, handler HandleFunc, logger zerolog.Logger) (*Listener, error) {
	if cfg.Concurrency < 1 {
		return nil, errors.New("gateway: listener concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("gateway: msg max bytes cannot be negative")
	}
	if handler == nil {
		return nil, errors.New("gateway: listener handler is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Listener{
		cfg:     cfg,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  logger.With().Str("component", "listener").Logger(),
	}, nil
}

// Handle admits one delivery into the pool and processes it asynchronously.
func (l *Listener) Handle(ctx context.Context, d Delivery, ack Acknowledger) {
	if l.cfg.MsgMaxBytes > 0 && len(d.Body) > l.cfg.MsgMaxBytes {
		l.logDelivery(d).Warn().
			Int("size", len(d.Body)).
			Int("limit", l.cfg.MsgMaxBytes).
			Msg("delivery rejected: body exceeds size limit")
		l.reject(d, ack, false)
		return
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		// Shutdown in progress; leave the delivery unacked for redelivery.
		l.logDelivery(d).Warn().Err(err).Msg("could not admit delivery into worker pool")
		return
	}

	go func() {
		defer l.sem.Release(1)
		l.process(ctx, d, ack)
	}()
}

// Wait blocks until every in-flight delivery has settled.
func (l *Listener) Wait(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, int64(l.cfg.Concurrency)); err != nil {
		return err
	}
	l.sem.Release(int64(l.cfg.Concurrency))
	return nil
}

func (l *Listener) process(ctx context.Context, d Delivery, ack Acknowledger) {
	defer func() {
		if r := recover(); r != nil {
			l.logDelivery(d).Error().
				Str("panic", fmt.Sprint(r)).
				Msg("handler panicked; delivery rejected")
			l.reject(d, ack, false)
		}
	}()

	err := l.handler(ctx, d)
	switch {
	case err == nil:
		if ackErr := ack.Ack(); ackErr != nil {
			l.logDelivery(d).Error().Err(ackErr).Msg("failed to ack delivery")
		}
	case dmf.IsRejectable(err):
		l.logDelivery(d).Warn().Err(err).Msg("delivery rejected without requeue")
		l.reject(d, ack, false)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		l.logDelivery(d).Warn().Err(err).Msg("context cancelled during handling; delivery requeued")
		l.reject(d, ack, true)
	default:
		l.logDelivery(d).Warn().Err(err).Msg("transient failure; delivery requeued")
		l.reject(d, ack, true)
	}
}

func (l *Listener) reject(d Delivery, ack Acknowledger, requeue bool) {
	if err := ack.Reject(requeue); err != nil {
		l.logDelivery(d).Error().Err(err).Bool("requeue", requeue).Msg("failed to reject delivery")
	}
}

func (l *Listener) logDelivery(d Delivery) *zerolog.Logger {
	log := l.logger.With().
		Str("tenant", d.Tenant).
		Str("type", d.Type).
		Str("topic", d.Topic).
		Str("controller_id", d.ThingID).
		Logger()
	return &log
}
