package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/amqp"
	"github.com/example/dmf-gateway/internal/auth"
	"github.com/example/dmf-gateway/internal/config"
	"github.com/example/dmf-gateway/internal/download"
	"github.com/example/dmf-gateway/internal/events"
	"github.com/example/dmf-gateway/internal/gateway"
	"github.com/example/dmf-gateway/internal/logger"
	"github.com/example/dmf-gateway/internal/protocol"
	"github.com/example/dmf-gateway/internal/repo/inmem"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "dmf-gateway").Logger()

	sender, err := amqp.NewSender(cfg.Amqp.URI, log.With().Str("component", "amqp-sender").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect amqp sender")
	}
	defer func() {
		if err := sender.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close amqp sender")
		}
	}()

	svc, err := protocol.New(sender, log.With().Str("component", "protocol").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise protocol service")
	}

	// In-memory repository backend; swapped for a real repository client via
	// the repo interfaces in deployments that attach one.
	store := inmem.New()
	log.Warn().Msg("using in-memory repository backend")

	authManager, err := auth.NewManager(store, store, cfg.Security.IssuerHashHeader,
		log.With().Str("component", "auth").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise auth manager")
	}

	downloadCfg := download.Config{
		Hostname: cfg.Download.Hostname,
		URLTTL:   time.Duration(cfg.Download.URLTTLSeconds) * time.Second,
	}
	downloads, err := download.New(authManager, store, store, downloadCfg,
		log.With().Str("component", "download").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise download service")
	}

	dedup, err := gateway.NewDedup(cfg.Events.DedupSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise event dedup cache")
	}

	dispatcher, err := gateway.NewDispatcher(svc, store, dedup, downloadCfg,
		log.With().Str("component", "dispatcher").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dispatcher")
	}

	localEvents, err := events.NewLocalPublisher(dispatcher.HandleEvent,
		log.With().Str("component", "local-events").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise local event publisher")
	}

	status, err := gateway.NewStatusMachine(store, localEvents,
		log.With().Str("component", "status").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise status machine")
	}

	handler, err := gateway.NewHandler(gateway.HandlerDeps{
		Protocol:    svc,
		Downloads:   downloads,
		Controllers: store,
		Status:      status,
		Dispatcher:  dispatcher,
		Logger:      log.With().Str("component", "handler").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise message handler")
	}

	listenerCfg := gateway.ListenerConfig{
		Concurrency: cfg.Worker.Concurrency,
		MsgMaxBytes: cfg.Worker.MsgMaxBytes,
	}
	receiver, err := gateway.NewListener(listenerCfg, handler.OnMessage,
		log.With().Str("queue", cfg.Amqp.ReceiverQueue).Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise receiver listener")
	}
	authReceiver, err := gateway.NewListener(listenerCfg, handler.OnAuthenticationRequest,
		log.With().Str("queue", cfg.Amqp.AuthReceiverQueue).Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise auth receiver listener")
	}

	consumer, err := amqp.NewConsumer(cfg.Amqp.URI, cfg.Amqp.ReceiverQueue, cfg.Amqp.PrefetchCount,
		log.With().Str("component", "amqp-consumer").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise amqp consumer")
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close amqp consumer")
		}
	}()

	authConsumer, err := amqp.NewConsumer(cfg.Amqp.URI, cfg.Amqp.AuthReceiverQueue, cfg.Amqp.PrefetchCount,
		log.With().Str("component", "amqp-auth-consumer").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise amqp auth consumer")
	}
	defer func() {
		if err := authConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close amqp auth consumer")
		}
	}()

	stream, err := events.NewStream(cfg.Events.Brokers, cfg.Events.ConsumerGroup, cfg.Events.Topic,
		log.With().Str("component", "event-stream").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise repository event stream")
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close repository event stream")
		}
	}()

	errCh := make(chan error, 3)
	go func() {
		if err := consumer.Consume(ctx, receiver.Handle); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := authConsumer.Consume(ctx, authReceiver.Handle); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	log.Info().
		Str("receiver_queue", cfg.Amqp.ReceiverQueue).
		Str("auth_queue", cfg.Amqp.AuthReceiverQueue).
		Str("events_topic", cfg.Events.Topic).
		Msg("dmf gateway started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := receiver.Wait(drainCtx); err != nil {
		log.Warn().Err(err).Msg("receiver pool did not drain before timeout")
	}
	if err := authReceiver.Wait(drainCtx); err != nil {
		log.Warn().Err(err).Msg("auth receiver pool did not drain before timeout")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dmf gateway init failed")
}
