package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-relay/pkg/broker"
	"github.com/illmade-knight/go-relay/pkg/config"
	"github.com/illmade-knight/go-relay/pkg/forwarder"
	"github.com/illmade-knight/go-relay/pkg/heartbeat"
	"github.com/illmade-knight/go-relay/pkg/microservice"
	"github.com/illmade-knight/go-relay/pkg/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// serve runs the relay until ctx is done or a loop fails fatally.
func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	fwd, err := forwarder.New(&forwarder.Config{URL: cfg.Sink.URL, Timeout: cfg.Sink.Timeout}, nil)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics(reg)

	connect, err := newConnector(cfg, logger)
	if err != nil {
		return err
	}

	events, err := newEventPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := events.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush events.")
		}
	}()

	loops := make([]*relay.Relay, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		loopCfg := &relay.Config{
			Topic:                  cfg.Broker.Topic,
			Subscription:           cfg.Broker.Subscription,
			WorkerID:               i,
			MaxBatch:               cfg.Broker.MaxBatch,
			PullMaxWait:            cfg.Broker.PullMaxWait,
			PullRetryBase:          cfg.Broker.PullRetryBase,
			PullRetryMax:           cfg.Broker.PullRetryMax,
			SettleTimeout:          cfg.Broker.SettleTimeout,
			DeadLetterWarnAttempts: cfg.Events.DeadLetterWarnAttempts,
		}
		l, err := relay.New(loopCfg, connect, fwd, logger, relay.WithMetrics(metrics), relay.WithEventPublisher(events))
		if err != nil {
			return err
		}
		loops = append(loops, l)
	}

	svc, err := microservice.NewRelayService(cfg.HTTPPort, loops, reg, logger)
	if err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	reporter, hbDone, err := startHeartbeat(hbCtx, cfg, loops, logger)
	if err != nil {
		return err
	}
	if reporter != nil {
		svc.Mux().Handle("/instances", reporter.Handler())
	}

	logger.Info().
		Str("broker", cfg.Broker.Kind).
		Str("topic", cfg.Broker.Topic).
		Str("subscription", cfg.Broker.Subscription).
		Str("sink", fwd.URL()).
		Int("workers", cfg.Workers).
		Msg("Starting relay.")
	if err := svc.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received, draining.")
	case <-svc.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	shutdownErr := svc.Shutdown(shutdownCtx)
	runErr := svc.Wait()
	stopHeartbeat()
	<-hbDone

	return drainResult(runErr, shutdownErr, logger)
}

// drainResult decides the exit error once every loop has returned. A drain
// that finished cleanly but after the shutdown deadline is logged, not failed.
func drainResult(runErr, shutdownErr error, logger zerolog.Logger) error {
	if runErr != nil {
		return runErr
	}
	if shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("Relay loops drained cleanly after the shutdown deadline.")
	}
	return nil
}

func newConnector(cfg config.Config, logger zerolog.Logger) (broker.Connector, error) {
	b := cfg.Broker
	switch b.Kind {
	case config.KindPubSub:
		psCfg := broker.NewGooglePubsubReceiverDefaults(b.Connection, b.Subscription)
		psCfg.TopicID = b.Topic
		psCfg.CredentialsFile = b.CredentialsFile
		psCfg.ConnectTimeout = b.ConnectTimeout
		psCfg.AckExtension = cfg.Sink.Timeout + b.SettleTimeout
		return broker.GooglePubsubConnector(psCfg, logger), nil
	case config.KindRabbitMQ:
		rmqCfg := broker.NewRabbitReceiverDefaults(b.Connection, b.Subscription)
		rmqCfg.Exchange = b.Topic
		rmqCfg.Prefetch = b.MaxBatch
		return broker.RabbitConnector(rmqCfg, logger), nil
	case config.KindSQS:
		sqsCfg := broker.NewSQSReceiverDefaults(b.Connection)
		sqsCfg.Region = b.Region
		sqsCfg.Endpoint = b.Endpoint
		return broker.SQSConnector(sqsCfg, logger), nil
	case config.KindServiceBus:
		sbCfg := broker.NewServiceBusReceiverDefaults(b.Connection, b.Topic, b.Subscription)
		sbCfg.ConnectTimeout = b.ConnectTimeout
		return broker.ServiceBusConnector(sbCfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", b.Kind)
	}
}

func newEventPublisher(ctx context.Context, cfg config.Config, logger zerolog.Logger) (broker.EventPublisher, error) {
	if cfg.Events.Topic == "" {
		return broker.NopEventPublisher{}, nil
	}
	project := cfg.EventsProject()
	psCfg := broker.NewGooglePubsubReceiverDefaults(project, "")
	psCfg.CredentialsFile = cfg.Broker.CredentialsFile

	client, err := pubsub.NewClient(ctx, project, psCfg.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client for events: %w", err)
	}
	checkCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
	defer cancel()
	publisher, err := broker.NewGoogleEventPublisher(checkCtx, client, cfg.Events.Topic, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &closingPublisher{GoogleEventPublisher: publisher, client: client}, nil
}

// closingPublisher closes the client it was built on once flushed.
type closingPublisher struct {
	*broker.GoogleEventPublisher
	client *pubsub.Client
}

func (p *closingPublisher) Stop(ctx context.Context) error {
	err := p.GoogleEventPublisher.Stop(ctx)
	return errors.Join(err, p.client.Close())
}

// startHeartbeat starts the reporter when enabled; the reporter is nil
// otherwise. The returned channel is closed once the reporter has removed its
// entries.
func startHeartbeat(ctx context.Context, cfg config.Config, loops []*relay.Relay, logger zerolog.Logger) (*heartbeat.Reporter, <-chan struct{}, error) {
	done := make(chan struct{})
	if cfg.Heartbeat.Interval <= 0 {
		close(done)
		return nil, done, nil
	}

	var registry heartbeat.Registry
	if cfg.Heartbeat.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
		defer cancel()
		r, err := heartbeat.NewRedisRegistry(pingCtx, &heartbeat.RedisConfig{
			Addr:     cfg.Heartbeat.RedisAddr,
			Password: cfg.Heartbeat.RedisPassword,
			DB:       cfg.Heartbeat.RedisDB,
			TTL:      cfg.Heartbeat.TTL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		registry = r
	} else {
		registry = heartbeat.NewInMemoryRegistry(cfg.Heartbeat.TTL)
	}

	snapshotters := make([]heartbeat.Snapshotter, len(loops))
	for i, l := range loops {
		snapshotters[i] = l
	}
	hbCfg := heartbeat.NewReporterDefaults(cfg.Broker.Topic, cfg.Broker.Subscription)
	hbCfg.Interval = cfg.Heartbeat.Interval
	reporter, err := heartbeat.NewReporter(hbCfg, registry, snapshotters, logger)
	if err != nil {
		_ = registry.Close()
		return nil, nil, err
	}

	go func() {
		defer close(done)
		defer func() { _ = registry.Close() }()
		reporter.Run(ctx)
	}()
	return reporter, done, nil
}
