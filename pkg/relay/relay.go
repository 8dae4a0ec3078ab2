// Package relay moves messages from a broker subscription to an HTTP sink
// with at-least-once semantics: a message is acknowledged only after the sink
// accepted it and abandoned otherwise.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-relay/pkg/broker"
	"github.com/illmade-knight/go-relay/pkg/forwarder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Forwarder delivers one payload and classifies the outcome.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte) forwarder.Result
}

// Config holds the settings of a single relay loop.
type Config struct {
	Topic        string
	Subscription string
	WorkerID     int

	// MaxBatch bounds the number of messages requested per pull.
	MaxBatch int
	// PullMaxWait bounds a single pull; zero waits indefinitely.
	PullMaxWait time.Duration
	// PullRetryBase and PullRetryMax bound the delay after a transient pull failure.
	PullRetryBase time.Duration
	PullRetryMax  time.Duration
	// SettleTimeout bounds each Ack or Abandon call.
	SettleTimeout time.Duration
	// DeadLetterWarnAttempts raises an event for messages delivered at least
	// this many times. Zero disables the check.
	DeadLetterWarnAttempts int
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults(topic, subscription string) *Config {
	return &Config{
		Topic:         topic,
		Subscription:  subscription,
		MaxBatch:      10,
		PullRetryBase: time.Second,
		PullRetryMax:  30 * time.Second,
		SettleTimeout: 10 * time.Second,
	}
}

// ConnectError is returned by Run when the receiver could not be established.
type ConnectError struct {
	Subscription string
	Err          error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to subscription %s: %v", e.Subscription, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Stats is a point-in-time view of a loop.
type Stats struct {
	WorkerID  int
	State     State
	Pulled    uint64
	Acked     uint64
	Abandoned uint64
	LastPull  time.Time
}

// Option customises a Relay.
type Option func(*Relay)

// WithMetrics records loop activity on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithEventPublisher sends high delivery attempt events to p.
func WithEventPublisher(p broker.EventPublisher) Option {
	return func(r *Relay) { r.events = p }
}

// Relay is one sequential pull-forward-settle loop over its own receiver.
type Relay struct {
	cfg       Config
	connect   broker.Connector
	forwarder Forwarder
	metrics   *Metrics
	events    broker.EventPublisher
	logger    zerolog.Logger

	state     atomic.Int32
	pulled    atomic.Uint64
	acked     atomic.Uint64
	abandoned atomic.Uint64
	lastPull  atomic.Int64
}

// New creates a Relay. It does not connect until Run is called.
func New(cfg *Config, connect broker.Connector, fwd Forwarder, logger zerolog.Logger, opts ...Option) (*Relay, error) {
	if connect == nil {
		return nil, errors.New("connector cannot be nil")
	}
	if fwd == nil {
		return nil, errors.New("forwarder cannot be nil")
	}
	c := *cfg
	if c.MaxBatch <= 0 {
		c.MaxBatch = 10
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 10 * time.Second
	}

	r := &Relay{
		cfg:       c,
		connect:   connect,
		forwarder: fwd,
		events:    broker.NopEventPublisher{},
		logger: logger.With().
			Str("component", "Relay").
			Str("topic", c.Topic).
			Str("subscription", c.Subscription).
			Int("worker_id", c.WorkerID).
			Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return r, nil
}

// State returns the current lifecycle phase.
func (r *Relay) State() State { return State(r.state.Load()) }

func (r *Relay) setState(s State) {
	if prev := State(r.state.Swap(int32(s))); prev != s {
		r.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State change.")
	}
}

// Snapshot returns the loop's counters and state.
func (r *Relay) Snapshot() Stats {
	s := Stats{
		WorkerID:  r.cfg.WorkerID,
		State:     r.State(),
		Pulled:    r.pulled.Load(),
		Acked:     r.acked.Load(),
		Abandoned: r.abandoned.Load(),
	}
	if ns := r.lastPull.Load(); ns != 0 {
		s.LastPull = time.Unix(0, ns)
	}
	return s
}

// Run connects and relays messages until ctx is done. It returns nil after a
// graceful drain, a *ConnectError if the receiver could not be established,
// and the classified pull error if the broker reports a fatal condition.
func (r *Relay) Run(ctx context.Context) error {
	r.setState(Connecting)
	r.logger.Info().Msg("Connecting to subscription...")
	receiver, err := r.connect(ctx)
	if err != nil {
		r.setState(Stopped)
		if ctx.Err() != nil {
			r.logger.Info().Msg("Shutdown requested while connecting.")
			return nil
		}
		r.logger.Error().Err(err).Str("failure_class", broker.Fatal.String()).Msg("Failed to connect to subscription.")
		return &ConnectError{Subscription: r.cfg.Subscription, Err: err}
	}
	defer func() {
		if closeErr := receiver.Close(); closeErr != nil {
			r.logger.Warn().Err(closeErr).Msg("Error closing receiver.")
		}
		r.setState(Stopped)
		r.logger.Info().Msg("Relay stopped.")
	}()

	r.logger.Info().Int("max_batch", r.cfg.MaxBatch).Dur("pull_max_wait", r.cfg.PullMaxWait).Msg("Relay started.")
	retry := newBackoff(r.cfg.PullRetryBase, r.cfg.PullRetryMax)

	for {
		if ctx.Err() != nil {
			r.setState(Draining)
			r.logger.Info().Msg("Shutdown requested, no further pulls.")
			return nil
		}

		r.setState(Pulling)
		batch, err := receiver.Pull(ctx, r.cfg.MaxBatch, r.cfg.PullMaxWait)
		if err != nil {
			kind := broker.Classify(err)
			if kind == broker.Canceled && ctx.Err() != nil {
				continue
			}
			if kind == broker.Fatal {
				r.metrics.PullErrors.WithLabelValues(kind.String()).Inc()
				r.logger.Error().Err(err).Str("failure_class", kind.String()).Msg("Fatal pull error, stopping relay.")
				r.setState(Draining)
				return fmt.Errorf("pull from subscription %s: %w", r.cfg.Subscription, err)
			}

			r.metrics.PullErrors.WithLabelValues(broker.Transient.String()).Inc()
			delay := retry.Next()
			r.logger.Warn().Err(err).Str("failure_class", broker.Transient.String()).Dur("retry_in", delay).Msg("Pull failed, retrying.")
			sleep(ctx, delay)
			continue
		}
		retry.Reset()
		r.lastPull.Store(time.Now().UnixNano())

		if len(batch) == 0 {
			r.metrics.EmptyPulls.Inc()
			r.logger.Debug().Msg("Pull returned no messages, nothing to do.")
			continue
		}

		r.pulled.Add(uint64(len(batch)))
		r.metrics.Pulled.Add(float64(len(batch)))
		r.logger.Debug().Int("batch_size", len(batch)).Msg("Received batch.")
		r.processBatch(ctx, receiver, batch)
	}
}

// processBatch handles messages strictly in broker order. When ctx is done the
// message in flight is finished and the rest of the batch is abandoned.
func (r *Relay) processBatch(ctx context.Context, receiver broker.Receiver, batch []broker.Message) {
	r.setState(Processing)
	for i, msg := range batch {
		if ctx.Err() != nil {
			r.setState(Draining)
			remaining := batch[i:]
			r.logger.Info().Int("unprocessed", len(remaining)).Msg("Shutdown requested, abandoning unprocessed messages.")
			for _, m := range remaining {
				log := r.messageLogger(m)
				r.settle(context.WithoutCancel(ctx), receiver, m, false, "shutdown", log)
			}
			return
		}
		r.processMessage(ctx, receiver, msg)
	}
}

// processMessage forwards one message and settles it exactly once. The work
// runs on a context that ignores shutdown so a delivered message is never
// abandoned because of it.
func (r *Relay) processMessage(ctx context.Context, receiver broker.Receiver, msg broker.Message) {
	workCtx := context.WithoutCancel(ctx)
	log := r.messageLogger(msg)

	settled := false
	defer func() {
		if p := recover(); p != nil {
			r.metrics.Faults.Inc()
			log.Error().Interface("panic", p).Msg("Unexpected fault while handling message, abandoning.")
			if !settled {
				r.settle(workCtx, receiver, msg, false, "fault", log)
			}
		}
	}()

	r.checkDeliveryAttempt(workCtx, msg, log)

	payload, err := msg.Data()
	if err != nil {
		log.Error().Err(err).Msg("Failed to extract message payload, abandoning.")
		settled = true
		r.settle(workCtx, receiver, msg, false, "extract_failed", log)
		return
	}

	r.extendLease(workCtx, receiver, msg, log)

	res := r.forwarder.Forward(workCtx, payload)
	r.metrics.ForwardDuration.WithLabelValues(res.Outcome.String()).Observe(res.Duration.Seconds())

	if res.Delivered() {
		log.Debug().Int("status_code", res.StatusCode).Int("payload_bytes", len(payload)).Dur("duration", res.Duration).Msg("Message forwarded, acknowledging.")
		settled = true
		r.settle(workCtx, receiver, msg, true, "", log)
		return
	}

	log.Warn().
		Err(res.Err).
		Int("status_code", res.StatusCode).
		Str("reason", res.Reason).
		Int("payload_bytes", len(payload)).
		Dur("duration", res.Duration).
		Msg("Forward failed, abandoning.")
	settled = true
	r.settle(workCtx, receiver, msg, false, "forward_failed", log)
}

// extendLease renews msg's lock when the receiver supports it. A failed
// renewal is logged and the message is still forwarded.
func (r *Relay) extendLease(ctx context.Context, receiver broker.Receiver, msg broker.Message, log zerolog.Logger) {
	extender, ok := receiver.(broker.LeaseExtender)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SettleTimeout)
	defer cancel()
	if err := extender.Extend(ctx, msg); err != nil {
		r.metrics.SettleErrors.WithLabelValues("extend").Inc()
		log.Warn().Err(err).Msg("Failed to extend message lease, forwarding anyway.")
	}
}

// settle issues the single terminal call for msg. A panic inside the broker
// client is reported as a settle error; the opposite call is never attempted.
func (r *Relay) settle(ctx context.Context, receiver broker.Receiver, msg broker.Message, ack bool, reason string, log zerolog.Logger) {
	op := "abandon"
	if ack {
		op = "ack"
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SettleTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic during %s: %v", op, p)
			}
		}()
		if ack {
			return receiver.Ack(ctx, msg)
		}
		return receiver.Abandon(ctx, msg)
	}()

	if ack {
		r.acked.Add(1)
		r.metrics.Acked.Inc()
	} else {
		r.abandoned.Add(1)
		r.metrics.Abandoned.WithLabelValues(reason).Inc()
	}
	if err != nil {
		r.metrics.SettleErrors.WithLabelValues(op).Inc()
		log.Error().Err(err).Str("op", op).Str("failure_class", broker.Classify(err).String()).Msg("Broker rejected settle call; the message will be redelivered after its lock expires.")
	}
}

func (r *Relay) messageLogger(msg broker.Message) zerolog.Logger {
	return r.logger.With().Str("msg_id", msg.ID).Int("delivery_attempt", msg.DeliveryAttempt).Logger()
}

// highDeliveryEvent is published when a message keeps coming back. It never
// carries the payload.
type highDeliveryEvent struct {
	Event           string    `json:"event"`
	Topic           string    `json:"topic"`
	Subscription    string    `json:"subscription"`
	MessageID       string    `json:"messageId"`
	DeliveryAttempt int       `json:"deliveryAttempt"`
	PublishTime     time.Time `json:"publishTime,omitempty"`
	ObservedAt      time.Time `json:"observedAt"`
}

// checkDeliveryAttempt surfaces messages that are likely to be dead-lettered
// by the broker. Redelivery limits stay with the broker.
func (r *Relay) checkDeliveryAttempt(ctx context.Context, msg broker.Message, log zerolog.Logger) {
	threshold := r.cfg.DeadLetterWarnAttempts
	if threshold <= 0 || msg.DeliveryAttempt < threshold {
		return
	}
	r.metrics.HighDeliveryAttempts.Inc()
	log.Warn().Int("threshold", threshold).Msg("Message has been delivered repeatedly and may be dead-lettered by the broker.")

	event, err := json.Marshal(highDeliveryEvent{
		Event:           "high_delivery_attempt",
		Topic:           r.cfg.Topic,
		Subscription:    r.cfg.Subscription,
		MessageID:       msg.ID,
		DeliveryAttempt: msg.DeliveryAttempt,
		PublishTime:     msg.PublishTime,
		ObservedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal delivery attempt event.")
		return
	}
	attrs := map[string]string{
		"event":            "high_delivery_attempt",
		"subscription":     r.cfg.Subscription,
		"msg_id":           msg.ID,
		"delivery_attempt": strconv.Itoa(msg.DeliveryAttempt),
	}
	if err := r.events.Publish(ctx, event, attrs); err != nil {
		log.Error().Err(err).Msg("Failed to publish delivery attempt event.")
	}
}
