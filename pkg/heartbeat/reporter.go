package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-relay/pkg/relay"
	"github.com/rs/zerolog"
)

// Snapshotter is implemented by *relay.Relay.
type Snapshotter interface {
	Snapshot() relay.Stats
}

// ReporterConfig controls how often statuses are written.
type ReporterConfig struct {
	// InstanceID identifies this process; a random id is used when empty.
	InstanceID   string
	Interval     time.Duration
	Topic        string
	Subscription string
}

// NewReporterDefaults provides a config beating every 15 seconds.
func NewReporterDefaults(topic, subscription string) *ReporterConfig {
	return &ReporterConfig{
		InstanceID:   uuid.NewString(),
		Interval:     15 * time.Second,
		Topic:        topic,
		Subscription: subscription,
	}
}

// Reporter periodically writes each loop's snapshot to a Registry.
type Reporter struct {
	cfg      ReporterConfig
	registry Registry
	loops    []Snapshotter
	logger   zerolog.Logger
}

// NewReporter creates a Reporter for loops.
func NewReporter(cfg *ReporterConfig, registry Registry, loops []Snapshotter, logger zerolog.Logger) (*Reporter, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", cfg.Interval)
	}
	c := *cfg
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return &Reporter{
		cfg:      c,
		registry: registry,
		loops:    loops,
		logger:   logger.With().Str("component", "HeartbeatReporter").Str("instance_id", c.InstanceID).Logger(),
	}, nil
}

// EntryID is the registry key of one loop.
func (r *Reporter) EntryID(workerID int) string {
	return fmt.Sprintf("%s-%d", r.cfg.InstanceID, workerID)
}

// Run beats immediately and then every interval until ctx is done, then
// removes this instance's entries.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			r.remove(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Reporter) beat(ctx context.Context) {
	now := time.Now().UTC()
	for _, l := range r.loops {
		s := l.Snapshot()
		status := Status{
			InstanceID:   r.EntryID(s.WorkerID),
			WorkerID:     s.WorkerID,
			Topic:        r.cfg.Topic,
			Subscription: r.cfg.Subscription,
			State:        s.State.String(),
			Pulled:       s.Pulled,
			Acked:        s.Acked,
			Abandoned:    s.Abandoned,
			LastPull:     s.LastPull.UTC(),
			ReportedAt:   now,
		}
		if err := r.registry.Set(ctx, status); err != nil {
			// Registry outages never affect relaying.
			r.logger.Warn().Err(err).Int("worker_id", s.WorkerID).Msg("Failed to write heartbeat.")
		}
	}
}

func (r *Reporter) remove(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, l := range r.loops {
		id := r.EntryID(l.Snapshot().WorkerID)
		if err := r.registry.Delete(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("entry_id", id).Msg("Failed to remove heartbeat entry.")
		}
	}
	r.logger.Info().Msg("Heartbeat entries removed.")
}
