// Package heartbeat publishes the live status of relay loops to a shared
// registry so operators can see which instances are serving which
// subscription. Entries expire on their own; the registry is never a source
// of truth for message state.
package heartbeat

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Fetch when no live entry exists for an id.
var ErrNotFound = errors.New("instance not found in registry")

// Status is the beat of a single relay loop.
type Status struct {
	InstanceID   string    `json:"instanceId"`
	WorkerID     int       `json:"workerId"`
	Topic        string    `json:"topic"`
	Subscription string    `json:"subscription"`
	State        string    `json:"state"`
	Pulled       uint64    `json:"pulled"`
	Acked        uint64    `json:"acked"`
	Abandoned    uint64    `json:"abandoned"`
	LastPull     time.Time `json:"lastPull"`
	ReportedAt   time.Time `json:"reportedAt"`
}

// Registry stores instance statuses keyed by instance id.
type Registry interface {
	Set(ctx context.Context, status Status) error
	// Fetch returns ErrNotFound when the id has no live entry.
	Fetch(ctx context.Context, instanceID string) (Status, error)
	Delete(ctx context.Context, instanceID string) error
	io.Closer
}
