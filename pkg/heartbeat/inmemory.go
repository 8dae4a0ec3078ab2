package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryRegistry is a process-local Registry for single-instance
// deployments and tests. Entries older than the TTL are treated as gone.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

type entry struct {
	status  Status
	expires time.Time
}

// NewInMemoryRegistry creates a registry; a ttl of zero keeps entries until deleted.
func NewInMemoryRegistry(ttl time.Duration) *InMemoryRegistry {
	return &InMemoryRegistry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (r *InMemoryRegistry) Set(_ context.Context, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := entry{status: status}
	if r.ttl > 0 {
		e.expires = r.now().Add(r.ttl)
	}
	r.entries[status.InstanceID] = e
	return nil
}

func (r *InMemoryRegistry) Fetch(_ context.Context, instanceID string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[instanceID]
	if !ok || (!e.expires.IsZero() && r.now().After(e.expires)) {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return e.status, nil
}

func (r *InMemoryRegistry) Delete(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, instanceID)
	return nil
}

// Close is a no-op.
func (r *InMemoryRegistry) Close() error {
	return nil
}
