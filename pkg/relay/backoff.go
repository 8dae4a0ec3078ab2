package relay

import (
	"context"
	"math/rand"
	"time"
)

// backoff produces exponentially growing delays between failed pulls. It is
// reset after every successful pull so one blip does not slow later recovery.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter bool
	next   time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max, jitter: true, next: base}
}

// Next returns the delay to wait now and doubles the following one.
func (b *backoff) Next() time.Duration {
	d := b.next
	if b.jitter {
		j := 0.8 + rand.Float64()*0.4
		d = time.Duration(float64(d) * j)
	}
	if d > b.max {
		d = b.max
	}

	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func (b *backoff) Reset() { b.next = b.base }

// sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}
