// Package wait defines the tagged outcomes returned by every blocking
// governance call and the cancellable pause used while waiting.
package wait

import (
	"context"
	"time"
)

// Outcome reports how a blocking or no-wait acquisition ended. Expected
// conditions are outcomes; errors are reserved for infrastructure faults.
type Outcome int

const (
	// Granted means the caller now holds the permission it asked for.
	Granted Outcome = iota
	// WouldBlock is returned by no-wait variants that could not be satisfied immediately.
	WouldBlock
	// ShuttingDown means the owning service is draining and no permission will be issued.
	ShuttingDown
	// Aborted means the caller's context ended while waiting.
	Aborted
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case WouldBlock:
		return "would_block"
	case ShuttingDown:
		return "shutting_down"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Pause blocks for at most d. It returns ok=true when the caller should
// re-check its condition (timer fired or wake was signalled) and ok=false
// with the terminal outcome when ctx ended or shutdown was closed.
// A nil wake or shutdown channel is never selected.
func Pause(ctx context.Context, d time.Duration, shutdown, wake <-chan struct{}) (Outcome, bool) {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Aborted, false
	case <-shutdown:
		return ShuttingDown, false
	case <-wake:
		return Granted, true
	case <-timer.C:
		return Granted, true
	}
}

// Backoff yields capped exponential delays for retry loops.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	current time.Duration
}

// Next returns the next delay and doubles the internal step up to Max.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Min
		if b.current <= 0 {
			b.current = time.Millisecond
		}
		return b.current
	}
	b.current *= 2
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}
