package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-governor/internal/metrics"
	"github.com/JakeFAU/crawl-governor/internal/wait"
)

// FetchThrottler gates the start of document fetches on one connection.
type FetchThrottler struct {
	conn *ConnectionThrottler
}

// ObtainFetchDocumentPermission blocks until every bin's minimum interval
// since the previous fetch start has elapsed.
func (f *FetchThrottler) ObtainFetchDocumentPermission(ctx context.Context) (wait.Outcome, error) {
	start := time.Now()
	outcome, err := f.conn.gate(ctx, func(b *binState, now time.Time) *rate.Reservation {
		if b.fetchInterval <= 0 {
			return nil
		}
		return b.fetches.ReserveN(now, 1)
	})
	if err == nil {
		metrics.ObserveWait("fetch", outcome.String(), time.Since(start))
	}
	return outcome, err
}

// CreateFetchStream returns the byte gate for one fetch. The stream must be
// closed exactly once when the fetch ends.
func (f *FetchThrottler) CreateFetchStream() *StreamThrottler {
	p := f.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range f.conn.bins {
		b.streams++
	}
	return &StreamThrottler{conn: f.conn}
}

// gate reserves with take on every bin under the pool mutex, then waits for
// the slowest reservation. If the wait ends early the reservations are
// cancelled so their tokens go back to the buckets.
func (t *ConnectionThrottler) gate(
	ctx context.Context,
	take func(b *binState, now time.Time) *rate.Reservation,
) (wait.Outcome, error) {
	if outcome, stop, err := t.checkWaitable(ctx); stop {
		return outcome, err
	}

	p := t.pool
	p.mu.Lock()
	now := t.reg.clock.Now()
	var (
		held  []*rate.Reservation
		delay time.Duration
	)
	for _, b := range t.bins {
		b.lastActive = now
		r := take(b, now)
		if r == nil {
			continue
		}
		held = append(held, r)
		if d := r.DelayFrom(now); d > delay {
			delay = d
		}
	}
	p.mu.Unlock()

	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wait.Granted, nil
		}
		if remaining > t.reg.opts.FlagCheckInterval {
			remaining = t.reg.opts.FlagCheckInterval
		}
		outcome, ok := wait.Pause(ctx, remaining, t.reg.shutdownCh, nil)
		var err error
		if ok {
			var stop bool
			if outcome, stop, err = t.checkWaitable(ctx); !stop {
				continue
			}
		}
		cancelAt := t.reg.clock.Now()
		for _, r := range held {
			r.CancelAt(cancelAt)
		}
		return outcome, err
	}
}

// checkWaitable reports whether a wait must stop before being granted, and
// with what outcome. A flag read that failed because ctx ended is an abort.
func (t *ConnectionThrottler) checkWaitable(ctx context.Context) (wait.Outcome, bool, error) {
	if ctx.Err() != nil {
		return wait.Aborted, true, nil
	}
	down, err := t.reg.shuttingDown(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return wait.Aborted, true, nil
		}
		return wait.ShuttingDown, true, err
	}
	if down {
		return wait.ShuttingDown, true, nil
	}
	return wait.Granted, false, nil
}

type byteGrant struct {
	bin    *binState
	seq    uint64
	credit int
}

// StreamThrottler gates byte consumption of one fetch.
type StreamThrottler struct {
	conn *ConnectionThrottler

	// guarded by conn.pool.mu
	grants []byteGrant
	closed bool
}

// ObtainReadPermission blocks until byteCount more bytes may be read at the
// effective byte rate of every bin. Credit refunded by earlier reads on a
// bin is spent first.
func (s *StreamThrottler) ObtainReadPermission(ctx context.Context, byteCount int) (wait.Outcome, error) {
	start := time.Now()
	var grants []byteGrant
	outcome, err := s.conn.gate(ctx, func(b *binState, now time.Time) *rate.Reservation {
		if b.msPerByte <= 0 || byteCount <= 0 {
			return nil
		}
		credit := min(b.byteCredit, byteCount)
		b.byteCredit -= credit
		b.byteSeq++
		grants = append(grants, byteGrant{bin: b, seq: b.byteSeq, credit: credit})
		if credit == byteCount {
			return nil
		}
		return b.reserveBytes(byteCount-credit, now)
	})

	p := s.conn.pool
	p.mu.Lock()
	if err == nil && outcome == wait.Granted {
		s.grants = grants
	} else {
		for _, g := range grants {
			g.bin.byteCredit += g.credit
		}
	}
	p.mu.Unlock()

	if err == nil {
		metrics.ObserveWait("bytes", outcome.String(), time.Since(start))
	}
	return outcome, err
}

// ReleaseReadPermission returns the credit of bytes that were granted but
// not read. Credit is only returned to bins that issued no later grant.
func (s *StreamThrottler) ReleaseReadPermission(requested, actual int) {
	unused := requested - actual
	p := s.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	grants := s.grants
	s.grants = nil
	if unused <= 0 {
		return
	}
	for _, g := range grants {
		if g.bin.byteSeq == g.seq {
			g.bin.byteCredit += unused
		}
	}
}

// CloseStream ends the fetch. Extra calls are ignored.
func (s *StreamThrottler) CloseStream() {
	p := s.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.grants = nil
	for _, b := range s.conn.bins {
		b.streams--
		b.mustNotGoNegative("close stream")
	}
	p.broadcastLocked()
}
