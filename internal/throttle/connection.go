package throttle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-governor/internal/metrics"
	"github.com/JakeFAU/crawl-governor/internal/wait"
)

// ConnectionThrottler gates the connections of one logical connector pool.
// Every POOL or CREATE decision must later be matched by exactly one
// NoteConnectionReturnedToPool or NoteConnectionDestroyed.
type ConnectionThrottler struct {
	reg  *Registry
	pool *groupPool
	bins []*binState

	// guarded by pool.mu
	active int
	pooled int
	closed bool
}

// Bins returns the bin names the throttler is bound to.
func (t *ConnectionThrottler) Bins() []string {
	out := make([]string, len(t.bins))
	for i, b := range t.bins {
		out[i] = b.name
	}
	return out
}

// Limits returns the strictest configured limits over the throttler's bins.
func (t *ConnectionThrottler) Limits() BinLimits {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.pool.spec.Stricter(t.Bins()...)
}

func (t *ConnectionThrottler) canReuseLocked() bool {
	if t.pooled == 0 {
		return false
	}
	for _, b := range t.bins {
		if !b.unlimited() && b.active >= b.share {
			return false
		}
	}
	return true
}

func (t *ConnectionThrottler) canCreateLocked() bool {
	for _, b := range t.bins {
		if !b.unlimited() && b.active+b.pooled >= b.share {
			return false
		}
	}
	return true
}

// overShareLocked reports whether any bin holds more connections than its share.
func (t *ConnectionThrottler) overShareLocked() bool {
	for _, b := range t.bins {
		if !b.unlimited() && b.active+b.pooled > b.share {
			return true
		}
	}
	return false
}

func (t *ConnectionThrottler) markActiveLocked(now time.Time) {
	for _, b := range t.bins {
		b.lastActive = now
	}
}

// WaitConnectionAvailable decides whether the caller may reuse a pooled
// connection (DecisionPool) or open a new one (DecisionCreate), blocking
// until one of them is possible. It returns DecisionNowhere when the
// registry or cluster shuts down and DecisionAborted when ctx ends.
func (t *ConnectionThrottler) WaitConnectionAvailable(ctx context.Context) (Decision, error) {
	start := time.Now()
	decision, err := t.waitConnection(ctx)
	if err == nil {
		metrics.ObserveConnectionDecision(t.pool.key.typ, decision.String())
		metrics.ObserveWait("connection", decision.String(), time.Since(start))
	}
	return decision, err
}

func (t *ConnectionThrottler) waitConnection(ctx context.Context) (Decision, error) {
	p := t.pool
	waiting := false
	defer func() {
		if !waiting {
			return
		}
		p.mu.Lock()
		for _, b := range t.bins {
			b.waiting--
			b.mustNotGoNegative("leaving wait")
		}
		p.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return DecisionAborted, nil
		}
		down, err := t.reg.shuttingDown(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return DecisionAborted, nil
			}
			return DecisionNowhere, err
		}
		if down {
			return DecisionNowhere, nil
		}

		p.mu.Lock()
		now := t.reg.clock.Now()
		switch {
		case t.canReuseLocked():
			t.pooled--
			t.active++
			for _, b := range t.bins {
				b.pooled--
				b.active++
			}
			t.markActiveLocked(now)
			p.mu.Unlock()
			return DecisionPool, nil
		case t.canCreateLocked():
			t.active++
			for _, b := range t.bins {
				b.active++
			}
			t.markActiveLocked(now)
			p.mu.Unlock()
			return DecisionCreate, nil
		}
		if !waiting {
			waiting = true
			for _, b := range t.bins {
				b.waiting++
			}
		}
		changed := p.changed
		p.mu.Unlock()

		t.reg.waitLog.Do(func() {
			t.reg.logger.Info("waiting for connection capacity",
				zap.String("type", p.key.typ),
				zap.String("group", p.key.group),
				zap.Strings("bins", t.Bins()),
			)
		})
		outcome, ok := wait.Pause(ctx, t.reg.opts.FlagCheckInterval, t.reg.shutdownCh, changed)
		if !ok {
			if outcome == wait.ShuttingDown {
				return DecisionNowhere, nil
			}
			return DecisionAborted, nil
		}
	}
}

// GetNewConnectionFetchThrottler returns the fetch gate for a connection
// opened after DecisionCreate.
func (t *ConnectionThrottler) GetNewConnectionFetchThrottler() *FetchThrottler {
	return &FetchThrottler{conn: t}
}

// NoteReturnedConnection reports whether a connection the caller is done
// with must be destroyed instead of pooled.
func (t *ConnectionThrottler) NoteReturnedConnection() bool {
	if t.reg.destroyed() {
		return true
	}
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.overShareLocked()
}

// NoteConnectionReturnedToPool records that an active connection went idle.
func (t *ConnectionThrottler) NoteConnectionReturnedToPool() {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.active == 0 {
		panic(fmt.Sprintf("throttle: connection returned to pool %s/%s without an outstanding grant", p.key.typ, p.key.group))
	}
	t.active--
	t.pooled++
	for _, b := range t.bins {
		b.active--
		b.pooled++
		b.mustNotGoNegative("return to pool")
	}
	p.broadcastLocked()
}

// NoteConnectionDestroyed records that an active or reserved connection was closed.
func (t *ConnectionThrottler) NoteConnectionDestroyed() {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.active == 0 {
		panic(fmt.Sprintf("throttle: connection destroyed in %s/%s without an outstanding grant", p.key.typ, p.key.group))
	}
	t.active--
	for _, b := range t.bins {
		b.active--
		b.mustNotGoNegative("destroy")
	}
	p.broadcastLocked()
}

// reserveLocked moves one pooled connection into the being-destroyed state,
// which is counted as active until NoteConnectionDestroyed.
func (t *ConnectionThrottler) reserveLocked() {
	t.pooled--
	t.active++
	for _, b := range t.bins {
		b.pooled--
		b.active++
	}
}

// CheckDestroyPooledConnection reports whether one pooled connection should
// be destroyed to shrink the pool toward its share or to let waiting
// throttlers in. True commits the caller to destroying one idle connection
// and calling NoteConnectionDestroyed.
func (t *ConnectionThrottler) CheckDestroyPooledConnection() bool {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.pooled == 0 {
		return false
	}
	shrink := t.reg.destroyed() || t.overShareLocked()
	if !shrink {
		for _, b := range t.bins {
			if !b.unlimited() && b.waiting > 0 && b.active+b.pooled >= b.share {
				shrink = true
				break
			}
		}
	}
	if !shrink {
		return false
	}
	t.reserveLocked()
	return true
}

// CheckExpireConnection must return true before the caller removes an idle
// connection from its pool. True commits the caller to destroying it and
// calling NoteConnectionDestroyed.
func (t *ConnectionThrottler) CheckExpireConnection() bool {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.pooled == 0 {
		return false
	}
	t.reserveLocked()
	return true
}

// Close releases the throttler's reference on its group. Connections still
// counted against it stay counted.
func (t *ConnectionThrottler) Close() {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, b := range t.bins {
		b.refs--
	}
	p.refs--
	if t.active > 0 || t.pooled > 0 {
		t.reg.logger.Warn("connection throttler closed with outstanding connections",
			zap.String("type", p.key.typ),
			zap.String("group", p.key.group),
			zap.Int("active", t.active),
			zap.Int("pooled", t.pooled),
		)
	}
}
