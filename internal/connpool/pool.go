// Package connpool is a connector-side connection pool that asks a
// throttle.ConnectionThrottler before reusing, opening, expiring or
// shrinking connections.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-governor/internal/clock"
	"github.com/JakeFAU/crawl-governor/internal/throttle"
	"github.com/JakeFAU/crawl-governor/internal/wait"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("connection pool closed")

// Factory opens and closes the connections a Pool manages.
type Factory[C any] interface {
	Open(ctx context.Context) (C, error)
	Close(conn C) error
}

// Throttler is the part of throttle.ConnectionThrottler a Pool uses.
type Throttler interface {
	WaitConnectionAvailable(ctx context.Context) (throttle.Decision, error)
	NoteReturnedConnection() bool
	NoteConnectionReturnedToPool()
	NoteConnectionDestroyed()
	CheckDestroyPooledConnection() bool
	CheckExpireConnection() bool
	Close()
}

// Options tunes a Pool.
type Options struct {
	// MaxIdle is how long a pooled connection may sit unused before Reap
	// expires it. Zero keeps idle connections until the throttler asks for
	// them back.
	MaxIdle time.Duration
	Clock   clock.Clock
	Logger  *zap.Logger
}

type idleConn[C any] struct {
	conn  C
	since time.Time
}

// Lease is one connection handed out by Acquire. It must be given back
// through Pool.Release exactly once.
type Lease[C any] struct {
	Conn C

	// Reused is true when the connection came from the idle pool.
	Reused bool

	mu       sync.Mutex
	released bool
}

// Pool keeps idle connections of one connector and enforces the throttler's
// bookkeeping contract around them.
type Pool[C any] struct {
	throttler Throttler
	factory   Factory[C]
	opts      Options
	clock     clock.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	idle   []idleConn[C] // oldest first
	closed bool
}

// New creates a pool that gates connections through throttler.
func New[C any](throttler Throttler, factory Factory[C], opts Options) (*Pool[C], error) {
	if throttler == nil {
		return nil, fmt.Errorf("connection throttler is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[C]{
		throttler: throttler,
		factory:   factory,
		opts:      opts,
		clock:     clk,
		logger:    logger.Named("connpool"),
	}, nil
}

// Acquire waits for the throttler and returns a pooled or freshly opened
// connection. A nil lease comes with the outcome explaining why none was
// granted.
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], wait.Outcome, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, wait.ShuttingDown, ErrClosed
	}

	decision, err := p.throttler.WaitConnectionAvailable(ctx)
	if err != nil {
		return nil, wait.Aborted, err
	}
	switch decision {
	case throttle.DecisionNowhere:
		return nil, wait.ShuttingDown, nil
	case throttle.DecisionAborted:
		return nil, wait.Aborted, nil
	case throttle.DecisionPool:
		if conn, ok := p.popNewest(); ok {
			return &Lease[C]{Conn: conn, Reused: true}, wait.Granted, nil
		}
		// The idle list can only be short if a connection was dropped
		// outside the pool; open a replacement against the same grant.
		p.logger.Warn("pool decision without an idle connection, opening a new one")
	}

	conn, err := p.factory.Open(ctx)
	if err != nil {
		p.throttler.NoteConnectionDestroyed()
		return nil, wait.Aborted, fmt.Errorf("open connection: %w", err)
	}
	return &Lease[C]{Conn: conn}, wait.Granted, nil
}

// Release hands a lease back. A reusable connection is pooled unless the
// throttler wants it destroyed; a broken one is always closed.
func (p *Pool[C]) Release(lease *Lease[C], reusable bool) error {
	lease.mu.Lock()
	if lease.released {
		lease.mu.Unlock()
		return fmt.Errorf("lease released twice")
	}
	lease.released = true
	lease.mu.Unlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if !reusable || closed || p.throttler.NoteReturnedConnection() {
		return p.destroy(lease.Conn)
	}

	// The idle entry is in place before the throttler counts it as pooled,
	// so every later pool decision finds a connection to take.
	p.mu.Lock()
	p.idle = append(p.idle, idleConn[C]{conn: lease.Conn, since: p.clock.Now()})
	p.mu.Unlock()
	p.throttler.NoteConnectionReturnedToPool()
	return nil
}

func (p *Pool[C]) destroy(conn C) error {
	err := p.factory.Close(conn)
	p.throttler.NoteConnectionDestroyed()
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func (p *Pool[C]) popNewest() (C, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero C
	if len(p.idle) == 0 {
		return zero, false
	}
	last := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return last.conn, true
}

func (p *Pool[C]) popOldest() (C, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero C
	if len(p.idle) == 0 {
		return zero, false
	}
	first := p.idle[0]
	p.idle = p.idle[1:]
	return first.conn, true
}

func (p *Pool[C]) expired(now time.Time) bool {
	if p.opts.MaxIdle <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) > 0 && now.Sub(p.idle[0].since) >= p.opts.MaxIdle
}

// Idle returns the number of pooled connections.
func (p *Pool[C]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Reap closes idle connections that outlived MaxIdle and any the throttler
// wants back. It returns how many connections were closed.
func (p *Pool[C]) Reap(now time.Time) (int, error) {
	var errs []error
	closed := 0
	for p.expired(now) && p.throttler.CheckExpireConnection() {
		errs = append(errs, p.closeOldest())
		closed++
	}
	for p.throttler.CheckDestroyPooledConnection() {
		errs = append(errs, p.closeOldest())
		closed++
	}
	if closed > 0 {
		p.logger.Debug("reaped idle connections", zap.Int("closed", closed))
	}
	return closed, errors.Join(errs...)
}

func (p *Pool[C]) closeOldest() error {
	conn, ok := p.popOldest()
	if !ok {
		p.throttler.NoteConnectionDestroyed()
		return nil
	}
	return p.destroy(conn)
}

// Close destroys every idle connection and releases the throttler.
// Outstanding leases may still be released afterwards; they are closed.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for p.throttler.CheckExpireConnection() {
		errs = append(errs, p.closeOldest())
	}
	p.throttler.Close()
	return errors.Join(errs...)
}
