package throttle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type poolKey struct {
	typ   string
	group string
}

// groupPool holds the process-local counters of one throttle group. One
// mutex covers every bin of the group, so multi-bin decisions are atomic.
type groupPool struct {
	key poolKey

	mu      sync.Mutex
	spec    Spec
	bins    map[string]*binState
	refs    int
	changed chan struct{}
}

// binState is this process's view of one bin.
type binState struct {
	name   string
	limits BinLimits

	active  int
	pooled  int
	waiting int
	streams int
	refs    int

	share     int
	processes int

	// fetches and bytes are token buckets retuned to the effective rates
	// on every rebalance.
	fetchInterval time.Duration
	fetches       *rate.Limiter

	msPerByte float64
	bytes     *rate.Limiter
	// byteSeq counts byte grants; byteCredit holds refunded bytes that the
	// next byte reservation on the bin does not have to pay for.
	byteSeq    uint64
	byteCredit int

	lastActive time.Time
}

func newGroupPool(key poolKey, spec Spec) *groupPool {
	return &groupPool{
		key:     key,
		spec:    spec,
		bins:    make(map[string]*binState),
		changed: make(chan struct{}),
	}
}

// broadcastLocked wakes every goroutine waiting on the pool.
func (p *groupPool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// binLocked returns the state for name, creating it as a lone process would
// see it until the next rebalance.
func (p *groupPool) binLocked(name string, now time.Time) (*binState, bool) {
	if b, ok := p.bins[name]; ok {
		return b, false
	}
	limits := p.spec.Limits(name)
	b := &binState{name: name}
	b.apply(limits, 1, limits.MaxOpenConnections, now)
	p.bins[name] = b
	return b, true
}

// apply installs limits and the allocation computed for n processes.
func (b *binState) apply(limits BinLimits, n, share int, now time.Time) {
	if n < 1 {
		n = 1
	}
	b.limits = limits
	b.processes = n
	b.share = share
	b.fetchInterval = millis(float64(limits.MinMillisecondsPerFetch) * float64(n))
	b.msPerByte = limits.MinMillisecondsPerByte * float64(n)

	fetchLimit, byteLimit := rate.Inf, rate.Inf
	if b.fetchInterval > 0 {
		fetchLimit = rate.Every(b.fetchInterval)
	}
	if b.msPerByte > 0 {
		byteLimit = rate.Limit(float64(time.Second/time.Millisecond) / b.msPerByte)
	}
	b.fetches = retune(b.fetches, fetchLimit, 1, now)
	byteBurst := 0
	if b.bytes != nil {
		byteBurst = b.bytes.Burst()
	}
	b.bytes = retune(b.bytes, byteLimit, byteBurst, now)
}

// retune moves lim to limit. An unlimited bucket is replaced by a full one,
// since it carries no token history worth keeping.
func retune(lim *rate.Limiter, limit rate.Limit, burst int, now time.Time) *rate.Limiter {
	switch {
	case lim == nil || lim.Limit() == rate.Inf:
		return rate.NewLimiter(limit, burst)
	case lim.Limit() != limit:
		lim.SetLimitAt(now, limit)
	}
	return lim
}

// maxPacing bounds fetch intervals and the cost of one byte request. Token
// bucket delays are computed in float64 and converted to a Duration without
// overflow checks, so they must stay well below math.MaxInt64.
const maxPacing = time.Duration(1 << 56)

// reserveBytes charges n bytes to the bin's byte bucket. The burst follows
// the request size, so an idle bin grants one request without waiting and
// every later request pays for its own bytes. A request costing maxPacing or
// more is never granted.
func (b *binState) reserveBytes(n int, now time.Time) *rate.Reservation {
	if millis(float64(n)*b.msPerByte) >= maxPacing {
		return rate.NewLimiter(0, 0).ReserveN(now, n)
	}
	if b.bytes.Limit() != rate.Inf {
		switch burst := b.bytes.Burst(); {
		case burst == 0:
			b.bytes = rate.NewLimiter(b.bytes.Limit(), n)
		case burst != n:
			b.bytes.SetBurstAt(now, n)
		}
	}
	return b.bytes.ReserveN(now, n)
}

// millis converts milliseconds to a Duration, saturating at maxPacing.
func millis(ms float64) time.Duration {
	d := ms * float64(time.Millisecond)
	if math.IsNaN(d) || d >= float64(maxPacing) {
		return maxPacing
	}
	return time.Duration(d)
}

func (b *binState) unlimited() bool {
	return b.share == Unbounded
}

// idle reports whether nothing in this process uses the bin.
func (b *binState) idle() bool {
	return b.active == 0 && b.pooled == 0 && b.waiting == 0 && b.streams == 0 && b.refs == 0
}

func (b *binState) busy() bool {
	return b.active > 0 || b.pooled > 0 || b.waiting > 0 || b.streams > 0
}

func (b *binState) mustNotGoNegative(what string) {
	if b.active < 0 || b.pooled < 0 || b.streams < 0 || b.waiting < 0 {
		panic(fmt.Sprintf("throttle: bin %q counters went negative after %s", b.name, what))
	}
}
