// Package throttle governs how hard connectors may hit remote resources.
// A Registry owns the throttle groups of one process; ConnectionThrottler,
// FetchThrottler and StreamThrottler gate connections, fetch starts and
// byte reads against per-bin limits that are split across every process
// sharing the coordination store.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-governor/internal/clock"
	"github.com/JakeFAU/crawl-governor/internal/coord"
	"github.com/JakeFAU/crawl-governor/internal/id/uuid"
	"github.com/JakeFAU/crawl-governor/internal/wait"
)

const (
	specPrefix   = "throttle/spec/"
	demandPrefix = "throttle/demand/"

	// ShutdownFlag is the global flag that drains every registry in the cluster.
	ShutdownFlag = "throttle-shutdown"

	defaultPollInterval      = 15 * time.Second
	defaultActivityPolls     = 3
	defaultFlagCheckInterval = time.Second
)

// LockService is the slice of the named lock service the registry needs.
type LockService interface {
	EnterReadLock(ctx context.Context, name string) (wait.Outcome, error)
	LeaveReadLock(ctx context.Context, name string) error
	EnterWriteLock(ctx context.Context, name string) (wait.Outcome, error)
	LeaveWriteLock(ctx context.Context, name string) error
	SetGlobalFlag(ctx context.Context, name string) error
	ClearGlobalFlag(ctx context.Context, name string) error
	CheckGlobalFlag(ctx context.Context, name string) (bool, error)
}

// Options tunes a Registry. Zero values select defaults.
type Options struct {
	// ProcessID names this process in demand records. Generated when empty.
	ProcessID string
	// PollInterval is the expected cadence of Poll; it also sets the epoch
	// used to rotate remainder connection slots between processes.
	PollInterval time.Duration
	// ActivityWindow is how recently a process must have been seen to count
	// toward a bin's split. Defaults to three poll intervals.
	ActivityWindow time.Duration
	// StaleAfter is when PollAll deletes demand records of silent processes.
	// Defaults to twice the activity window.
	StaleAfter time.Duration
	// FlagCheckInterval bounds how long a waiter goes without checking the
	// cluster shutdown flag.
	FlagCheckInterval time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger
}

// Registry is the process's handle on every throttle group it uses.
type Registry struct {
	store  coord.Store
	locks  LockService
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	pools map[poolKey]*groupPool

	shutdownCh  chan struct{}
	destroyOnce sync.Once

	flagMu        sync.Mutex
	flagSet       bool
	flagCheckedAt time.Time

	waitLog rate.Sometimes
}

// New creates a registry on store, using locks for group mutations and the
// cluster shutdown flag.
func New(store coord.Store, locks LockService, opts Options) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock service is required")
	}
	if opts.ProcessID == "" {
		id, err := uuid.NewUUIDGenerator().NewID()
		if err != nil {
			return nil, err
		}
		opts.ProcessID = id
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ActivityWindow <= 0 {
		opts.ActivityWindow = defaultActivityPolls * opts.PollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.ActivityWindow
	}
	if opts.FlagCheckInterval <= 0 {
		opts.FlagCheckInterval = defaultFlagCheckInterval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:      store,
		locks:      locks,
		opts:       opts,
		clock:      clk,
		logger:     logger.Named("throttle").With(zap.String("process", opts.ProcessID)),
		pools:      make(map[poolKey]*groupPool),
		shutdownCh: make(chan struct{}),
		waitLog:    rate.Sometimes{Interval: 10 * time.Second},
	}, nil
}

// ProcessID returns the identifier this registry publishes demand under.
func (r *Registry) ProcessID() string {
	return r.opts.ProcessID
}

func groupLockName(typ string) string {
	return "throttle-groups/" + typ
}

func specKey(typ, group string) string {
	return specPrefix + url.PathEscape(typ) + "/" + url.PathEscape(group)
}

func lockOutcomeErr(outcome wait.Outcome) error {
	switch outcome {
	case wait.Granted:
		return nil
	case wait.ShuttingDown:
		return ErrShuttingDown
	default:
		return ErrAborted
	}
}

func (r *Registry) withGroupLock(ctx context.Context, typ string, write bool, fn func() error) (err error) {
	name := groupLockName(typ)
	var outcome wait.Outcome
	if write {
		outcome, err = r.locks.EnterWriteLock(ctx, name)
	} else {
		outcome, err = r.locks.EnterReadLock(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("lock throttle groups %q: %w", typ, err)
	}
	if err := lockOutcomeErr(outcome); err != nil {
		return err
	}
	defer func() {
		leave := r.locks.LeaveReadLock
		if write {
			leave = r.locks.LeaveWriteLock
		}
		if lerr := leave(context.WithoutCancel(ctx), name); lerr != nil {
			err = errors.Join(err, fmt.Errorf("unlock throttle groups %q: %w", typ, lerr))
		}
	}()
	return fn()
}

// GetThrottleGroups lists the groups defined for typ.
func (r *Registry) GetThrottleGroups(ctx context.Context, typ string) ([]string, error) {
	var groups []string
	err := r.withGroupLock(ctx, typ, false, func() error {
		prefix := specPrefix + url.PathEscape(typ) + "/"
		keys, err := r.store.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list throttle groups: %w", err)
		}
		groups = make([]string, 0, len(keys))
		for _, key := range keys {
			name, err := url.PathUnescape(strings.TrimPrefix(key, prefix))
			if err != nil {
				return fmt.Errorf("decode group key %q: %w", key, err)
			}
			groups = append(groups, name)
		}
		return nil
	})
	return groups, err
}

// GetThrottleSpec loads the spec of one group.
func (r *Registry) GetThrottleSpec(ctx context.Context, typ, group string) (Spec, error) {
	var spec Spec
	err := r.withGroupLock(ctx, typ, false, func() error {
		var found bool
		var err error
		spec, found, err = r.loadSpec(ctx, typ, group)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s/%s", ErrGroupNotFound, typ, group)
		}
		return nil
	})
	return spec, err
}

func (r *Registry) loadSpec(ctx context.Context, typ, group string) (Spec, bool, error) {
	entry, found, err := r.store.Get(ctx, specKey(typ, group))
	if err != nil {
		return Spec{}, false, fmt.Errorf("load throttle spec %s/%s: %w", typ, group, err)
	}
	if !found {
		return Spec{}, false, nil
	}
	spec, err := decodeSpec(entry.Value)
	if err != nil {
		return Spec{}, false, err
	}
	return spec, true, nil
}

// CreateOrUpdateThrottleGroup stores spec for (typ, group). Local throttlers
// of the group pick up the new limits immediately; other processes on their
// next poll.
func (r *Registry) CreateOrUpdateThrottleGroup(ctx context.Context, typ, group string, spec Spec) error {
	if strings.TrimSpace(typ) == "" || strings.TrimSpace(group) == "" {
		return fmt.Errorf("throttle group type and name are required")
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	raw, err := encodeSpec(spec)
	if err != nil {
		return err
	}
	err = r.withGroupLock(ctx, typ, true, func() error {
		if err := r.store.Put(ctx, specKey(typ, group), raw); err != nil {
			return fmt.Errorf("store throttle spec %s/%s: %w", typ, group, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("throttle group updated", zap.String("type", typ), zap.String("group", group), zap.Int("bins", len(spec.Bins)))
	if p := r.lookup(poolKey{typ: typ, group: group}); p != nil {
		r.installSpec(p, spec)
		return r.rebalance(ctx, p)
	}
	return nil
}

// ApplyGroups creates or updates every group in defs, stopping at the
// first failure.
func (r *Registry) ApplyGroups(ctx context.Context, defs []GroupDefinition) error {
	for _, def := range defs {
		if err := r.CreateOrUpdateThrottleGroup(ctx, def.Type, def.Group, def.Spec()); err != nil {
			return fmt.Errorf("apply throttle group %s/%s: %w", def.Type, def.Group, err)
		}
	}
	return nil
}

// RemoveThrottleGroup deletes the group. Removing an absent group is not an error.
func (r *Registry) RemoveThrottleGroup(ctx context.Context, typ, group string) error {
	err := r.withGroupLock(ctx, typ, true, func() error {
		if err := r.store.Delete(ctx, specKey(typ, group)); err != nil {
			return fmt.Errorf("delete throttle spec %s/%s: %w", typ, group, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("throttle group removed", zap.String("type", typ), zap.String("group", group))
	if p := r.lookup(poolKey{typ: typ, group: group}); p != nil {
		r.installSpec(p, Spec{})
		return r.rebalance(ctx, p)
	}
	return nil
}

func (r *Registry) lookup(key poolKey) *groupPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[key]
}

// installSpec swaps the limits of every known bin of p.
func (r *Registry) installSpec(p *groupPool, spec Spec) {
	now := r.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec = spec
	for name, b := range p.bins {
		limits := spec.Limits(name)
		share := limits.MaxOpenConnections
		if share != Unbounded && b.processes > 1 {
			share /= b.processes
		}
		b.apply(limits, b.processes, share, now)
	}
	p.broadcastLocked()
}

// ObtainConnectionThrottler returns a throttler bound to bins of (typ, group).
// It returns nil without error while the registry or cluster is shutting down.
func (r *Registry) ObtainConnectionThrottler(ctx context.Context, typ, group string, bins []string) (*ConnectionThrottler, error) {
	down, err := r.shuttingDown(ctx)
	if err != nil {
		return nil, err
	}
	if down {
		return nil, nil
	}

	key := poolKey{typ: typ, group: group}
	p := r.lookup(key)
	if p == nil {
		spec, _, err := r.loadSpec(ctx, typ, group)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if p = r.pools[key]; p == nil {
			p = newGroupPool(key, spec)
			r.pools[key] = p
		}
		r.mu.Unlock()
	}

	names := dedupe(bins)
	r.mu.Lock()
	p.mu.Lock()
	if r.pools[key] != p {
		// Freed between lookup and lock; start over with a fresh pool.
		p.mu.Unlock()
		r.mu.Unlock()
		return r.ObtainConnectionThrottler(ctx, typ, group, bins)
	}
	t := &ConnectionThrottler{reg: r, pool: p}
	fresh := false
	now := r.clock.Now()
	for _, name := range names {
		b, created := p.binLocked(name, now)
		fresh = fresh || created
		b.refs++
		t.bins = append(t.bins, b)
	}
	p.refs++
	p.mu.Unlock()
	r.mu.Unlock()

	if fresh {
		if err := r.rebalance(ctx, p); err != nil {
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActiveTypes lists the throttle group types this process has pools for.
func (r *Registry) ActiveTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range r.pools {
		seen[key.typ] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for typ := range seen {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) poolsOfType(typ string) []*groupPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*groupPool
	for key, p := range r.pools {
		if key.typ == typ {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.group < out[j].key.group })
	return out
}

// FreeUnusedResources drops pools no throttler references and that carry no
// work, together with this process's demand records for them.
func (r *Registry) FreeUnusedResources(ctx context.Context) error {
	var freed []*groupPool
	r.mu.Lock()
	for key, p := range r.pools {
		p.mu.Lock()
		unused := p.refs == 0
		for _, b := range p.bins {
			unused = unused && b.idle()
		}
		p.mu.Unlock()
		if unused {
			delete(r.pools, key)
			freed = append(freed, p)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, p := range freed {
		r.logger.Debug("freed unused throttle pool", zap.String("type", p.key.typ), zap.String("group", p.key.group))
		if err := r.deleteDemand(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) deleteDemand(ctx context.Context, p *groupPool) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.bins))
	for name := range p.bins {
		names = append(names, name)
	}
	p.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := r.store.Delete(ctx, demandKey(p.key, name, r.opts.ProcessID)); err != nil {
			errs = append(errs, fmt.Errorf("delete demand record: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Destroy shuts the registry down. Every local waiter wakes with the
// shutdown outcome, ObtainConnectionThrottler returns nil from now on, and
// this process's demand records are removed so the rest of the cluster
// regains the quota. Calling Destroy again is a no-op.
func (r *Registry) Destroy(ctx context.Context) error {
	var err error
	r.destroyOnce.Do(func() {
		close(r.shutdownCh)
		r.mu.Lock()
		pools := make([]*groupPool, 0, len(r.pools))
		for _, p := range r.pools {
			pools = append(pools, p)
		}
		r.mu.Unlock()

		var errs []error
		for _, p := range pools {
			p.mu.Lock()
			p.broadcastLocked()
			p.mu.Unlock()
			if derr := r.deleteDemand(ctx, p); derr != nil {
				errs = append(errs, derr)
			}
		}
		err = errors.Join(errs...)
		r.logger.Info("throttle registry destroyed", zap.Int("pools", len(pools)))
	})
	return err
}

func (r *Registry) destroyed() bool {
	select {
	case <-r.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownCluster raises the global shutdown flag. Waiters in every process
// wake with the shutdown outcome within their flag check interval.
func (r *Registry) ShutdownCluster(ctx context.Context) error {
	if err := r.locks.SetGlobalFlag(ctx, ShutdownFlag); err != nil {
		return err
	}
	r.invalidateFlag()
	r.wakeAll()
	return nil
}

// ResumeCluster clears the global shutdown flag.
func (r *Registry) ResumeCluster(ctx context.Context) error {
	if err := r.locks.ClearGlobalFlag(ctx, ShutdownFlag); err != nil {
		return err
	}
	r.invalidateFlag()
	return nil
}

func (r *Registry) invalidateFlag() {
	r.flagMu.Lock()
	r.flagCheckedAt = time.Time{}
	r.flagMu.Unlock()
}

func (r *Registry) wakeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.mu.Lock()
		p.broadcastLocked()
		p.mu.Unlock()
	}
}

// shuttingDown reports whether this registry was destroyed or the cluster
// flag is raised. The flag is read from the store at most once per
// FlagCheckInterval.
func (r *Registry) shuttingDown(ctx context.Context) (bool, error) {
	if r.destroyed() {
		return true, nil
	}
	r.flagMu.Lock()
	defer r.flagMu.Unlock()
	now := r.clock.Now()
	if !r.flagCheckedAt.IsZero() && now.Sub(r.flagCheckedAt) < r.opts.FlagCheckInterval {
		return r.flagSet, nil
	}
	set, err := r.locks.CheckGlobalFlag(ctx, ShutdownFlag)
	if err != nil {
		return false, fmt.Errorf("check shutdown flag: %w", err)
	}
	if set && !r.flagSet {
		r.logger.Warn("cluster shutdown flag raised")
	}
	r.flagSet = set
	r.flagCheckedAt = now
	return set, nil
}
