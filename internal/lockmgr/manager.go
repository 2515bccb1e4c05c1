// Package lockmgr is the cluster-wide named lock service. Locks are shared
// between every process pointed at the same coordination store; critical
// sections, shared data and global flags round out the service.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-governor/internal/clock"
	"github.com/JakeFAU/crawl-governor/internal/coord"
	"github.com/JakeFAU/crawl-governor/internal/id/uuid"
	"github.com/JakeFAU/crawl-governor/internal/metrics"
	"github.com/JakeFAU/crawl-governor/internal/wait"
)

const (
	lockPrefix  = "lock/"
	ownerPrefix = "owner/"
	dataPrefix  = "data/"
	flagPrefix  = "flag/"

	defaultStaleAfter = time.Minute
	defaultRetryMin   = 10 * time.Millisecond
	defaultRetryMax   = 500 * time.Millisecond
)

var (
	// ErrNotHeld is returned when leaving a lock or section the caller does not hold.
	ErrNotHeld = errors.New("lock not held")
	// ErrInvalidName rejects blank lock, data and flag names.
	ErrInvalidName = errors.New("name must not be empty")
)

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	// OwnerID identifies this process in lock records. Generated when empty.
	OwnerID string
	// StaleAfter is how long an owner may go without a heartbeat before its
	// holdings are purged by blocked acquirers.
	StaleAfter time.Duration
	RetryMin   time.Duration
	RetryMax   time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Manager implements named locks, critical sections, shared data and flags
// for one process.
type Manager struct {
	store  coord.Store
	owner  string
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	locks    *table
	sections *table

	closed    chan struct{}
	closeOnce sync.Once
	waitLog   rate.Sometimes
}

type ownerRecord struct {
	OwnerID  string    `json:"owner_id"`
	LastSeen time.Time `json:"last_seen"`
}

type lockState struct {
	Holders map[string]Mode `json:"holders"`
}

// New registers a lock owner in store and returns its manager.
func New(ctx context.Context, store coord.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	if opts.OwnerID == "" {
		id, err := uuid.NewUUIDGenerator().NewID()
		if err != nil {
			return nil, err
		}
		opts.OwnerID = id
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = defaultRetryMin
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = defaultRetryMax
		if opts.RetryMax < opts.RetryMin {
			opts.RetryMax = opts.RetryMin
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:    store,
		owner:    opts.OwnerID,
		opts:     opts,
		clock:    clk,
		logger:   logger.Named("lockmgr").With(zap.String("owner", opts.OwnerID)),
		locks:    newTable(),
		sections: newTable(),
		closed:   make(chan struct{}),
		waitLog:  rate.Sometimes{Interval: 10 * time.Second},
	}
	if err := m.Heartbeat(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// OwnerID returns the identifier this manager records in lock state.
func (m *Manager) OwnerID() string {
	return m.owner
}

// Heartbeat refreshes this owner's liveness record and drops owner records
// that have aged out.
func (m *Manager) Heartbeat(ctx context.Context) error {
	now := m.clock.Now()
	raw, err := json.Marshal(ownerRecord{OwnerID: m.owner, LastSeen: now})
	if err != nil {
		return fmt.Errorf("encode owner record: %w", err)
	}
	if err := m.store.Put(ctx, ownerPrefix+m.owner, raw); err != nil {
		return fmt.Errorf("update owner record: %w", err)
	}

	keys, err := m.store.List(ctx, ownerPrefix)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}
	for _, key := range keys {
		id := strings.TrimPrefix(key, ownerPrefix)
		if id == m.owner {
			continue
		}
		entry, found, err := m.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load owner %s: %w", id, err)
		}
		if !found || m.alive(entry, now) {
			continue
		}
		if _, err := m.store.CompareAndDelete(ctx, key, entry.Version); err != nil {
			return fmt.Errorf("delete aged owner %s: %w", id, err)
		}
		m.logger.Info("aged out lock owner", zap.String("stale_owner", id))
	}
	return nil
}

func (m *Manager) alive(entry coord.Entry, now time.Time) bool {
	var rec ownerRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return false
	}
	return now.Sub(rec.LastSeen) < m.opts.StaleAfter
}

func (m *Manager) ownerAlive(ctx context.Context, id string) (bool, error) {
	entry, found, err := m.store.Get(ctx, ownerPrefix+id)
	if err != nil {
		return false, fmt.Errorf("load owner %s: %w", id, err)
	}
	if !found {
		return false, nil
	}
	return m.alive(entry, m.clock.Now()), nil
}

// Close releases every lock this manager still holds, wakes its waiters with
// the shutting-down outcome and removes the owner record.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	m.closeOnce.Do(func() {
		close(m.closed)
		for _, name := range m.locks.held() {
			if err := m.release(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.store.Delete(ctx, ownerPrefix+m.owner); err != nil {
			errs = append(errs, fmt.Errorf("delete owner record: %w", err))
		}
	})
	return errors.Join(errs...)
}

func decodeState(entry coord.Entry, found bool) (lockState, error) {
	state := lockState{Holders: make(map[string]Mode)}
	if !found || len(entry.Value) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return state, fmt.Errorf("decode lock state: %w", err)
	}
	if state.Holders == nil {
		state.Holders = make(map[string]Mode)
	}
	return state, nil
}

func (s lockState) blockers(owner string, mode Mode) []string {
	var out []string
	for id, held := range s.Holders {
		if id != owner && !compatible(held, mode) {
			out = append(out, id)
		}
	}
	return out
}

func lockKey(name string) string {
	return lockPrefix + name
}

func versionOf(entry coord.Entry, found bool) int64 {
	if !found {
		return 0
	}
	return entry.Version
}

// acquire takes the cross-process hold for name.
func (m *Manager) acquire(ctx context.Context, name string, mode Mode, noWait bool) (wait.Outcome, error) {
	key := lockKey(name)
	backoff := wait.Backoff{Min: m.opts.RetryMin, Max: m.opts.RetryMax}
	var lastPurge time.Time
	for {
		entry, found, err := m.store.Get(ctx, key)
		if err != nil {
			return m.storeFailure(ctx, fmt.Errorf("load lock %q: %w", name, err))
		}
		state, err := decodeState(entry, found)
		if err != nil {
			return wait.Aborted, err
		}

		blockers := state.blockers(m.owner, mode)
		if len(blockers) == 0 {
			state.Holders[m.owner] = mode
			raw, err := json.Marshal(state)
			if err != nil {
				return wait.Aborted, fmt.Errorf("encode lock state: %w", err)
			}
			ok, err := m.store.CompareAndSwap(ctx, key, versionOf(entry, found), raw)
			if err != nil {
				return m.storeFailure(ctx, fmt.Errorf("write lock %q: %w", name, err))
			}
			if ok {
				return wait.Granted, nil
			}
			continue
		}

		now := m.clock.Now()
		if lastPurge.IsZero() || now.Sub(lastPurge) >= m.opts.StaleAfter/2 {
			lastPurge = now
			purged, err := m.purgeStale(ctx, key, entry, state, blockers)
			if err != nil {
				return m.storeFailure(ctx, err)
			}
			if purged {
				continue
			}
		}
		if noWait {
			return wait.WouldBlock, nil
		}

		m.waitLog.Do(func() {
			m.logger.Info("waiting for lock",
				zap.String("lock", name),
				zap.Stringer("mode", mode),
				zap.Strings("held_by", blockers),
			)
		})
		if outcome, ok := wait.Pause(ctx, backoff.Next(), m.closed, m.locks.wakeChan()); !ok {
			return outcome, nil
		}
	}
}

// storeFailure maps an error seen after the caller gave up to Aborted.
func (m *Manager) storeFailure(ctx context.Context, err error) (wait.Outcome, error) {
	if ctx.Err() != nil {
		return wait.Aborted, nil
	}
	return wait.Aborted, err
}

// purgeStale removes holdings of dead owners from the lock state.
func (m *Manager) purgeStale(ctx context.Context, key string, entry coord.Entry, state lockState, blockers []string) (bool, error) {
	var stale []string
	for _, id := range blockers {
		alive, err := m.ownerAlive(ctx, id)
		if err != nil {
			return false, err
		}
		if !alive {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return false, nil
	}
	for _, id := range stale {
		delete(state.Holders, id)
	}
	m.logger.Warn("purging holdings of stale owners", zap.String("key", key), zap.Strings("owners", stale))

	if len(state.Holders) == 0 {
		if _, err := m.store.CompareAndDelete(ctx, key, entry.Version); err != nil {
			return false, fmt.Errorf("purge lock %s: %w", key, err)
		}
		return true, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encode lock state: %w", err)
	}
	if _, err := m.store.CompareAndSwap(ctx, key, entry.Version, raw); err != nil {
		return false, fmt.Errorf("purge lock %s: %w", key, err)
	}
	return true, nil
}

// release drops this owner's cross-process hold on name.
func (m *Manager) release(ctx context.Context, name string) error {
	key := lockKey(name)
	for {
		entry, found, err := m.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load lock %q: %w", name, err)
		}
		if !found {
			return nil
		}
		state, err := decodeState(entry, found)
		if err != nil {
			return err
		}
		if _, ok := state.Holders[m.owner]; !ok {
			return nil
		}
		delete(state.Holders, m.owner)

		var ok bool
		if len(state.Holders) == 0 {
			ok, err = m.store.CompareAndDelete(ctx, key, entry.Version)
		} else {
			var raw []byte
			raw, err = json.Marshal(state)
			if err != nil {
				return fmt.Errorf("encode lock state: %w", err)
			}
			ok, err = m.store.CompareAndSwap(ctx, key, entry.Version, raw)
		}
		if err != nil {
			return fmt.Errorf("release lock %q: %w", name, err)
		}
		if ok {
			return nil
		}
	}
}

func (m *Manager) enterLock(ctx context.Context, name string, mode Mode, noWait bool) (wait.Outcome, error) {
	if strings.TrimSpace(name) == "" {
		return wait.Aborted, ErrInvalidName
	}
	start := time.Now()
	outcome, err := m.locks.enter(ctx, name, mode, noWait, m.closed, func(ctx context.Context) (wait.Outcome, error) {
		return m.acquire(ctx, name, mode, noWait)
	})
	if err == nil {
		metrics.ObserveLockWait(mode.String(), outcome.String(), time.Since(start))
	}
	return outcome, err
}

func (m *Manager) leaveLock(ctx context.Context, name string, mode Mode) error {
	return m.locks.leave(ctx, name, mode, func(ctx context.Context) error {
		return m.release(ctx, name)
	})
}

// EnterReadLock blocks until name is held for reading.
func (m *Manager) EnterReadLock(ctx context.Context, name string) (wait.Outcome, error) {
	return m.enterLock(ctx, name, Read, false)
}

// EnterReadLockNoWait takes a read lock or reports WouldBlock.
func (m *Manager) EnterReadLockNoWait(ctx context.Context, name string) (wait.Outcome, error) {
	return m.enterLock(ctx, name, Read, true)
}

// LeaveReadLock releases a read lock.
func (m *Manager) LeaveReadLock(ctx context.Context, name string) error {
	return m.leaveLock(ctx, name, Read)
}

// EnterNonExWriteLock blocks until name is held for non-exclusive writing.
func (m *Manager) EnterNonExWriteLock(ctx context.Context, name string) (wait.Outcome, error) {
	return m.enterLock(ctx, name, NonExWrite, false)
}

// EnterNonExWriteLockNoWait takes a non-exclusive write lock or reports WouldBlock.
func (m *Manager) EnterNonExWriteLockNoWait(ctx context.Context, name string) (wait.Outcome, error) {
	return m.enterLock(ctx, name, NonExWrite, true)
}

// LeaveNonExWriteLock releases a non-exclusive write lock.
func (m *Manager) LeaveNonExWriteLock(ctx context.Context, name string) error {
	return m.leaveLock(ctx, name, NonExWrite)
}

// EnterWriteLock blocks until name is held exclusively.
func (m *Manager) EnterWriteLock(ctx context.Context, name string) (wait.Outcome, error) {
	return m.enterLock(ctx, name, Write, false)
}

// EnterWriteLockNoWait takes an exclusive lock or reports WouldBlock.
func (m *Manager) EnterWriteLockNoWait(ctx context.Context, name string) (wait.Outcome, error) {
	return m.enterLock(ctx, name, Write, true)
}

// LeaveWriteLock releases an exclusive lock.
func (m *Manager) LeaveWriteLock(ctx context.Context, name string) error {
	return m.leaveLock(ctx, name, Write)
}

// ReadData returns the shared value stored under name, or nil when absent.
func (m *Manager) ReadData(ctx context.Context, name string) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	entry, found, err := m.store.Get(ctx, dataPrefix+name)
	if err != nil {
		return nil, fmt.Errorf("read data %q: %w", name, err)
	}
	if !found {
		return nil, nil
	}
	return entry.Value, nil
}

// WriteData stores value under name; a nil value deletes it.
func (m *Manager) WriteData(ctx context.Context, name string, value []byte) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	key := dataPrefix + name
	if value == nil {
		if err := m.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete data %q: %w", name, err)
		}
		return nil
	}
	if err := m.store.Put(ctx, key, value); err != nil {
		return fmt.Errorf("write data %q: %w", name, err)
	}
	return nil
}

// SetGlobalFlag raises a durable cluster-wide flag.
func (m *Manager) SetGlobalFlag(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if err := m.store.Put(ctx, flagPrefix+name, []byte("1")); err != nil {
		return fmt.Errorf("set flag %q: %w", name, err)
	}
	return nil
}

// ClearGlobalFlag lowers a flag.
func (m *Manager) ClearGlobalFlag(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if err := m.store.Delete(ctx, flagPrefix+name); err != nil {
		return fmt.Errorf("clear flag %q: %w", name, err)
	}
	return nil
}

// CheckGlobalFlag reports whether a flag is raised.
func (m *Manager) CheckGlobalFlag(ctx context.Context, name string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, ErrInvalidName
	}
	_, found, err := m.store.Get(ctx, flagPrefix+name)
	if err != nil {
		return false, fmt.Errorf("check flag %q: %w", name, err)
	}
	return found, nil
}
