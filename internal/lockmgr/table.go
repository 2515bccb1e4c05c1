package lockmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-governor/internal/wait"
)

// recheckInterval bounds how long a local waiter sleeps without a wake-up.
const recheckInterval = time.Second

type entryState int

const (
	stateAcquiring entryState = iota
	stateHeld
	stateReleasing
)

type entry struct {
	mode  Mode
	count int
	state entryState
}

// table is the process-local half of every lock. Goroutines of one process
// share a single cross-process hold per key; the first local holder takes
// it and the last local holder gives it back.
type table struct {
	mu      sync.Mutex
	entries map[string]*entry
	wake    chan struct{}
}

func newTable() *table {
	return &table{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}),
	}
}

func (t *table) wakeLocked() {
	close(t.wake)
	t.wake = make(chan struct{})
}

func (t *table) wakeChan() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wake
}

// enter blocks until name is held locally in mode. When the caller is the
// first local holder, first runs outside the table mutex and its outcome
// decides whether the hold stands.
func (t *table) enter(
	ctx context.Context,
	name string,
	mode Mode,
	noWait bool,
	closed <-chan struct{},
	first func(context.Context) (wait.Outcome, error),
) (wait.Outcome, error) {
	for {
		select {
		case <-closed:
			return wait.ShuttingDown, nil
		default:
		}

		t.mu.Lock()
		e, ok := t.entries[name]
		if !ok {
			e = &entry{mode: mode, count: 1, state: stateAcquiring}
			t.entries[name] = e
			t.mu.Unlock()

			outcome, err := wait.Granted, error(nil)
			if first != nil {
				outcome, err = first(ctx)
			}

			t.mu.Lock()
			if err == nil && outcome == wait.Granted {
				e.state = stateHeld
			} else {
				delete(t.entries, name)
			}
			t.wakeLocked()
			t.mu.Unlock()
			return outcome, err
		}
		if e.state == stateHeld && compatible(e.mode, mode) {
			e.count++
			t.mu.Unlock()
			return wait.Granted, nil
		}
		if noWait {
			t.mu.Unlock()
			return wait.WouldBlock, nil
		}
		wake := t.wake
		t.mu.Unlock()

		if outcome, ok := wait.Pause(ctx, recheckInterval, closed, wake); !ok {
			return outcome, nil
		}
	}
}

// leave drops one local hold. last runs when the final local holder leaves.
func (t *table) leave(ctx context.Context, name string, mode Mode, last func(context.Context) error) error {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok || e.state != stateHeld || e.mode != mode {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrNotHeld, mode, name)
	}
	e.count--
	if e.count > 0 {
		t.mu.Unlock()
		return nil
	}
	if last == nil {
		delete(t.entries, name)
		t.wakeLocked()
		t.mu.Unlock()
		return nil
	}
	e.state = stateReleasing
	t.mu.Unlock()

	err := last(ctx)

	t.mu.Lock()
	delete(t.entries, name)
	t.wakeLocked()
	t.mu.Unlock()
	return err
}

// held lists the names currently held, sorted.
func (t *table) held() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.entries))
	for name, e := range t.entries {
		if e.state == stateHeld {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
