package lockmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-governor/internal/clock"
	"github.com/JakeFAU/crawl-governor/internal/coord"
	"github.com/JakeFAU/crawl-governor/internal/coord/memory"
	"github.com/JakeFAU/crawl-governor/internal/wait"
)

func newManager(t *testing.T, store coord.Store, clk clock.Clock) *Manager {
	t.Helper()
	m, err := New(context.Background(), store, Options{
		RetryMin: time.Millisecond,
		RetryMax: 5 * time.Millisecond,
		Clock:    clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestModeCompatibility(t *testing.T) {
	t.Parallel()

	tests := []struct {
		held, want Mode
		ok         bool
	}{
		{Read, Read, true},
		{NonExWrite, NonExWrite, true},
		{Write, Write, false},
		{Read, NonExWrite, false},
		{NonExWrite, Read, false},
		{Read, Write, false},
		{Write, Read, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.ok, compatible(tt.held, tt.want), "%s then %s", tt.held, tt.want)
	}
}

func TestLockSetOrderedMergesModes(t *testing.T) {
	t.Parallel()

	set := LockSet{
		Read:       []string{"b", "a", "c"},
		NonExWrite: []string{"c", "d"},
		Write:      []string{"a"},
	}
	require.Equal(t, []request{
		{name: "a", mode: Write},
		{name: "b", mode: Read},
		{name: "c", mode: Write},
		{name: "d", mode: NonExWrite},
	}, set.ordered())
}

func TestReadLocksShareAcrossProcesses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)
	m3 := newManager(t, store, nil)

	outcome, err := m1.EnterReadLock(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	outcome, err = m2.EnterReadLockNoWait(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	outcome, err = m3.EnterWriteLockNoWait(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome)

	outcome, err = m3.EnterNonExWriteLockNoWait(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome)

	require.NoError(t, m1.LeaveReadLock(ctx, "jobs"))
	require.NoError(t, m2.LeaveReadLock(ctx, "jobs"))

	outcome, err = m3.EnterWriteLockNoWait(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)
	require.NoError(t, m3.LeaveWriteLock(ctx, "jobs"))
}

func TestNonExWriteSharedAmongWritersOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)
	m3 := newManager(t, store, nil)

	outcome, err := m1.EnterNonExWriteLock(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	outcome, err = m2.EnterNonExWriteLockNoWait(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	outcome, err = m3.EnterReadLockNoWait(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome)

	require.NoError(t, m1.LeaveNonExWriteLock(ctx, "docs"))
	require.NoError(t, m2.LeaveNonExWriteLock(ctx, "docs"))
	require.ErrorIs(t, m2.LeaveNonExWriteLock(ctx, "docs"), ErrNotHeld)

	outcome, err = m3.EnterReadLockNoWait(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)
}

func TestWriteLockBlocksUntilReleased(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)

	outcome, err := m1.EnterWriteLock(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	var got atomic.Int32
	got.Store(-1)
	go func() {
		outcome, err := m2.EnterWriteLock(ctx, "x")
		if err == nil {
			got.Store(int32(outcome))
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(-1), got.Load(), "second writer must still be waiting")

	require.NoError(t, m1.LeaveWriteLock(ctx, "x"))
	require.Eventually(t, func() bool { return got.Load() == int32(wait.Granted) }, 2*time.Second, 5*time.Millisecond)
}

func TestGoroutinesOfOneProcessExcludeEachOther(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store, nil)
	other := newManager(t, store, nil)

	outcome, err := m.EnterReadLock(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)
	outcome, err = m.EnterReadLock(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	outcome, err = m.EnterWriteLockNoWait(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome)

	require.NoError(t, m.LeaveReadLock(ctx, "r"))
	outcome, err = other.EnterWriteLockNoWait(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome, "one local reader still holds the lock")

	require.NoError(t, m.LeaveReadLock(ctx, "r"))
	outcome, err = other.EnterWriteLockNoWait(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)
}

func TestEnterLockAbortedByContext(t *testing.T) {
	t.Parallel()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)

	outcome, err := m1.EnterWriteLock(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	outcome, err = m2.EnterWriteLock(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, wait.Aborted, outcome)

	require.NoError(t, m1.LeaveWriteLock(context.Background(), "x"))
	outcome, err = m2.EnterWriteLockNoWait(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome, "aborted waiter must not leave residue")
}

func TestLeaveWithoutHoldingFails(t *testing.T) {
	t.Parallel()
	m := newManager(t, memory.New(), nil)

	err := m.LeaveWriteLock(context.Background(), "nothing")
	require.True(t, errors.Is(err, ErrNotHeld))

	_, err = m.EnterReadLock(context.Background(), " ")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestCloseWakesWaitersAndReleasesLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)
	m3 := newManager(t, store, nil)

	outcome, err := m1.EnterWriteLock(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	done := make(chan wait.Outcome, 1)
	go func() {
		outcome, _ := m2.EnterWriteLock(ctx, "x")
		done <- outcome
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m2.Close(ctx))
	select {
	case outcome := <-done:
		require.Equal(t, wait.ShuttingDown, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	require.NoError(t, m1.Close(ctx))
	_, found, err := store.Get(ctx, ownerPrefix+m1.OwnerID())
	require.NoError(t, err)
	require.False(t, found)

	outcome, err = m3.EnterWriteLockNoWait(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	outcome, err = m1.EnterReadLock(ctx, "y")
	require.NoError(t, err)
	require.Equal(t, wait.ShuttingDown, outcome)
}

func TestOppositeLockOrdersDoNotDeadlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)

	var inside atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup
	run := func(m *Manager, set LockSet) {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			outcome, err := m.EnterLocks(ctx, set)
			if err != nil || outcome != wait.Granted {
				violations.Add(1)
				return
			}
			if inside.Add(1) != 1 {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			if err := m.LeaveLocks(ctx, set); err != nil {
				violations.Add(1)
			}
		}
	}

	for i := 0; i < 3; i++ {
		wg.Add(2)
		go run(m1, LockSet{Write: []string{"A", "B"}})
		go run(m2, LockSet{Write: []string{"B", "A"}})
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(20 * time.Second):
		t.Fatal("multi-lock acquirers deadlocked")
	}
	require.Zero(t, violations.Load())
}

func TestEnterLocksNoWaitReleasesPartialSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)
	m3 := newManager(t, store, nil)

	outcome, err := m2.EnterWriteLock(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	outcome, err = m1.EnterLocksNoWait(ctx, LockSet{Write: []string{"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome)

	outcome, err = m3.EnterWriteLockNoWait(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome, "lock a must have been released")
}

func TestStaleOwnerHoldingsArePurged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	crashed := newManager(t, store, clk)
	outcome, err := crashed.EnterWriteLock(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	live := newManager(t, store, clk)
	outcome, err = live.EnterWriteLockNoWait(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome, "owner is still fresh")

	clk.Advance(2 * time.Minute)
	require.NoError(t, live.Heartbeat(ctx))
	_, found, err := store.Get(ctx, ownerPrefix+crashed.OwnerID())
	require.NoError(t, err)
	require.False(t, found, "heartbeat ages out the silent owner")

	outcome, err = live.EnterWriteLockNoWait(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)
}

func TestSharedDataAndFlags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m1 := newManager(t, store, nil)
	m2 := newManager(t, store, nil)

	require.NoError(t, m1.WriteData(ctx, "cursor", []byte("42")))
	value, err := m2.ReadData(ctx, "cursor")
	require.NoError(t, err)
	require.Equal(t, []byte("42"), value)

	require.NoError(t, m2.WriteData(ctx, "cursor", nil))
	value, err = m1.ReadData(ctx, "cursor")
	require.NoError(t, err)
	require.Nil(t, value)

	set, err := m2.CheckGlobalFlag(ctx, "maintenance")
	require.NoError(t, err)
	require.False(t, set)

	require.NoError(t, m1.SetGlobalFlag(ctx, "maintenance"))
	set, err = m2.CheckGlobalFlag(ctx, "maintenance")
	require.NoError(t, err)
	require.True(t, set)

	require.NoError(t, m2.ClearGlobalFlag(ctx, "maintenance"))
	set, err = m1.CheckGlobalFlag(ctx, "maintenance")
	require.NoError(t, err)
	require.False(t, set)
}

func TestCriticalSections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store, nil)

	require.Equal(t, wait.Granted, m.EnterReadCriticalSection(ctx, "cache"))
	require.Equal(t, wait.Granted, m.EnterReadCriticalSection(ctx, "cache"))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Equal(t, wait.Aborted, m.EnterWriteCriticalSection(short, "cache"))

	require.NoError(t, m.LeaveReadCriticalSection("cache"))
	require.NoError(t, m.LeaveReadCriticalSection("cache"))
	require.Equal(t, wait.Granted, m.EnterWriteCriticalSection(ctx, "cache"))

	keys, err := store.List(ctx, lockPrefix)
	require.NoError(t, err)
	require.Empty(t, keys, "critical sections stay in-process")

	set := LockSet{NonExWrite: []string{"a"}, Write: []string{"cache"}}
	blocked, cancel2 := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel2()
	require.Equal(t, wait.Aborted, m.EnterCriticalSections(blocked, set))
	require.NoError(t, m.LeaveWriteCriticalSection("cache"))

	require.Equal(t, wait.Granted, m.EnterCriticalSections(ctx, set))
	require.NoError(t, m.LeaveCriticalSections(set))
	require.ErrorIs(t, m.LeaveNonExWriteCriticalSection("a"), ErrNotHeld)

	require.Equal(t, wait.Granted, m.EnterNonExWriteCriticalSection(ctx, "index"))
	require.Equal(t, wait.Granted, m.EnterNonExWriteCriticalSection(ctx, "index"))
	short2, cancel3 := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel3()
	require.Equal(t, wait.Aborted, m.EnterReadCriticalSection(short2, "index"))
	require.NoError(t, m.LeaveNonExWriteCriticalSection("index"))
	require.NoError(t, m.LeaveNonExWriteCriticalSection("index"))
}

// interleavingStore runs hook once, just before the first compare-and-swap.
type interleavingStore struct {
	coord.Store
	once sync.Once
	hook func()
}

func (s *interleavingStore) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	s.once.Do(s.hook)
	return s.Store.CompareAndSwap(ctx, key, expected, value)
}

func TestRecreatedLockRejectsStaleSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	reader := newManager(t, store, nil)
	writer := newManager(t, store, nil)

	outcome, err := reader.EnterReadLock(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, wait.Granted, outcome)

	late := &interleavingStore{Store: store}
	late.hook = func() {
		// The reader leaves and the key is deleted; the writer recreates it.
		require.NoError(t, reader.LeaveReadLock(ctx, "jobs"))
		got, err := writer.EnterWriteLockNoWait(ctx, "jobs")
		require.NoError(t, err)
		require.Equal(t, wait.Granted, got)
	}
	m := newManager(t, late, nil)

	outcome, err = m.EnterReadLockNoWait(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, wait.WouldBlock, outcome)

	entry, found, err := store.Get(ctx, lockKey("jobs"))
	require.NoError(t, err)
	require.True(t, found)
	state, err := decodeState(entry, found)
	require.NoError(t, err)
	require.Equal(t, map[string]Mode{writer.OwnerID(): Write}, state.Holders)
}
