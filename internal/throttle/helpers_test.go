package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-governor/internal/coord"
	"github.com/JakeFAU/crawl-governor/internal/lockmgr"
)

func newRegistry(t *testing.T, store coord.Store, opts Options) *Registry {
	t.Helper()
	locks, err := lockmgr.New(context.Background(), store, lockmgr.Options{
		RetryMin: time.Millisecond,
		RetryMax: 5 * time.Millisecond,
		Clock:    opts.Clock,
	})
	require.NoError(t, err)
	if opts.FlagCheckInterval == 0 {
		opts.FlagCheckInterval = 20 * time.Millisecond
	}
	reg, err := New(store, locks, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Destroy(context.Background())
		_ = locks.Close(context.Background())
	})
	return reg
}

func defineGroup(t *testing.T, reg *Registry, typ, group string, bins map[string]BinLimits) {
	t.Helper()
	require.NoError(t, reg.CreateOrUpdateThrottleGroup(context.Background(), typ, group, Spec{Bins: bins}))
}

func obtain(t *testing.T, reg *Registry, typ, group string, bins ...string) *ConnectionThrottler {
	t.Helper()
	ct, err := reg.ObtainConnectionThrottler(context.Background(), typ, group, bins)
	require.NoError(t, err)
	require.NotNil(t, ct)
	t.Cleanup(ct.Close)
	return ct
}

type binSnapshot struct {
	active, pooled, waiting, streams, share int
}

func snapshot(ct *ConnectionThrottler, bin string) binSnapshot {
	ct.pool.mu.Lock()
	defer ct.pool.mu.Unlock()
	b := ct.pool.bins[bin]
	return binSnapshot{active: b.active, pooled: b.pooled, waiting: b.waiting, streams: b.streams, share: b.share}
}

func mustDecide(t *testing.T, ct *ConnectionThrottler, want Decision) {
	t.Helper()
	got, err := ct.WaitConnectionAvailable(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}
