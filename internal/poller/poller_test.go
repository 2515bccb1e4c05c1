package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewValidatesTasks(t *testing.T) {
	t.Parallel()
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name  string
		tasks []Task
	}{
		{name: "missing name", tasks: []Task{{Interval: time.Second, Run: noop}}},
		{name: "zero interval", tasks: []Task{{Name: "a", Run: noop}}},
		{name: "missing run", tasks: []Task{{Name: "a", Interval: time.Second}}},
		{name: "duplicate", tasks: []Task{
			{Name: "a", Interval: time.Second, Run: noop},
			{Name: "a", Interval: time.Second, Run: noop},
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(zap.NewNop(), tt.tasks...)
			require.Error(t, err)
		})
	}
}

func TestRunTicksEveryTaskUntilCancelled(t *testing.T) {
	t.Parallel()
	var fast, failing, immediate atomic.Int32
	p, err := New(nil,
		Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Task{Name: "failing", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("store unavailable")
		}},
		Task{Name: "immediate", Interval: time.Hour, Immediate: true, Run: func(context.Context) error {
			immediate.Add(1)
			return nil
		}},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return fast.Load() >= 3 && failing.Load() >= 3 && immediate.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after context cancel")
	}

	stopped := fast.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, stopped, fast.Load())
}
