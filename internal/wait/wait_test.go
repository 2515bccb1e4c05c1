package wait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	cases := map[Outcome]string{
		Granted:      "granted",
		WouldBlock:   "would_block",
		ShuttingDown: "shutting_down",
		Aborted:      "aborted",
		Outcome(42):  "unknown",
	}
	for outcome, want := range cases {
		require.Equal(t, want, outcome.String())
	}
}

func TestPauseTimerElapses(t *testing.T) {
	t.Parallel()

	start := time.Now()
	outcome, ok := Pause(context.Background(), 20*time.Millisecond, nil, nil)
	require.True(t, ok)
	require.Equal(t, Granted, outcome)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPauseContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, ok := Pause(ctx, time.Minute, nil, nil)
	require.False(t, ok)
	require.Equal(t, Aborted, outcome)
}

func TestPauseShutdown(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})
	close(shutdown)
	outcome, ok := Pause(context.Background(), time.Minute, shutdown, nil)
	require.False(t, ok)
	require.Equal(t, ShuttingDown, outcome)
}

func TestPauseWake(t *testing.T) {
	t.Parallel()

	wake := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(wake)
	}()
	start := time.Now()
	outcome, ok := Pause(context.Background(), time.Minute, nil, wake)
	require.True(t, ok)
	require.Equal(t, Granted, outcome)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestBackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 5 * time.Millisecond, Max: 30 * time.Millisecond}
	require.Equal(t, 5*time.Millisecond, b.Next())
	require.Equal(t, 10*time.Millisecond, b.Next())
	require.Equal(t, 20*time.Millisecond, b.Next())
	require.Equal(t, 30*time.Millisecond, b.Next())
	require.Equal(t, 30*time.Millisecond, b.Next())
}
