package throttle

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-governor/internal/coord/memory"
)

func TestThrottleGroupCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newRegistry(t, memory.New(), Options{})

	groups, err := reg.GetThrottleGroups(ctx, "web")
	require.NoError(t, err)
	require.Empty(t, groups)

	_, err = reg.GetThrottleSpec(ctx, "web", "example")
	require.ErrorIs(t, err, ErrGroupNotFound)

	spec := Spec{Bins: map[string]BinLimits{
		host:     {MaxOpenConnections: 2, MinMillisecondsPerFetch: 250},
		"global": {MaxOpenConnections: Unbounded, MinMillisecondsPerByte: 0.5},
	}}
	require.NoError(t, reg.CreateOrUpdateThrottleGroup(ctx, "web", "example", spec))
	require.NoError(t, reg.CreateOrUpdateThrottleGroup(ctx, "web", "tenant/a b", Spec{}))
	require.NoError(t, reg.CreateOrUpdateThrottleGroup(ctx, "feed", "other", Spec{}))

	groups, err = reg.GetThrottleGroups(ctx, "web")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"example", "tenant/a b"}, groups)

	got, err := reg.GetThrottleSpec(ctx, "web", "example")
	require.NoError(t, err)
	require.Equal(t, spec, got)

	require.NoError(t, reg.RemoveThrottleGroup(ctx, "web", "example"))
	require.NoError(t, reg.RemoveThrottleGroup(ctx, "web", "example"))
	_, err = reg.GetThrottleSpec(ctx, "web", "example")
	require.ErrorIs(t, err, ErrGroupNotFound)

	groups, err = reg.GetThrottleGroups(ctx, "feed")
	require.NoError(t, err)
	require.Equal(t, []string{"other"}, groups)
}

func TestCreateOrUpdateRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newRegistry(t, memory.New(), Options{})

	require.Error(t, reg.CreateOrUpdateThrottleGroup(ctx, "", "g", Spec{}))
	require.Error(t, reg.CreateOrUpdateThrottleGroup(ctx, "web", " ", Spec{}))
	require.Error(t, reg.CreateOrUpdateThrottleGroup(ctx, "web", "g", Spec{Bins: map[string]BinLimits{
		"b": {MaxOpenConnections: -2},
	}}))
}

func TestKeysEscapeSeparators(t *testing.T) {
	t.Parallel()
	require.Equal(t, "throttle/spec/web/tenant%2Fa%20b", specKey("web", "tenant/a b"))
	key := poolKey{typ: "web", group: "g/1"}
	require.Equal(t, "throttle/demand/web/g%2F1/host:x%2Fy/proc%2F1", demandKey(key, "host:x/y", "proc/1"))
}

func TestSpecUpdateReachesOtherProcessOnPoll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCluster()
	worker := c.join(t, "worker")
	admin := c.join(t, "admin")
	defineGroup(t, admin, "web", "example", map[string]BinLimits{host: {MaxOpenConnections: 1}})

	ct := obtain(t, worker, "web", "example", host)
	require.Equal(t, 1, ct.Limits().MaxOpenConnections)
	require.Equal(t, 1, snapshot(ct, host).share)

	defineGroup(t, admin, "web", "example", map[string]BinLimits{host: {MaxOpenConnections: 3}})
	require.Equal(t, 1, snapshot(ct, host).share, "not seen before the next poll")

	require.NoError(t, worker.Poll(ctx, "web"))
	require.Equal(t, 3, snapshot(ct, host).share)
	require.Equal(t, 3, ct.Limits().MaxOpenConnections)
}

func TestRemovingLiveGroupLiftsLimits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newRegistry(t, memory.New(), Options{})
	defineGroup(t, reg, "web", "example", map[string]BinLimits{host: {MaxOpenConnections: 1}})
	ct := obtain(t, reg, "web", "example", host)
	mustDecide(t, ct, DecisionCreate)

	require.NoError(t, reg.RemoveThrottleGroup(ctx, "web", "example"))
	mustDecide(t, ct, DecisionCreate)
	require.Equal(t, Unbounded, snapshot(ct, host).share)
	ct.NoteConnectionDestroyed()
	ct.NoteConnectionDestroyed()
}

func TestRegistryRequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil, Options{})
	require.Error(t, err)
	_, err = New(memory.New(), nil, Options{})
	require.Error(t, err)
}

func TestApplyGroupsFromYAML(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newRegistry(t, memory.New(), Options{})
	defs, err := LoadGroupsYAML(strings.NewReader(`
groups:
  - type: web
    group: example
    bins:
      host:example.com:
        max_open_connections: 2
        min_ms_per_fetch: 500
  - type: web
    group: open
`))
	require.NoError(t, err)
	require.NoError(t, reg.ApplyGroups(ctx, defs))

	groups, err := reg.GetThrottleGroups(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, []string{"example", "open"}, groups)

	spec, err := reg.GetThrottleSpec(ctx, "web", "example")
	require.NoError(t, err)
	require.Equal(t, BinLimits{MaxOpenConnections: 2, MinMillisecondsPerFetch: 500}, spec.Limits(host))

	bad := []GroupDefinition{{Type: "web", Group: "broken", Bins: map[string]BinLimits{"b": {MaxOpenConnections: -5}}}}
	require.ErrorContains(t, reg.ApplyGroups(ctx, bad), "web/broken")
}
