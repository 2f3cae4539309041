package master

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/buildfleet/internal/capability"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/pkg/types"
)

func testIdentity(t *testing.T, name string) secure.PublicIdentity {
	t.Helper()
	id, err := secure.GenerateIdentity(name)
	require.NoError(t, err)
	return id.Public()
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry(nil)
	assert.NotNil(t, registry)
	assert.Equal(t, 0, registry.Count())
	assert.Empty(t, registry.IdleSlaves())
}

func TestMarkIdleInsertsAndOverwrites(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(clock.Now)
	pub := testIdentity(t, "s1")

	prev, existed := registry.MarkIdle("s1", capability.MustNew("linux"), pub)
	assert.False(t, existed)
	assert.Equal(t, SlaveRecord{}, prev)

	connectedAt := clock.Now()
	clock.Advance(time.Minute)
	require.NoError(t, registry.MarkDispatched("s1", "cmd-1"))

	prev, existed = registry.MarkIdle("s1", capability.MustNew("linux", "docker"), pub)
	assert.True(t, existed)
	assert.Equal(t, types.SlaveStateDispatched, prev.State)
	assert.Equal(t, types.CommandID("cmd-1"), prev.CommandID)

	rec, ok := registry.Get("s1")
	require.True(t, ok)
	assert.Equal(t, types.SlaveStateIdle, rec.State)
	assert.Empty(t, rec.CommandID)
	assert.Equal(t, 2, rec.Capabilities.Len())
	assert.Equal(t, connectedAt, rec.ConnectedAt)
	assert.Equal(t, clock.Now(), rec.LastSeen)
}

func TestMarkDispatchedErrors(t *testing.T) {
	registry := NewRegistry(nil)

	err := registry.MarkDispatched("ghost", "cmd")
	assert.ErrorIs(t, err, ErrSlaveNotFound)

	registry.MarkIdle("s1", capability.Set{}, testIdentity(t, "s1"))
	require.NoError(t, registry.MarkDispatched("s1", "cmd"))
	err = registry.MarkDispatched("s1", "cmd-2")
	assert.ErrorIs(t, err, ErrNotIdle)

	rec, _ := registry.Get("s1")
	assert.Equal(t, types.CommandID("cmd"), rec.CommandID)
}

func TestRemove(t *testing.T) {
	registry := NewRegistry(nil)
	registry.MarkIdle("s1", capability.MustNew("linux"), testIdentity(t, "s1"))

	rec, ok := registry.Remove("s1")
	assert.True(t, ok)
	assert.Equal(t, types.SlaveID("s1"), rec.ID)
	assert.Equal(t, 0, registry.Count())

	_, ok = registry.Remove("s1")
	assert.False(t, ok)
}

func TestIdleSlavesSortedAndFiltered(t *testing.T) {
	registry := NewRegistry(nil)
	for _, id := range []types.SlaveID{"c", "a", "b"} {
		registry.MarkIdle(id, capability.MustNew("linux"), testIdentity(t, string(id)))
	}
	require.NoError(t, registry.MarkDispatched("b", "cmd"))

	idle := registry.IdleSlaves()
	require.Len(t, idle, 2)
	assert.Equal(t, types.SlaveID("a"), idle[0].ID)
	assert.Equal(t, types.SlaveID("c"), idle[1].ID)
	assert.Equal(t, 3, registry.Count())
	assert.Equal(t, 2, registry.CountIdle())

	list := registry.List()
	require.Len(t, list, 3)
	assert.Equal(t, types.SlaveID("b"), list[1].ID)
}

func TestStaleDispatchedAndTouch(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(clock.Now)
	registry.MarkIdle("idle", capability.Set{}, testIdentity(t, "idle"))
	registry.MarkIdle("busy", capability.Set{}, testIdentity(t, "busy"))
	registry.MarkIdle("chatty", capability.Set{}, testIdentity(t, "chatty"))
	require.NoError(t, registry.MarkDispatched("busy", "c1"))
	require.NoError(t, registry.MarkDispatched("chatty", "c2"))

	clock.Advance(90 * time.Second)
	assert.True(t, registry.Touch("chatty"))
	assert.False(t, registry.Touch("ghost"))

	stale := registry.StaleDispatched(clock.Now(), time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, types.SlaveID("busy"), stale[0].ID)
}

func TestSlaveRecordInfo(t *testing.T) {
	rec := SlaveRecord{
		ID:           "\x01\xff",
		Capabilities: capability.MustNew("b", "a"),
		State:        types.SlaveStateDispatched,
		CommandID:    "cmd",
	}
	info := rec.Info()
	assert.Equal(t, []string{"a", "b"}, info.Capabilities)
	assert.Equal(t, "01ff", info.ID.String())
	assert.Equal(t, types.CommandID("cmd"), info.CommandID)
}

func TestWatchSlaves(t *testing.T) {
	registry := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	events := registry.WatchSlaves(ctx)

	registry.MarkIdle("s1", capability.Set{}, testIdentity(t, "s1"))
	require.NoError(t, registry.MarkDispatched("s1", "cmd"))
	registry.Remove("s1")

	want := []types.SlaveEventType{types.SlaveEventIdle, types.SlaveEventDispatched, types.SlaveEventRemoved}
	for _, typ := range want {
		select {
		case ev := <-events:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, types.SlaveID("s1"), ev.SlaveID)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}
