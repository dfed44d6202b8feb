package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexweave/taskmesh/types"
)

func testAgent(id string, caps ...string) *types.Agent {
	a := &types.Agent{ID: id, Status: types.AgentOnline, Reputation: 1.0}
	for _, c := range caps {
		a.Capabilities = append(a.Capabilities, types.Capability{Name: c})
	}
	return a
}

func TestDirectory_RegisterAndGet(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	require.NoError(t, d.Register(testAgent("a1", "translate")))

	got, err := d.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, types.AgentOnline, got.Status)
	assert.False(t, got.LastHeartbeat.IsZero())

	_, err = d.Get("missing")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestDirectory_RegisterRequiresID(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	assert.Error(t, d.Register(&types.Agent{}))
	assert.Error(t, d.Register(nil))
}

func TestDirectory_DeregisterIsSoft(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	require.NoError(t, d.Register(testAgent("a1")))
	require.NoError(t, d.Deregister("a1"))

	// The record survives with offline status; in-flight tasks can still
	// resolve the agent.
	got, err := d.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOffline, got.Status)

	assert.Error(t, d.Deregister("missing"))
}

func TestDirectory_CapabilityIndex(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	require.NoError(t, d.Register(testAgent("b", "translate", "summarize")))
	require.NoError(t, d.Register(testAgent("a", "translate")))
	require.NoError(t, d.Register(testAgent("c", "paint")))

	translators := d.FindByCapability("translate")
	require.Len(t, translators, 2)
	// Sorted by id for deterministic routing.
	assert.Equal(t, "a", translators[0].ID)
	assert.Equal(t, "b", translators[1].ID)

	// Re-registration with different capabilities reindexes.
	require.NoError(t, d.Register(testAgent("a", "paint")))
	assert.Len(t, d.FindByCapability("translate"), 1)
	assert.Len(t, d.FindByCapability("paint"), 2)
}

func TestDirectory_AgentTypeIsIndexed(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	agent := testAgent("a1")
	agent.Type = "analyzer"
	require.NoError(t, d.Register(agent))

	found := d.FindByCapability("analyzer")
	require.Len(t, found, 1)
	assert.Equal(t, "a1", found[0].ID)
}

func TestDirectory_HeartbeatRecoversDegraded(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	require.NoError(t, d.Register(testAgent("a1")))
	require.NoError(t, d.SetStatus("a1", types.AgentDegraded))

	require.NoError(t, d.Heartbeat("a1"))
	got, _ := d.Get("a1")
	assert.Equal(t, types.AgentOnline, got.Status)

	// Offline agents do not recover on heartbeat alone.
	require.NoError(t, d.SetStatus("a1", types.AgentOffline))
	require.NoError(t, d.Heartbeat("a1"))
	got, _ = d.Get("a1")
	assert.Equal(t, types.AgentOffline, got.Status)
}

func TestDirectory_ListIsSortedSnapshot(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	require.NoError(t, d.Register(testAgent("c")))
	require.NoError(t, d.Register(testAgent("a")))
	require.NoError(t, d.Register(testAgent("b")))

	list := d.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})

	// Mutating the snapshot must not leak into the directory.
	list[0].Status = types.AgentOffline
	got, _ := d.Get("a")
	assert.Equal(t, types.AgentOnline, got.Status)
}

func TestDirectory_SweepTransitions(t *testing.T) {
	t.Parallel()

	cfg := Config{
		SweepInterval: time.Hour, // sweep driven manually
		DegradedAfter: 50 * time.Millisecond,
		OfflineAfter:  200 * time.Millisecond,
	}
	d := New(cfg, nil)

	stale := testAgent("stale")
	stale.LastHeartbeat = time.Now().Add(-100 * time.Millisecond)
	require.NoError(t, d.Register(stale))
	// Register stamps heartbeat only when zero, so make it old explicitly.
	d.mu.Lock()
	d.agents["stale"].LastHeartbeat = time.Now().Add(-100 * time.Millisecond)
	d.mu.Unlock()

	d.SweepOnce()
	got, _ := d.Get("stale")
	assert.Equal(t, types.AgentDegraded, got.Status)

	d.mu.Lock()
	d.agents["stale"].LastHeartbeat = time.Now().Add(-time.Second)
	d.mu.Unlock()

	d.SweepOnce()
	got, _ = d.Get("stale")
	assert.Equal(t, types.AgentOffline, got.Status)
}

func TestDirectory_SweepStartStopIdempotent(t *testing.T) {
	t.Parallel()

	d := New(Config{SweepInterval: 10 * time.Millisecond, DegradedAfter: time.Hour, OfflineAfter: 2 * time.Hour}, nil)
	d.StartHealthSweep()
	d.StartHealthSweep() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	d.StopHealthSweep()
	d.StopHealthSweep() // second stop is a no-op
}

func TestDirectory_EventsAndPanicIsolation(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)

	var events []Event
	d.Subscribe(func(Event) { panic("bad subscriber") })
	unsub := d.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, d.Register(testAgent("a1")))
	require.NoError(t, d.SetStatus("a1", types.AgentQuarantined))

	require.Len(t, events, 2)
	assert.Equal(t, EventRegistered, events[0].Type)
	assert.Equal(t, EventStatusChange, events[1].Type)
	assert.Equal(t, types.AgentQuarantined, events[1].NewStatus)

	unsub()
	require.NoError(t, d.Heartbeat("a1"))
	assert.Len(t, events, 2)
}
