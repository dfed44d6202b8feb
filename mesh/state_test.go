package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexweave/taskmesh/types"
)

func newTestStore(t *testing.T, nodeID string) (*StateStore, *time.Time) {
	t.Helper()
	s := NewStateStore(nodeID, DefaultStateStoreConfig(), nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestStateStoreSetGet(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "n1")

	change := s.Set("config/mode", []byte("active"))
	assert.EqualValues(t, 1, change.Version)
	assert.Equal(t, "n1", change.SourceNode)

	got, ok := s.Get("config/mode")
	require.True(t, ok)
	assert.Equal(t, []byte("active"), got)

	change = s.Set("config/mode", []byte("draining"))
	assert.EqualValues(t, 2, change.Version)
	assert.Equal(t, []byte("active"), change.OldValue)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStateStoreVersionsIncreasePerKey(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "n1")

	var last uint64
	for i := 0; i < 5; i++ {
		change := s.Set("k", []byte{byte(i)})
		require.Greater(t, change.Version, last)
		last = change.Version
	}
	// Versions are per key.
	assert.EqualValues(t, 1, s.Set("other", []byte("x")).Version)
}

func TestStateStoreDelete(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "n1")
	s.Set("k", []byte("v"))

	var seen []StateChange
	s.Subscribe(func(c StateChange) { seen = append(seen, c) })

	change, ok := s.DeleteChange("k")
	require.True(t, ok)
	assert.Nil(t, change.NewValue)
	assert.Equal(t, []byte("v"), change.OldValue)
	assert.EqualValues(t, 2, change.Version)

	_, exists := s.Get("k")
	assert.False(t, exists)

	require.Len(t, seen, 1)
	assert.Nil(t, seen[0].NewValue)

	// Deleting an absent key is a no-op.
	_, ok = s.DeleteChange("k")
	assert.False(t, ok)
	assert.Len(t, seen, 1)
}

func TestStateStoreSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "n1")

	count := 0
	cancel := s.Subscribe(func(StateChange) { count++ })
	s.Set("a", []byte("1"))
	cancel()
	s.Set("a", []byte("2"))
	assert.Equal(t, 1, count)
}

func TestStateStoreSubscriberPanicIsolated(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "n1")

	s.Subscribe(func(StateChange) { panic("boom") })
	reached := false
	s.Subscribe(func(StateChange) { reached = true })

	assert.NotPanics(t, func() { s.Set("k", []byte("v")) })
	assert.True(t, reached, "panic in one subscriber must not starve the rest")
}

func TestStateStoreApplyRemoteFreshness(t *testing.T) {
	t.Parallel()
	s, now := newTestStore(t, "n1")

	stale := StateChange{
		Key: "k", NewValue: []byte("v"), Version: 1,
		Timestamp: now.Add(-61 * time.Second), SourceNode: "n2",
	}
	err := s.ApplyRemote(stale)
	assert.True(t, types.IsCode(err, types.ErrStaleChange))

	// A future-dated change outside the window is rejected the same way.
	ahead := stale
	ahead.Timestamp = now.Add(61 * time.Second)
	assert.True(t, types.IsCode(s.ApplyRemote(ahead), types.ErrStaleChange))

	fresh := stale
	fresh.Timestamp = now.Add(-30 * time.Second)
	require.NoError(t, s.ApplyRemote(fresh))
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestStateStoreApplyRemoteRecencyWins(t *testing.T) {
	t.Parallel()
	s, now := newTestStore(t, "n1")

	s.Set("k", []byte("local"))

	older := StateChange{
		Key: "k", NewValue: []byte("old-remote"), Version: 9,
		Timestamp: now.Add(-time.Second), SourceNode: "n2",
	}
	assert.True(t, types.IsCode(s.ApplyRemote(older), types.ErrStaleChange))

	newer := StateChange{
		Key: "k", NewValue: []byte("new-remote"), Version: 1,
		Timestamp: now.Add(time.Second), SourceNode: "n2",
	}
	require.NoError(t, s.ApplyRemote(newer))
	got, _ := s.Get("k")
	assert.Equal(t, []byte("new-remote"), got)
}

func TestStateStoreApplyRemoteTieBreak(t *testing.T) {
	t.Parallel()
	s, now := newTestStore(t, "n1")

	base := StateChange{
		Key: "k", NewValue: []byte("from-n5"), Version: 1,
		Timestamp: *now, SourceNode: "n5",
	}
	require.NoError(t, s.ApplyRemote(base))

	// Same timestamp from a lower-ordered node loses.
	lower := base
	lower.SourceNode = "n2"
	lower.NewValue = []byte("from-n2")
	assert.True(t, types.IsCode(s.ApplyRemote(lower), types.ErrStaleChange))

	// Same timestamp from a higher-ordered node wins.
	higher := base
	higher.SourceNode = "n9"
	higher.NewValue = []byte("from-n9")
	require.NoError(t, s.ApplyRemote(higher))
	got, _ := s.Get("k")
	assert.Equal(t, []byte("from-n9"), got)
}

func TestStateStoreApplyRemoteVersionNeverRegresses(t *testing.T) {
	t.Parallel()
	s, now := newTestStore(t, "n1")

	for i := 0; i < 4; i++ {
		s.Set("k", []byte{byte(i)})
	}
	require.EqualValues(t, 4, s.Version("k"))

	remote := StateChange{
		Key: "k", NewValue: []byte("remote"), Version: 2,
		Timestamp: now.Add(time.Second), SourceNode: "n2",
	}
	require.NoError(t, s.ApplyRemote(remote))
	assert.EqualValues(t, 5, s.Version("k"), "applied version is max(remote, local+1)")
}

func TestStateStoreApplyRemoteDelete(t *testing.T) {
	t.Parallel()
	s, now := newTestStore(t, "n1")
	s.Set("k", []byte("v"))

	del := StateChange{
		Key: "k", NewValue: nil, Version: 2,
		Timestamp: now.Add(time.Second), SourceNode: "n2",
	}
	require.NoError(t, s.ApplyRemote(del))
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestStateStoreKeys(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "n1")
	s.Set("b", []byte("1"))
	s.Set("a", []byte("2"))
	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())
}
