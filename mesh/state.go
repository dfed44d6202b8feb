package mesh

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// StateChange is the immutable record delivered to subscribers and shipped
// to peers for replication.
type StateChange struct {
	Key        string    `json:"key"`
	OldValue   []byte    `json:"old_value,omitempty"`
	NewValue   []byte    `json:"new_value,omitempty"`
	Version    uint64    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	SourceNode string    `json:"source_node"`
}

// stateEntry is one key's stored state.
type stateEntry struct {
	value      []byte
	version    uint64
	updatedAt  time.Time
	sourceNode string
}

// StateStoreConfig configures replication acceptance.
type StateStoreConfig struct {
	// Freshness window for remote changes: a change older than this
	// relative to local now is rejected as stale.
	Freshness time.Duration `json:"freshness"`
}

// DefaultStateStoreConfig returns the documented default.
func DefaultStateStoreConfig() StateStoreConfig {
	return StateStoreConfig{Freshness: 60 * time.Second}
}

// StateStore is the replicated key/value view of cluster state. Local writes
// always succeed and bump the per-key version; remote changes are accepted
// under a last-write-wins-by-recency policy.
//
// The policy is deliberately weak: it is not causal and can lose updates
// under clock skew or partition. It preserves best-effort semantics, not a
// consistency guarantee.
type StateStore struct {
	mu          sync.Mutex
	nodeID      string
	entries     map[string]*stateEntry
	subscribers map[int]func(StateChange)
	nextSub     int
	config      StateStoreConfig
	logger      *zap.Logger
	// now is swappable for tests.
	now func() time.Time
}

// NewStateStore creates a state store owned by the given node.
func NewStateStore(nodeID string, config StateStoreConfig, logger *zap.Logger) *StateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Freshness <= 0 {
		config = DefaultStateStoreConfig()
	}
	return &StateStore{
		nodeID:      nodeID,
		entries:     make(map[string]*stateEntry),
		subscribers: make(map[int]func(StateChange)),
		config:      config,
		logger:      logger.With(zap.String("component", "state_store")),
		now:         time.Now,
	}
}

// Set writes the key locally. Always succeeds; the key's version strictly
// increases and all subscribers are notified synchronously.
func (s *StateStore) Set(key string, value []byte) StateChange {
	s.mu.Lock()
	entry, ok := s.entries[key]
	var old []byte
	var version uint64 = 1
	if ok {
		old = entry.value
		version = entry.version + 1
	}
	now := s.now()
	s.entries[key] = &stateEntry{
		value:      append([]byte(nil), value...),
		version:    version,
		updatedAt:  now,
		sourceNode: s.nodeID,
	}
	change := StateChange{
		Key:        key,
		OldValue:   old,
		NewValue:   append([]byte(nil), value...),
		Version:    version,
		Timestamp:  now,
		SourceNode: s.nodeID,
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, change)
	return change
}

// Get returns the key's value. Missing keys return ok=false.
func (s *StateStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), entry.value...), true
}

// Version returns the key's current version, zero when absent.
func (s *StateStore) Version(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		return entry.version
	}
	return 0
}

// Delete removes the key and notifies subscribers with a nil NewValue.
// Deleting an absent key is a no-op.
func (s *StateStore) Delete(key string) {
	s.DeleteChange(key)
}

// DeleteChange deletes the key and returns the resulting change for
// replication. The second return is false when the key was absent.
func (s *StateStore) DeleteChange(key string) (StateChange, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return StateChange{}, false
	}
	old := entry.value
	version := entry.version + 1
	delete(s.entries, key)
	change := StateChange{
		Key:        key,
		OldValue:   old,
		Version:    version,
		Timestamp:  s.now(),
		SourceNode: s.nodeID,
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, change)
	return change, true
}

// Keys returns all stored keys.
func (s *StateStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Subscribe registers a synchronous change listener and returns an
// unsubscribe func. A panicking subscriber never aborts notification of the
// remaining subscribers.
func (s *StateStore) Subscribe(fn func(StateChange)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// ApplyRemote is the replication entry point. The change is accepted only
// when its timestamp falls within the freshness window of local now
// (last-write-wins-by-recency). For an existing key, an older remote write
// loses; an equal timestamp resolves deterministically by source-node id
// ordering. Versions never move backward: the applied version is the
// maximum of the remote version and local version + 1.
func (s *StateStore) ApplyRemote(change StateChange) error {
	s.mu.Lock()

	now := s.now()
	age := now.Sub(change.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > s.config.Freshness {
		s.mu.Unlock()
		return types.NewErrorf(types.ErrStaleChange,
			"remote change for %q outside freshness window (%s)", change.Key, age)
	}

	entry, ok := s.entries[change.Key]
	if ok {
		if change.Timestamp.Before(entry.updatedAt) {
			s.mu.Unlock()
			return types.NewErrorf(types.ErrStaleChange,
				"remote change for %q older than local state", change.Key)
		}
		if change.Timestamp.Equal(entry.updatedAt) && change.SourceNode <= entry.sourceNode {
			s.mu.Unlock()
			return types.NewErrorf(types.ErrStaleChange,
				"remote change for %q loses timestamp tie", change.Key)
		}
	}

	var old []byte
	version := change.Version
	if ok {
		old = entry.value
		if entry.version+1 > version {
			version = entry.version + 1
		}
	}

	if change.NewValue == nil {
		delete(s.entries, change.Key)
	} else {
		s.entries[change.Key] = &stateEntry{
			value:      append([]byte(nil), change.NewValue...),
			version:    version,
			updatedAt:  change.Timestamp,
			sourceNode: change.SourceNode,
		}
	}

	applied := StateChange{
		Key:        change.Key,
		OldValue:   old,
		NewValue:   change.NewValue,
		Version:    version,
		Timestamp:  change.Timestamp,
		SourceNode: change.SourceNode,
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, applied)
	return nil
}

// subscribersLocked snapshots the subscriber list. Caller holds s.mu.
func (s *StateStore) subscribersLocked() []func(StateChange) {
	out := make([]func(StateChange), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		out = append(out, fn)
	}
	return out
}

func (s *StateStore) notify(subs []func(StateChange), change StateChange) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("state subscriber panicked",
						zap.String("key", change.Key),
						zap.Any("panic", r))
				}
			}()
			fn(change)
		}()
	}
}
