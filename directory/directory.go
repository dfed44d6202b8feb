package directory

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// Config holds directory settings.
type Config struct {
	// SweepInterval between health sweeps.
	SweepInterval time.Duration `json:"sweep_interval"`
	// DegradedAfter: heartbeat age beyond which an online agent degrades.
	DegradedAfter time.Duration `json:"degraded_after"`
	// OfflineAfter: heartbeat age beyond which an agent goes offline.
	OfflineAfter time.Duration `json:"offline_after"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		DegradedAfter: 90 * time.Second,
		OfflineAfter:  5 * time.Minute,
	}
}

// EventType identifies a directory change event.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventDeregistered EventType = "deregistered"
	EventStatusChange EventType = "status_change"
	EventHeartbeat    EventType = "heartbeat"
)

// Event describes a directory change.
type Event struct {
	Type      EventType         `json:"type"`
	AgentID   string            `json:"agent_id"`
	OldStatus types.AgentStatus `json:"old_status,omitempty"`
	NewStatus types.AgentStatus `json:"new_status,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventHandler receives directory change events.
type EventHandler func(Event)

// Directory is the in-memory agent directory with a capability index.
type Directory struct {
	mu sync.RWMutex

	// agents stores registered agents by id.
	agents map[string]*types.Agent

	// capabilityIndex maps capability name -> set of agent ids.
	capabilityIndex map[string]map[string]struct{}

	handlerMu sync.RWMutex
	handlers  map[int]EventHandler
	nextID    int

	config Config
	logger *zap.Logger

	sweepMu      sync.Mutex
	sweepCancel  chan struct{}
	sweepRunning bool
}

// New creates an agent directory.
func New(config Config, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SweepInterval == 0 {
		config = DefaultConfig()
	}
	return &Directory{
		agents:          make(map[string]*types.Agent),
		capabilityIndex: make(map[string]map[string]struct{}),
		handlers:        make(map[int]EventHandler),
		config:          config,
		logger:          logger.With(zap.String("component", "agent_directory")),
	}
}

// Register adds or updates an agent. A re-registration replaces capabilities
// and metadata but preserves the original registration time.
func (d *Directory) Register(agent *types.Agent) error {
	if agent == nil || agent.ID == "" {
		return types.NewError(types.ErrNotFound, "agent id is required")
	}

	cp := agent.Clone()
	now := time.Now()
	if cp.Status == "" {
		cp.Status = types.AgentOnline
	}
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = now
	}
	cp.RegisteredAt = now

	d.mu.Lock()
	if prev, ok := d.agents[cp.ID]; ok {
		cp.RegisteredAt = prev.RegisteredAt
		d.unindexLocked(prev)
	}
	d.agents[cp.ID] = cp
	d.indexLocked(cp)
	d.mu.Unlock()

	d.logger.Info("agent registered",
		zap.String("agent_id", cp.ID),
		zap.Int("capabilities", len(cp.Capabilities)))
	d.emit(Event{Type: EventRegistered, AgentID: cp.ID, NewStatus: cp.Status, Timestamp: now})
	return nil
}

// Deregister soft-removes an agent by flipping it offline. Records are kept
// so in-flight tasks can still resolve the agent.
func (d *Directory) Deregister(agentID string) error {
	d.mu.Lock()
	agent, ok := d.agents[agentID]
	var old types.AgentStatus
	if ok {
		old = agent.Status
		agent.Status = types.AgentOffline
	}
	d.mu.Unlock()

	if !ok {
		return types.NewErrorf(types.ErrNotFound, "agent %s not found", agentID)
	}
	d.emit(Event{
		Type: EventDeregistered, AgentID: agentID,
		OldStatus: old, NewStatus: types.AgentOffline, Timestamp: time.Now(),
	})
	return nil
}

// Heartbeat stamps the agent's last-heartbeat time. A degraded agent
// recovers to online; offline and quarantined agents stay as they are until
// an explicit status update.
func (d *Directory) Heartbeat(agentID string) error {
	d.mu.Lock()
	agent, ok := d.agents[agentID]
	var recovered bool
	var old types.AgentStatus
	if ok {
		agent.LastHeartbeat = time.Now()
		if agent.Status == types.AgentDegraded {
			old = agent.Status
			agent.Status = types.AgentOnline
			recovered = true
		}
	}
	d.mu.Unlock()

	if !ok {
		return types.NewErrorf(types.ErrNotFound, "agent %s not found", agentID)
	}
	if recovered {
		d.emit(Event{
			Type: EventStatusChange, AgentID: agentID,
			OldStatus: old, NewStatus: types.AgentOnline, Timestamp: time.Now(),
		})
	}
	return nil
}

// SetStatus transitions an agent's status explicitly (e.g. quarantine).
func (d *Directory) SetStatus(agentID string, status types.AgentStatus) error {
	d.mu.Lock()
	agent, ok := d.agents[agentID]
	var old types.AgentStatus
	if ok {
		old = agent.Status
		agent.Status = status
	}
	d.mu.Unlock()

	if !ok {
		return types.NewErrorf(types.ErrNotFound, "agent %s not found", agentID)
	}
	if old != status {
		d.emit(Event{
			Type: EventStatusChange, AgentID: agentID,
			OldStatus: old, NewStatus: status, Timestamp: time.Now(),
		})
	}
	return nil
}

// SetReputation mirrors the tracker's score onto the directory record so
// routing snapshots carry it.
func (d *Directory) SetReputation(agentID string, score float64) {
	d.mu.Lock()
	if agent, ok := d.agents[agentID]; ok {
		agent.Reputation = score
	}
	d.mu.Unlock()
}

// Get returns a copy of the agent.
func (d *Directory) Get(agentID string) (*types.Agent, error) {
	d.mu.RLock()
	agent, ok := d.agents[agentID]
	d.mu.RUnlock()

	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "agent %s not found", agentID)
	}
	return agent.Clone(), nil
}

// Exists reports whether the agent is registered.
func (d *Directory) Exists(agentID string) bool {
	d.mu.RLock()
	_, ok := d.agents[agentID]
	d.mu.RUnlock()
	return ok
}

// List returns copies of all agents sorted by id. The stable order makes
// routing deterministic for a fixed agent set.
func (d *Directory) List() []*types.Agent {
	d.mu.RLock()
	out := make([]*types.Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		out = append(out, agent.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns copies of agents declaring the capability,
// sorted by id.
func (d *Directory) FindByCapability(name string) []*types.Agent {
	d.mu.RLock()
	ids := d.capabilityIndex[name]
	out := make([]*types.Agent, 0, len(ids))
	for id := range ids {
		if agent, ok := d.agents[id]; ok {
			out = append(out, agent.Clone())
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers an event handler and returns an unsubscribe func.
func (d *Directory) Subscribe(h EventHandler) func() {
	d.handlerMu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	d.handlerMu.Unlock()

	return func() {
		d.handlerMu.Lock()
		delete(d.handlers, id)
		d.handlerMu.Unlock()
	}
}

// emit delivers the event to all handlers, isolating panics so one handler
// cannot abort notification of the rest.
func (d *Directory) emit(ev Event) {
	d.handlerMu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.handlerMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("directory event handler panicked", zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}

// indexLocked adds the agent to the capability index. Caller holds d.mu.
func (d *Directory) indexLocked(agent *types.Agent) {
	add := func(name string) {
		if name == "" {
			return
		}
		set, ok := d.capabilityIndex[name]
		if !ok {
			set = make(map[string]struct{})
			d.capabilityIndex[name] = set
		}
		set[agent.ID] = struct{}{}
	}
	add(agent.Type)
	for _, c := range agent.Capabilities {
		add(c.Name)
	}
}

// unindexLocked removes the agent from the capability index. Caller holds d.mu.
func (d *Directory) unindexLocked(agent *types.Agent) {
	remove := func(name string) {
		if set, ok := d.capabilityIndex[name]; ok {
			delete(set, agent.ID)
			if len(set) == 0 {
				delete(d.capabilityIndex, name)
			}
		}
	}
	remove(agent.Type)
	for _, c := range agent.Capabilities {
		remove(c.Name)
	}
}
