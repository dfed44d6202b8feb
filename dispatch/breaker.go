package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the per-agent breaker state.
type CircuitState int

const (
	// CircuitClosed allows requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows probe requests; the next outcome decides.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	// FailureThreshold: consecutive failures that open the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// ResetTimeout: cool-down before an open circuit admits a probe.
	ResetTimeout time.Duration `json:"reset_timeout"`
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// StateChange describes a breaker transition.
type StateChange struct {
	AgentID   string       `json:"agent_id"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Failures  int          `json:"failures"`
	Timestamp time.Time    `json:"timestamp"`
}

// breaker holds one agent's circuit state. All fields guarded by the
// registry mutex.
type breaker struct {
	state           CircuitState
	failures        int
	lastFailureTime time.Time
}

// BreakerRegistry maintains per-agent circuit breakers. The dispatch path
// consults it; only execution outcomes mutate it.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	onChange func(StateChange)
	logger   *zap.Logger
	// now is swappable for tests.
	now func() time.Time
}

// NewBreakerRegistry creates a breaker registry.
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config = DefaultBreakerConfig()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		logger:   logger.With(zap.String("component", "breaker_registry")),
		now:      time.Now,
	}
}

// OnStateChange registers a transition callback. Invoked outside the lock.
func (r *BreakerRegistry) OnStateChange(fn func(StateChange)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *BreakerRegistry) getLocked(agentID string) *breaker {
	b, ok := r.breakers[agentID]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[agentID] = b
	}
	return b
}

// tickLocked applies the automatic open → half-open transition when the
// reset timeout has elapsed. Returns the pending change, if any.
func (r *BreakerRegistry) tickLocked(agentID string, b *breaker) (StateChange, bool) {
	if b.state == CircuitOpen && r.now().Sub(b.lastFailureTime) >= r.config.ResetTimeout {
		change := StateChange{
			AgentID: agentID, OldState: CircuitOpen, NewState: CircuitHalfOpen,
			Failures: b.failures, Timestamp: r.now(),
		}
		b.state = CircuitHalfOpen
		return change, true
	}
	return StateChange{}, false
}

// State returns the agent's current breaker state, applying the lazy
// open → half-open transition first. Unknown agents are closed.
func (r *BreakerRegistry) State(agentID string) CircuitState {
	r.mu.Lock()
	b := r.getLocked(agentID)
	change, changed := r.tickLocked(agentID, b)
	state := b.state
	r.mu.Unlock()

	if changed {
		r.notify(change)
	}
	return state
}

// Allow reports whether dispatch to the agent may proceed. Closed and
// half-open circuits admit requests; open circuits do not.
func (r *BreakerRegistry) Allow(agentID string) bool {
	return r.State(agentID) != CircuitOpen
}

// RecordSuccess resets the failure counter and closes a half-open circuit.
// An open circuit first passes through half-open (lazy tick), so the
// open → closed path never skips the probe state.
func (r *BreakerRegistry) RecordSuccess(agentID string) {
	r.mu.Lock()
	b := r.getLocked(agentID)
	tickChange, ticked := r.tickLocked(agentID, b)

	var change StateChange
	var changed bool
	if b.state == CircuitHalfOpen {
		change = StateChange{
			AgentID: agentID, OldState: CircuitHalfOpen, NewState: CircuitClosed,
			Timestamp: r.now(),
		}
		b.state = CircuitClosed
		changed = true
	}
	b.failures = 0
	r.mu.Unlock()

	if ticked {
		r.notify(tickChange)
	}
	if changed {
		r.notify(change)
	}
}

// RecordFailure increments the consecutive-failure counter. Crossing the
// threshold, or failing while half-open, opens the circuit.
func (r *BreakerRegistry) RecordFailure(agentID string) {
	r.mu.Lock()
	b := r.getLocked(agentID)
	tickChange, ticked := r.tickLocked(agentID, b)

	b.failures++
	b.lastFailureTime = r.now()

	var change StateChange
	var changed bool
	switch {
	case b.state == CircuitHalfOpen:
		change = StateChange{
			AgentID: agentID, OldState: CircuitHalfOpen, NewState: CircuitOpen,
			Failures: b.failures, Timestamp: r.now(),
		}
		b.state = CircuitOpen
		changed = true
	case b.state == CircuitClosed && b.failures >= r.config.FailureThreshold:
		change = StateChange{
			AgentID: agentID, OldState: CircuitClosed, NewState: CircuitOpen,
			Failures: b.failures, Timestamp: r.now(),
		}
		b.state = CircuitOpen
		changed = true
	}
	r.mu.Unlock()

	if ticked {
		r.notify(tickChange)
	}
	if changed {
		r.logger.Warn("circuit opened",
			zap.String("agent_id", agentID),
			zap.Int("failures", change.Failures))
		r.notify(change)
	}
}

// Reset clears the agent's breaker back to closed. Manual recovery hook.
func (r *BreakerRegistry) Reset(agentID string) {
	r.mu.Lock()
	delete(r.breakers, agentID)
	r.mu.Unlock()
}

func (r *BreakerRegistry) notify(change StateChange) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}
