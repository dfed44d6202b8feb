package reputation

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds reputation scoring parameters. The deltas and threshold are
// deliberately configuration, not constants.
type Config struct {
	// SuccessDelta is added to the score on success.
	SuccessDelta float64 `json:"success_delta"`
	// FailureDelta is subtracted from the score on failure.
	FailureDelta float64 `json:"failure_delta"`
	// QuarantineThreshold: scores strictly below it quarantine the agent.
	QuarantineThreshold float64 `json:"quarantine_threshold"`
	// InitialScore for lazily created records, clamped to [0,1].
	InitialScore float64 `json:"initial_score"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SuccessDelta:        0.1,
		FailureDelta:        0.2,
		QuarantineThreshold: 0.3,
		InitialScore:        1.0,
	}
}

// Record is a per-agent reputation record. Records are never deleted, only
// aggregated into quarantine decisions.
type Record struct {
	AgentID      string    `json:"agent_id"`
	Score        float64   `json:"score"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tracker maintains reputation records keyed by agent id.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	config  Config
	logger  *zap.Logger
}

// NewTracker creates a tracker with the given config.
func NewTracker(config Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.InitialScore == 0 && config.SuccessDelta == 0 && config.FailureDelta == 0 {
		config = DefaultConfig()
	}
	return &Tracker{
		records: make(map[string]*Record),
		config:  config,
		logger:  logger.With(zap.String("component", "reputation_tracker")),
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Initialize creates a record with the given score, clamped to [0,1].
// Idempotent: an existing record is never overwritten.
func (t *Tracker) Initialize(agentID string, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[agentID]; ok {
		return
	}
	t.records[agentID] = &Record{
		AgentID:   agentID,
		Score:     clamp(score),
		UpdatedAt: time.Now(),
	}
}

// getOrCreateLocked lazily creates a default record. Caller holds t.mu.
func (t *Tracker) getOrCreateLocked(agentID string) *Record {
	rec, ok := t.records[agentID]
	if !ok {
		rec = &Record{
			AgentID:   agentID,
			Score:     clamp(t.config.InitialScore),
			UpdatedAt: time.Now(),
		}
		t.records[agentID] = rec
	}
	return rec
}

// RecordSuccess bumps the agent's score by the success delta, clamped.
func (t *Tracker) RecordSuccess(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.getOrCreateLocked(agentID)
	rec.Score = clamp(rec.Score + t.config.SuccessDelta)
	rec.SuccessCount++
	rec.UpdatedAt = time.Now()
}

// RecordFailure drops the agent's score by the failure delta, clamped.
func (t *Tracker) RecordFailure(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.getOrCreateLocked(agentID)
	rec.Score = clamp(rec.Score - t.config.FailureDelta)
	rec.FailureCount++
	rec.UpdatedAt = time.Now()

	if rec.Score < t.config.QuarantineThreshold {
		t.logger.Warn("agent score below quarantine threshold",
			zap.String("agent_id", agentID),
			zap.Float64("score", rec.Score))
	}
}

// Score returns the agent's current score and whether a record exists.
func (t *Tracker) Score(agentID string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[agentID]
	if !ok {
		return 0, false
	}
	return rec.Score, true
}

// Get returns a copy of the agent's record.
func (t *Tracker) Get(agentID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ShouldQuarantine reports whether the agent's score is strictly below the
// quarantine threshold. Unknown agents are not quarantined.
func (t *Tracker) ShouldQuarantine(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[agentID]
	if !ok {
		return false
	}
	return rec.Score < t.config.QuarantineThreshold
}

// Snapshot returns a copy of all records for lock-free scoring.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Record, len(t.records))
	for id, rec := range t.records {
		out[id] = *rec
	}
	return out
}
