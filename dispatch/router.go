package dispatch

import (
	"time"

	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// Scoring weights for the linear candidate score. The base keeps every
// surviving candidate above zero so disqualification is expressed by
// filtering, not by a low score.
const (
	scoreBase            = 0.5
	weightReputation     = 0.4
	weightCapability     = 0.3
	weightOnline         = 0.2
	weightFreshHeartbeat = 0.1

	// minReputation: candidates at or below this are filtered out.
	minReputation = 0.3

	// fallbackConfidence for the cheap alternative-agent path.
	fallbackConfidence = 0.5
)

// AgentLister supplies routing candidates. Implemented by directory.Directory;
// List must return a snapshot sorted by agent id so selection is
// deterministic for a fixed input set.
type AgentLister interface {
	List() []*types.Agent
}

// ReputationSource supplies per-agent scores. Implemented by
// reputation.Tracker.
type ReputationSource interface {
	Score(agentID string) (float64, bool)
}

// Decision is the result of candidate selection.
type Decision struct {
	AgentID    string  `json:"agent_id"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// RouterConfig holds router settings.
type RouterConfig struct {
	// FreshHeartbeat: heartbeat age below which the freshness bonus applies.
	FreshHeartbeat time.Duration `json:"fresh_heartbeat"`
}

// DefaultRouterConfig returns sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{FreshHeartbeat: 60 * time.Second}
}

// Router scores and selects candidate agents for tasks.
type Router struct {
	directory  AgentLister
	reputation ReputationSource
	config     RouterConfig
	logger     *zap.Logger
	// now is swappable for tests.
	now func() time.Time
}

// NewRouter creates a task router.
func NewRouter(dir AgentLister, rep ReputationSource, config RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FreshHeartbeat == 0 {
		config = DefaultRouterConfig()
	}
	return &Router{
		directory:  dir,
		reputation: rep,
		config:     config,
		logger:     logger.With(zap.String("component", "task_router")),
		now:        time.Now,
	}
}

// reputationOf prefers the tracker's score and falls back to the value
// mirrored on the directory record.
func (r *Router) reputationOf(agent *types.Agent) float64 {
	if r.reputation != nil {
		if score, ok := r.reputation.Score(agent.ID); ok {
			return score
		}
	}
	return agent.Reputation
}

// eligible applies the hard filters: online status and reputation strictly
// above the minimum. A required capability the agent lacks disqualifies it
// entirely rather than merely lowering its score.
func (r *Router) eligible(agent *types.Agent, required string) bool {
	if agent.Status != types.AgentOnline {
		return false
	}
	if r.reputationOf(agent) <= minReputation {
		return false
	}
	if required != "" && !agent.HasCapability(required) {
		return false
	}
	return true
}

func (r *Router) score(agent *types.Agent, required string) float64 {
	s := scoreBase
	s += weightReputation * r.reputationOf(agent)
	if required == "" || agent.HasCapability(required) {
		s += weightCapability
	}
	if agent.Status == types.AgentOnline {
		s += weightOnline
	}
	if r.now().Sub(agent.LastHeartbeat) < r.config.FreshHeartbeat {
		s += weightFreshHeartbeat
	}
	return s
}

// FindBestAgent selects the maximum-scoring eligible agent for the task.
// The candidate list is scored from a snapshot sorted by id, so ties break
// toward the lexicographically smaller agent id.
func (r *Router) FindBestAgent(task *types.Task) (*Decision, error) {
	required := task.RequiredCapability()

	var best *types.Agent
	var bestScore float64
	for _, agent := range r.directory.List() {
		if !r.eligible(agent, required) {
			continue
		}
		if s := r.score(agent, required); s > bestScore {
			best = agent
			bestScore = s
		}
	}

	if best == nil {
		return nil, types.NewErrorf(types.ErrNoCandidateAgent,
			"no eligible agent for task %s (required capability %q)", task.ID, required).
			WithRetryable(true)
	}

	r.logger.Debug("routing decision",
		zap.String("task_id", task.ID),
		zap.String("agent_id", best.ID),
		zap.Float64("score", bestScore))

	return &Decision{
		AgentID:    best.ID,
		Score:      bestScore,
		Confidence: bestScore / maxScore(),
		Reason:     "best_score",
	}, nil
}

// FindAlternativeAgent reruns the eligibility filter excluding one agent and
// returns the first survivor in id order. This is the deliberately cheap
// fallback used when the best agent's circuit is open; candidates are not
// rescored and the decision carries a fixed low confidence.
func (r *Router) FindAlternativeAgent(task *types.Task, excludeID string) (*Decision, error) {
	required := task.RequiredCapability()

	for _, agent := range r.directory.List() {
		if agent.ID == excludeID {
			continue
		}
		if !r.eligible(agent, required) {
			continue
		}
		return &Decision{
			AgentID:    agent.ID,
			Score:      0,
			Confidence: fallbackConfidence,
			Reason:     "fallback",
		}, nil
	}

	return nil, types.NewErrorf(types.ErrNoCandidateAgent,
		"no alternative agent for task %s excluding %s", task.ID, excludeID).
		WithRetryable(true)
}

func maxScore() float64 {
	return scoreBase + weightReputation + weightCapability + weightOnline + weightFreshHeartbeat
}
