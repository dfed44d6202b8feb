package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexweave/taskmesh/types"
)

// staticLister is a fixed, pre-sorted candidate list.
type staticLister struct{ agents []*types.Agent }

func (s *staticLister) List() []*types.Agent {
	out := make([]*types.Agent, len(s.agents))
	for i, a := range s.agents {
		out[i] = a.Clone()
	}
	return out
}

// staticReputation maps agent id to score.
type staticReputation map[string]float64

func (s staticReputation) Score(id string) (float64, bool) {
	v, ok := s[id]
	return v, ok
}

func onlineAgent(id string, rep float64, caps ...string) *types.Agent {
	a := &types.Agent{
		ID:            id,
		Status:        types.AgentOnline,
		Reputation:    rep,
		LastHeartbeat: time.Now(),
	}
	for _, c := range caps {
		a.Capabilities = append(a.Capabilities, types.Capability{Name: c})
	}
	return a
}

func newTestRouter(agents []*types.Agent, rep staticReputation) *Router {
	return NewRouter(&staticLister{agents: agents}, rep, DefaultRouterConfig(), nil)
}

func TestRouter_PicksHighestReputation(t *testing.T) {
	t.Parallel()

	router := newTestRouter(
		[]*types.Agent{onlineAgent("a", 0.5), onlineAgent("b", 0.9)},
		staticReputation{"a": 0.5, "b": 0.9},
	)

	decision, err := router.FindBestAgent(&types.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "b", decision.AgentID)
	assert.Greater(t, decision.Score, 0.0)
	assert.Greater(t, decision.Confidence, 0.0)
}

func TestRouter_FiltersOfflineAndLowReputation(t *testing.T) {
	t.Parallel()

	offline := onlineAgent("off", 0.9)
	offline.Status = types.AgentOffline
	degraded := onlineAgent("deg", 0.9)
	degraded.Status = types.AgentDegraded

	router := newTestRouter(
		[]*types.Agent{offline, degraded, onlineAgent("low", 0.3)},
		staticReputation{"off": 0.9, "deg": 0.9, "low": 0.3},
	)

	// 0.3 is not strictly above the minimum; all candidates filtered.
	_, err := router.FindBestAgent(&types.Task{ID: "t1"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNoCandidateAgent))
	assert.True(t, types.IsRetryable(err))
}

func TestRouter_EmptyPool(t *testing.T) {
	t.Parallel()

	router := newTestRouter(nil, staticReputation{})
	_, err := router.FindBestAgent(&types.Task{ID: "t1"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNoCandidateAgent))
}

func TestRouter_MissingCapabilityDisqualifies(t *testing.T) {
	t.Parallel()

	// The strong generalist would outscore the specialist on reputation,
	// but lacking the required capability removes it from the race
	// entirely rather than just penalizing it.
	router := newTestRouter(
		[]*types.Agent{onlineAgent("generalist", 1.0), onlineAgent("specialist", 0.5, "translate")},
		staticReputation{"generalist": 1.0, "specialist": 0.5},
	)

	task := &types.Task{
		ID:       "t1",
		Metadata: map[string]string{types.MetaRequiredCapability: "translate"},
	}
	decision, err := router.FindBestAgent(task)
	require.NoError(t, err)
	assert.Equal(t, "specialist", decision.AgentID)
}

func TestRouter_AgentTypeRequirement(t *testing.T) {
	t.Parallel()

	typed := onlineAgent("typed", 0.5)
	typed.Type = "analyzer"

	router := newTestRouter(
		[]*types.Agent{onlineAgent("plain", 0.9), typed},
		staticReputation{"plain": 0.9, "typed": 0.5},
	)

	task := &types.Task{
		ID:       "t1",
		Metadata: map[string]string{types.MetaAgentType: "analyzer"},
	}
	decision, err := router.FindBestAgent(task)
	require.NoError(t, err)
	assert.Equal(t, "typed", decision.AgentID)
}

func TestRouter_TieBreaksByAgentID(t *testing.T) {
	t.Parallel()

	router := newTestRouter(
		[]*types.Agent{onlineAgent("aaa", 0.8), onlineAgent("zzz", 0.8)},
		staticReputation{"aaa": 0.8, "zzz": 0.8},
	)

	decision, err := router.FindBestAgent(&types.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "aaa", decision.AgentID)
}

func TestRouter_StaleHeartbeatLosesBonus(t *testing.T) {
	t.Parallel()

	stale := onlineAgent("stale", 0.8)
	stale.LastHeartbeat = time.Now().Add(-2 * time.Minute)
	fresh := onlineAgent("zfresh", 0.8)

	router := newTestRouter(
		[]*types.Agent{stale, fresh},
		staticReputation{"stale": 0.8, "zfresh": 0.8},
	)

	// Equal otherwise; the freshness bonus decides despite the later id.
	decision, err := router.FindBestAgent(&types.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "zfresh", decision.AgentID)
}

func TestRouter_FindAlternativeAgent(t *testing.T) {
	t.Parallel()

	router := newTestRouter(
		[]*types.Agent{onlineAgent("a", 0.9), onlineAgent("b", 0.5), onlineAgent("c", 0.6)},
		staticReputation{"a": 0.9, "b": 0.5, "c": 0.6},
	)

	task := &types.Task{ID: "t1"}
	alt, err := router.FindAlternativeAgent(task, "a")
	require.NoError(t, err)
	// First survivor in id order, not the best-rescored candidate.
	assert.Equal(t, "b", alt.AgentID)
	assert.Equal(t, fallbackConfidence, alt.Confidence)
	assert.Equal(t, "fallback", alt.Reason)

	_, err = router.FindAlternativeAgent(task, "b")
	require.NoError(t, err)

	solo := newTestRouter([]*types.Agent{onlineAgent("only", 0.9)}, staticReputation{"only": 0.9})
	_, err = solo.FindAlternativeAgent(task, "only")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNoCandidateAgent))
}

func TestRouter_NeverReturnsIneligibleAgent(t *testing.T) {
	t.Parallel()

	quarantined := onlineAgent("q", 0.9)
	quarantined.Status = types.AgentQuarantined

	router := newTestRouter(
		[]*types.Agent{quarantined, onlineAgent("ok", 0.8)},
		staticReputation{"q": 0.9, "ok": 0.8},
	)

	decision, err := router.FindBestAgent(&types.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", decision.AgentID)
}
