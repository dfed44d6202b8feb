// Package fixtures provides canned agents, tasks, and jobs for tests.
package fixtures

import (
	"time"

	"github.com/nexweave/taskmesh/types"
)

// OnlineAgent returns an online agent with full reputation and a fresh
// heartbeat, declaring the given capabilities.
func OnlineAgent(id string, capabilities ...string) *types.Agent {
	now := time.Now().UTC()
	caps := make([]types.Capability, 0, len(capabilities))
	for _, name := range capabilities {
		caps = append(caps, types.Capability{Name: name, Version: "1.0"})
	}
	return &types.Agent{
		ID:            id,
		Name:          id,
		Type:          "worker",
		Capabilities:  caps,
		Status:        types.AgentOnline,
		Reputation:    1.0,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

// OfflineAgent returns an agent that routing must never select.
func OfflineAgent(id string) *types.Agent {
	a := OnlineAgent(id)
	a.Status = types.AgentOffline
	a.LastHeartbeat = time.Now().UTC().Add(-10 * time.Minute)
	return a
}

// DegradedAgent returns an online agent with the given reputation and a
// stale heartbeat, useful for exercising scoring tie-breaks.
func DegradedAgent(id string, reputation float64) *types.Agent {
	a := OnlineAgent(id)
	a.Status = types.AgentDegraded
	a.Reputation = reputation
	a.LastHeartbeat = time.Now().UTC().Add(-5 * time.Minute)
	return a
}

// PendingTask returns an unassigned task with the given objective.
func PendingTask(id, objective string) *types.Task {
	return &types.Task{
		ID:        id,
		Objective: objective,
		Status:    types.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
}

// CapabilityTask returns a pending task that requires the named capability.
func CapabilityTask(id, objective, capability string) *types.Task {
	t := PendingTask(id, objective)
	t.Metadata = map[string]string{types.MetaRequiredCapability: capability}
	return t
}

// CompletedTask returns a terminal task that ran for the given duration.
func CompletedTask(id, agentID string, duration time.Duration) *types.Task {
	t := PendingTask(id, "completed objective")
	started := time.Now().UTC().Add(-duration)
	finished := started.Add(duration)
	t.Status = types.TaskCompleted
	t.AssignedAgent = agentID
	t.StartedAt = &started
	t.CompletedAt = &finished
	t.Result = "ok"
	return t
}

// PendingJob returns a job with no tasks yet.
func PendingJob(id, objective string) *types.Job {
	return &types.Job{
		ID:        id,
		Objective: objective,
		Status:    types.JobPending,
		CreatedAt: time.Now().UTC(),
	}
}
