package types

import (
	"encoding/json"
	"time"
)

// AgentStatus represents the health status of an agent.
type AgentStatus string

const (
	// AgentOnline indicates the agent is healthy and accepting tasks.
	AgentOnline AgentStatus = "online"
	// AgentOffline indicates the agent is unreachable.
	AgentOffline AgentStatus = "offline"
	// AgentDegraded indicates the agent is reachable but unhealthy.
	AgentDegraded AgentStatus = "degraded"
	// AgentQuarantined indicates the agent's reputation fell below the
	// quarantine threshold and it must not receive new tasks.
	AgentQuarantined AgentStatus = "quarantined"
)

// Capability describes a named, versioned capability with declared schemas.
type Capability struct {
	Name         string          `json:"name"`
	Version      string          `json:"version,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Agent is a schedulable worker with declared capabilities, health, and
// reputation. Agents are owned by the directory; reputation is owned by the
// reputation tracker and mirrored here for scoring snapshots.
type Agent struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Type          string            `json:"type,omitempty"`
	Capabilities  []Capability      `json:"capabilities,omitempty"`
	Status        AgentStatus       `json:"status"`
	Reputation    float64           `json:"reputation"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the agent declares the named capability.
// The agent type doubles as a capability for routing purposes.
func (a *Agent) HasCapability(name string) bool {
	if name == "" {
		return true
	}
	if a.Type == name {
		return true
	}
	for _, c := range a.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for lock-free reads.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = make([]Capability, len(a.Capabilities))
		copy(cp.Capabilities, a.Capabilities)
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
