package types

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	// TaskRetrying is a transient sub-state entered between failed dispatch
	// attempts; it never appears on a terminal task.
	TaskRetrying  TaskStatus = "retrying"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task metadata keys consumed by routing.
const (
	// MetaRequiredCapability names a capability a candidate agent must declare.
	MetaRequiredCapability = "required_capability"
	// MetaAgentType names a required agent type; absence of the type
	// disqualifies a candidate entirely.
	MetaAgentType = "agent_type"
)

// Task is a discrete unit of work owned by its parent job.
//
// DependsOn is advisory only: the core does not enforce dependency ordering,
// callers must respect it when scheduling.
type Task struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id,omitempty"`
	Objective     string            `json:"objective"`
	Status        TaskStatus        `json:"status"`
	Priority      int               `json:"priority"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Result        string            `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// RequiredCapability returns the capability routing must match, or "" when
// the task carries no requirement. agent_type takes precedence over
// required_capability when both are present.
func (t *Task) RequiredCapability() string {
	if t.Metadata == nil {
		return ""
	}
	if v := t.Metadata[MetaAgentType]; v != "" {
		return v
	}
	return t.Metadata[MetaRequiredCapability]
}

// Duration returns the elapsed execution time, or zero when the task has not
// both started and completed.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Clone returns a deep copy safe to hand out without holding locks.
func (t *Task) Clone() *Task {
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = make([]string, len(t.DependsOn))
		copy(cp.DependsOn, t.DependsOn)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
