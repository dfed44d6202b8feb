package types

import "time"

// JobStatus represents the aggregate state of a job, mirroring its tasks.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobMetrics aggregates running counters over a job's tasks.
// AvgTaskDuration is computed only over tasks that have both a start and a
// completion timestamp.
type JobMetrics struct {
	TotalTasks      int           `json:"total_tasks"`
	CompletedTasks  int           `json:"completed_tasks"`
	FailedTasks     int           `json:"failed_tasks"`
	AvgTaskDuration time.Duration `json:"avg_task_duration"`
}

// Job is the aggregate container of tasks. A job owns its tasks exclusively:
// no task outlives its parent job.
type Job struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Objective string     `json:"objective"`
	Status    JobStatus  `json:"status"`
	TaskIDs   []string   `json:"task_ids"`
	Metrics   JobMetrics `json:"metrics"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out without holding locks.
func (j *Job) Clone() *Job {
	cp := *j
	if j.TaskIDs != nil {
		cp.TaskIDs = make([]string, len(j.TaskIDs))
		copy(cp.TaskIDs, j.TaskIDs)
	}
	return &cp
}
