// Package orchestrator owns the job and task lifecycle: decomposition,
// assignment, state transitions and per-job metrics.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// AgentChecker answers existence queries during assignment. Implemented
// by directory.Directory.
type AgentChecker interface {
	Exists(agentID string) bool
}

// Archiver persists terminal tasks and jobs. Implemented by
// database.ArchiveStore.
type Archiver interface {
	ArchiveTask(ctx context.Context, task *types.Task) error
	ArchiveJob(ctx context.Context, job *types.Job) error
}

// OutcomeHook observes task completion outcomes. Hooks drive circuit
// breakers, reputation and analytics; they run synchronously and panics
// are isolated.
type OutcomeHook func(task *types.Task, success bool)

// Orchestrator is the in-memory system of record for jobs and tasks.
type Orchestrator struct {
	mu     sync.RWMutex
	jobs   map[string]*types.Job
	tasks  map[string]*types.Task
	agents AgentChecker

	hookMu sync.RWMutex
	hooks  []OutcomeHook

	archiver Archiver
	logger   *zap.Logger
	// now is swappable for tests.
	now func() time.Time
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithArchiver persists terminal tasks and jobs through the given store.
// Archive failures are logged, never surfaced to callers.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// New creates an orchestrator. agents may be nil, in which case agent
// existence is not checked at assignment time.
func New(agents AgentChecker, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		jobs:   make(map[string]*types.Job),
		tasks:  make(map[string]*types.Task),
		agents: agents,
		logger: logger.With(zap.String("component", "orchestrator")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnOutcome registers a completion hook. Returns an unsubscribe func.
func (o *Orchestrator) OnOutcome(hook OutcomeHook) func() {
	o.hookMu.Lock()
	o.hooks = append(o.hooks, hook)
	idx := len(o.hooks) - 1
	o.hookMu.Unlock()
	return func() {
		o.hookMu.Lock()
		if idx < len(o.hooks) {
			o.hooks[idx] = nil
		}
		o.hookMu.Unlock()
	}
}

// CreateJob registers a new pending job.
func (o *Orchestrator) CreateJob(userID, objective string) *types.Job {
	now := o.now()
	job := &types.Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		Objective: objective,
		Status:    types.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	o.logger.Info("job created", zap.String("job_id", job.ID), zap.String("user_id", userID))
	return job.Clone()
}

// DecomposeTasks expands a job into ordered pending tasks, one per
// objective. The optional metadata argument applies positionally; a
// single map applies to every task.
func (o *Orchestrator) DecomposeTasks(jobID string, objectives []string, metadata ...map[string]string) ([]*types.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "job %s not found", jobID)
	}

	now := o.now()
	out := make([]*types.Task, 0, len(objectives))
	for i, objective := range objectives {
		task := &types.Task{
			ID:        uuid.New().String(),
			JobID:     jobID,
			Objective: objective,
			Status:    types.TaskPending,
			CreatedAt: now,
		}
		if len(metadata) == 1 {
			task.Metadata = cloneMeta(metadata[0])
		} else if i < len(metadata) {
			task.Metadata = cloneMeta(metadata[i])
		}
		o.tasks[task.ID] = task
		job.TaskIDs = append(job.TaskIDs, task.ID)
		out = append(out, task.Clone())
	}
	job.Metrics.TotalTasks = len(job.TaskIDs)
	job.UpdatedAt = now

	o.logger.Info("job decomposed",
		zap.String("job_id", jobID), zap.Int("tasks", len(objectives)))
	return out, nil
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// AssignTask binds a task to an agent and moves it to queued. The agent
// must be known to the directory.
func (o *Orchestrator) AssignTask(_ context.Context, taskID, agentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, ok := o.tasks[taskID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "task %s not found", taskID)
	}
	if task.Status.Terminal() {
		return types.NewErrorf(types.ErrInvalidTransition,
			"task %s is %s, cannot assign", taskID, task.Status)
	}
	if o.agents != nil && !o.agents.Exists(agentID) {
		return types.NewErrorf(types.ErrNotFound, "agent %s not found", agentID)
	}

	task.AssignedAgent = agentID
	task.Status = types.TaskQueued
	o.touchJobLocked(task.JobID)

	o.logger.Debug("task assigned",
		zap.String("task_id", taskID), zap.String("agent_id", agentID))
	return nil
}

// StartTask marks a queued or pending task in progress and stamps
// StartedAt. The owning job moves to in_progress.
func (o *Orchestrator) StartTask(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, ok := o.tasks[taskID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "task %s not found", taskID)
	}
	if task.Status.Terminal() {
		return types.NewErrorf(types.ErrInvalidTransition,
			"task %s is %s, cannot start", taskID, task.Status)
	}

	now := o.now()
	task.Status = types.TaskInProgress
	task.StartedAt = &now

	if job, ok := o.jobs[task.JobID]; ok && job.Status == types.JobPending {
		job.Status = types.JobInProgress
	}
	o.touchJobLocked(task.JobID)
	return nil
}

// CompleteTask marks the task completed with its result and updates the
// owning job's metrics.
func (o *Orchestrator) CompleteTask(taskID, result string) error {
	return o.finish(taskID, types.TaskCompleted, result, "")
}

// FailTask marks the task failed with the error message and updates the
// owning job's metrics.
func (o *Orchestrator) FailTask(taskID, errMsg string) error {
	return o.finish(taskID, types.TaskFailed, "", errMsg)
}

func (o *Orchestrator) finish(taskID string, status types.TaskStatus, result, errMsg string) error {
	o.mu.Lock()

	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return types.NewErrorf(types.ErrNotFound, "task %s not found", taskID)
	}
	if task.Status.Terminal() {
		o.mu.Unlock()
		return types.NewErrorf(types.ErrInvalidTransition,
			"task %s already %s", taskID, task.Status)
	}

	now := o.now()
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.CompletedAt = &now

	var jobDone *types.Job
	if job, ok := o.jobs[task.JobID]; ok {
		o.updateJobMetricsLocked(job)
		job.UpdatedAt = now
		if o.jobTerminalLocked(job) {
			if job.Metrics.FailedTasks > 0 {
				job.Status = types.JobFailed
			} else {
				job.Status = types.JobCompleted
			}
			jobDone = job.Clone()
		}
	}

	taskCopy := task.Clone()
	o.mu.Unlock()

	o.fireHooks(taskCopy, status == types.TaskCompleted)
	o.archive(taskCopy, jobDone)
	return nil
}

// updateJobMetricsLocked recomputes counters and the average duration
// over tasks carrying both timestamps. Caller holds o.mu.
func (o *Orchestrator) updateJobMetricsLocked(job *types.Job) {
	completed, failed := 0, 0
	var total time.Duration
	var timed int
	for _, id := range job.TaskIDs {
		t, ok := o.tasks[id]
		if !ok {
			continue
		}
		switch t.Status {
		case types.TaskCompleted:
			completed++
		case types.TaskFailed:
			failed++
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			total += t.Duration()
			timed++
		}
	}
	job.Metrics.TotalTasks = len(job.TaskIDs)
	job.Metrics.CompletedTasks = completed
	job.Metrics.FailedTasks = failed
	if timed > 0 {
		job.Metrics.AvgTaskDuration = total / time.Duration(timed)
	}
}

func (o *Orchestrator) jobTerminalLocked(job *types.Job) bool {
	for _, id := range job.TaskIDs {
		t, ok := o.tasks[id]
		if !ok || !t.Status.Terminal() {
			return false
		}
	}
	return len(job.TaskIDs) > 0
}

func (o *Orchestrator) touchJobLocked(jobID string) {
	if job, ok := o.jobs[jobID]; ok {
		job.UpdatedAt = o.now()
	}
}

func (o *Orchestrator) fireHooks(task *types.Task, success bool) {
	o.hookMu.RLock()
	hooks := make([]OutcomeHook, len(o.hooks))
	copy(hooks, o.hooks)
	o.hookMu.RUnlock()

	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("outcome hook panicked",
						zap.String("task_id", task.ID), zap.Any("panic", r))
				}
			}()
			hook(task, success)
		}()
	}
}

// archive persists terminal records in the background. Failures only log.
func (o *Orchestrator) archive(task *types.Task, job *types.Job) {
	if o.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.archiver.ArchiveTask(ctx, task); err != nil {
			o.logger.Warn("task archive failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		if job != nil {
			if err := o.archiver.ArchiveJob(ctx, job); err != nil {
				o.logger.Warn("job archive failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}()
}

// GetTask returns a copy of the task.
func (o *Orchestrator) GetTask(taskID string) (*types.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "task %s not found", taskID)
	}
	return task.Clone(), nil
}

// GetJob returns a copy of the job.
func (o *Orchestrator) GetJob(jobID string) (*types.Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "job %s not found", jobID)
	}
	return job.Clone(), nil
}

// ListTasks returns copies of the job's tasks in creation order.
func (o *Orchestrator) ListTasks(jobID string) ([]*types.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "job %s not found", jobID)
	}
	out := make([]*types.Task, 0, len(job.TaskIDs))
	for _, id := range job.TaskIDs {
		if t, ok := o.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}
