package database

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nexweave/taskmesh/types"
)

// TaskRecord is the archived form of a terminal task.
type TaskRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	JobID         string `gorm:"index;size:64"`
	Objective     string
	Status        string `gorm:"size:16;index"`
	AssignedAgent string `gorm:"size:64;index"`
	Result        string
	Error         string
	DurationMS    int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	ArchivedAt    time.Time `gorm:"autoCreateTime"`
}

// TableName pins the table name independent of GORM pluralization.
func (TaskRecord) TableName() string { return "task_archive" }

// JobRecord is the archived form of a terminal job.
type JobRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"index;size:64"`
	Objective      string
	Status         string `gorm:"size:16;index"`
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	AvgDurationMS  int64
	CreatedAt      time.Time
	ArchivedAt     time.Time `gorm:"autoCreateTime"`
}

// TableName pins the table name independent of GORM pluralization.
func (JobRecord) TableName() string { return "job_archive" }

// ArchiveStore persists terminal tasks and jobs for later inspection.
// Writes are idempotent upserts keyed by id.
type ArchiveStore struct {
	pool   *PoolManager
	logger *zap.Logger
}

// NewArchiveStore migrates the archive tables and returns the store.
func NewArchiveStore(pool *PoolManager, logger *zap.Logger) (*ArchiveStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&TaskRecord{}, &JobRecord{}); err != nil {
		return nil, err
	}
	return &ArchiveStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "archive_store")),
	}, nil
}

// ArchiveTask upserts the task's archive row.
func (s *ArchiveStore) ArchiveTask(ctx context.Context, task *types.Task) error {
	record := TaskRecord{
		ID:            task.ID,
		JobID:         task.JobID,
		Objective:     task.Objective,
		Status:        string(task.Status),
		AssignedAgent: task.AssignedAgent,
		Result:        task.Result,
		Error:         task.Error,
		DurationMS:    task.Duration().Milliseconds(),
		CreatedAt:     task.CreatedAt,
		CompletedAt:   task.CompletedAt,
	}
	return s.pool.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
}

// ArchiveJob upserts the job's archive row.
func (s *ArchiveStore) ArchiveJob(ctx context.Context, job *types.Job) error {
	record := JobRecord{
		ID:             job.ID,
		UserID:         job.UserID,
		Objective:      job.Objective,
		Status:         string(job.Status),
		TotalTasks:     job.Metrics.TotalTasks,
		CompletedTasks: job.Metrics.CompletedTasks,
		FailedTasks:    job.Metrics.FailedTasks,
		AvgDurationMS:  job.Metrics.AvgTaskDuration.Milliseconds(),
		CreatedAt:      job.CreatedAt,
	}
	return s.pool.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
}

// RecentTasks returns the most recently archived tasks, newest first.
func (s *ArchiveStore) RecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []TaskRecord
	err := s.pool.DB().WithContext(ctx).
		Order("archived_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// TasksForJob returns every archived task of the job.
func (s *ArchiveStore) TasksForJob(ctx context.Context, jobID string) ([]TaskRecord, error) {
	var records []TaskRecord
	err := s.pool.DB().WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// GetJob returns the archived job row.
func (s *ArchiveStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var record JobRecord
	err := s.pool.DB().WithContext(ctx).First(&record, "id = ?", jobID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewErrorf(types.ErrNotFound, "archived job %s not found", jobID)
		}
		return nil, err
	}
	return &record, nil
}
