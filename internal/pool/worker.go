// Package pool provides a bounded worker pool used for fan-out work such
// as message delivery and archive writes.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// Job is a unit of work executed by the pool.
type Job func(ctx context.Context)

// WorkerConfig controls pool sizing.
type WorkerConfig struct {
	Workers   int
	QueueSize int
}

// WorkerPool runs submitted jobs on a fixed set of goroutines.
type WorkerPool struct {
	cfg    WorkerConfig
	logger *zap.Logger

	jobs chan Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// NewWorkerPool builds a stopped pool. Call Start before submitting.
func NewWorkerPool(cfg WorkerConfig, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "worker_pool")),
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Safe to call once.
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.run()
		}
		p.logger.Debug("worker pool started", zap.Int("workers", p.cfg.Workers))
	})
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(job)
		}
	}
}

func (p *WorkerPool) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panic", zap.Any("panic", r))
		}
		p.completed.Add(1)
	}()
	job(p.ctx)
}

// Submit enqueues a job, blocking until there is queue room or the
// context is done.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case <-p.ctx.Done():
		p.rejected.Add(1)
		return types.NewError(types.ErrBackpressure, "worker pool stopped")
	}
}

// TrySubmit enqueues without blocking.
func (p *WorkerPool) TrySubmit(job Job) bool {
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stop signals workers to finish and waits up to the grace period for
// in-flight jobs.
func (p *WorkerPool) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.cancel()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			p.logger.Warn("worker pool stop timed out", zap.Duration("grace", grace))
		}
	})
}

// Stats reports lifetime counters.
func (p *WorkerPool) Stats() (submitted, completed, rejected int64) {
	return p.submitted.Load(), p.completed.Load(), p.rejected.Load()
}
