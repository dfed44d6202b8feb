package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// Assigner performs the task assignment the dispatcher orchestrates.
// Implemented by orchestrator.Orchestrator.
type Assigner interface {
	AssignTask(ctx context.Context, taskID, agentID string) error
}

// Config holds dispatcher settings.
type Config struct {
	// MaxAttempts caps the retry loop.
	MaxAttempts int `json:"max_attempts"`
	// BaseBackoff is the first retry delay; each attempt doubles it.
	BaseBackoff time.Duration `json:"base_backoff"`
	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration `json:"max_backoff"`
	// ExecutionTimeout bounds a single assignment attempt.
	ExecutionTimeout time.Duration `json:"execution_timeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseBackoff:      time.Second,
		MaxBackoff:       30 * time.Second,
		ExecutionTimeout: 5 * time.Minute,
	}
}

// OutcomeRecorder receives per-agent attempt outcomes for breaker and
// reputation bookkeeping.
type OutcomeRecorder interface {
	RecordSuccess(agentID string)
	RecordFailure(agentID string)
}

// Dispatcher is the top-level dispatch orchestration: retry loop, fallback
// agent selection, circuit-breaker consultation. "Success" here means
// assignment succeeded; execution outcomes arrive later through the
// orchestrator's completion calls.
type Dispatcher struct {
	router   *Router
	breakers *BreakerRegistry
	assigner Assigner
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	// onRetry is invoked once per retry, before the backoff sleep.
	onRetry func()
}

// NewDispatcher creates a resilient dispatcher.
func NewDispatcher(router *Router, breakers *BreakerRegistry, assigner Assigner, config Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config = DefaultConfig()
	}
	return &Dispatcher{
		router:   router,
		breakers: breakers,
		assigner: assigner,
		config:   config,
		logger:   logger.With(zap.String("component", "dispatcher")),
		tracer:   otel.Tracer("github.com/nexweave/taskmesh/dispatch"),
		sleep:    sleepCtx,
	}
}

// OnRetry registers an observer called once per retry. Used to feed retry
// counters without coupling the dispatcher to a metrics backend.
func (d *Dispatcher) OnRetry(fn func()) {
	d.onRetry = fn
}

// Breakers exposes the breaker registry for outcome bookkeeping.
func (d *Dispatcher) Breakers() *BreakerRegistry {
	return d.breakers
}

// ExecuteTask assigns the task to the best available agent, retrying with
// exponential backoff. A routing result of zero candidates fails immediately
// without retry; callers own that backoff. After exhausting attempts the
// last underlying error is returned unwrapped, so callers can distinguish
// "no agents" from "transport broken".
func (d *Dispatcher) ExecuteTask(ctx context.Context, task *types.Task) (*Decision, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.ExecuteTask",
		trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		decision, err := d.attempt(ctx, task)
		if err == nil {
			span.SetAttributes(
				attribute.String("agent.id", decision.AgentID),
				attribute.Int("attempts", attempt),
			)
			return decision, nil
		}

		// Zero eligible agents is not retried here; the pool will not
		// change within our backoff horizon.
		if types.IsCode(err, types.ErrNoCandidateAgent) {
			span.SetStatus(codes.Error, "no candidate agent")
			return nil, err
		}

		lastErr = err
		d.logger.Warn("dispatch attempt failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == d.config.MaxAttempts {
			break
		}
		if d.onRetry != nil {
			d.onRetry()
		}
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			span.SetStatus(codes.Error, "cancelled during backoff")
			return nil, err
		}
	}

	span.SetStatus(codes.Error, "attempts exhausted")
	return nil, lastErr
}

// attempt performs one dispatch attempt: route, consult the breaker, fall
// back when the circuit is open, then assign under the execution timeout.
func (d *Dispatcher) attempt(ctx context.Context, task *types.Task) (*Decision, error) {
	decision, err := d.router.FindBestAgent(task)
	if err != nil {
		return nil, err
	}

	if !d.breakers.Allow(decision.AgentID) {
		d.logger.Debug("circuit open, selecting alternative",
			zap.String("task_id", task.ID),
			zap.String("agent_id", decision.AgentID))
		alt, altErr := d.router.FindAlternativeAgent(task, decision.AgentID)
		if altErr != nil {
			return nil, types.NewErrorf(types.ErrCircuitOpen,
				"circuit open for %s and no alternative", decision.AgentID).
				WithCause(altErr).
				WithRetryable(true)
		}
		decision = alt
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if d.config.ExecutionTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, d.config.ExecutionTimeout)
		defer cancel()
	}

	if err := d.assigner.AssignTask(attemptCtx, task.ID, decision.AgentID); err != nil {
		// A cancelled attempt counts as a failure for breaker and
		// reputation bookkeeping, same as any other assignment error.
		d.breakers.RecordFailure(decision.AgentID)
		return nil, err
	}
	return decision, nil
}

// backoff returns base × 2^(attempt−1), capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.config.MaxBackoff {
			return d.config.MaxBackoff
		}
	}
	if delay > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return delay
}

// sleepCtx suspends only the calling goroutine; no shared locks are held.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
