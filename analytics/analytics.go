// Package analytics collects per-task performance samples and fans them
// out to registered consumers. Emission is fire-and-forget: a slow or
// broken consumer never blocks the dispatch path.
package analytics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/internal/metrics"
)

// Sample is one task execution outcome.
type Sample struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	// SuccessRate is the emitting agent's running success ratio at
	// sample time, when known.
	SuccessRate float64 `json:"success_rate,omitempty"`
	// ResourceUsage carries free-form gauge values (cpu, memory).
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Consumer receives emitted samples. Errors are logged and dropped.
type Consumer interface {
	Name() string
	Consume(sample Sample) error
}

// Emitter fans samples out to consumers with panic and error isolation.
type Emitter struct {
	mu        sync.RWMutex
	consumers []Consumer
	logger    *zap.Logger
}

// NewEmitter creates an empty emitter.
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{logger: logger.With(zap.String("component", "analytics"))}
}

// AddConsumer registers a consumer. Returns an unsubscribe func.
func (e *Emitter) AddConsumer(c Consumer) func() {
	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	idx := len(e.consumers) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		if idx < len(e.consumers) {
			e.consumers[idx] = nil
		}
		e.mu.Unlock()
	}
}

// Emit delivers the sample to every consumer. A missing timestamp is
// stamped here.
func (e *Emitter) Emit(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	consumers := make([]Consumer, len(e.consumers))
	copy(consumers, e.consumers)
	e.mu.RUnlock()

	for _, c := range consumers {
		if c == nil {
			continue
		}
		e.deliver(c, sample)
	}
}

func (e *Emitter) deliver(c Consumer, sample Sample) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("analytics consumer panicked",
				zap.String("consumer", c.Name()), zap.Any("panic", r))
		}
	}()
	if err := c.Consume(sample); err != nil {
		e.logger.Warn("analytics consumer failed",
			zap.String("consumer", c.Name()), zap.Error(err))
	}
}

// PrometheusConsumer mirrors samples into the metrics collector.
type PrometheusConsumer struct {
	collector *metrics.Collector
}

// NewPrometheusConsumer wraps the collector as a sample consumer.
func NewPrometheusConsumer(collector *metrics.Collector) *PrometheusConsumer {
	return &PrometheusConsumer{collector: collector}
}

// Name implements Consumer.
func (p *PrometheusConsumer) Name() string { return "prometheus" }

// Consume implements Consumer.
func (p *PrometheusConsumer) Consume(sample Sample) error {
	status := "completed"
	if !sample.Success {
		status = "failed"
	}
	p.collector.RecordTask(status)
	return nil
}
