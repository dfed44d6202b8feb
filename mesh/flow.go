package mesh

import (
	"sync"

	"go.uber.org/zap"
)

// FlowConfig configures the flow controller's hysteresis window.
// PauseThreshold must exceed ResumeThreshold so the controller cannot
// oscillate around a single watermark.
type FlowConfig struct {
	// Capacity in bytes.
	Capacity int64 `json:"capacity"`
	// PauseThreshold as a fraction of capacity.
	PauseThreshold float64 `json:"pause_threshold"`
	// ResumeThreshold as a fraction of capacity.
	ResumeThreshold float64 `json:"resume_threshold"`
}

// DefaultFlowConfig returns sensible defaults.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		Capacity:        4 << 20,
		PauseThreshold:  0.8,
		ResumeThreshold: 0.5,
	}
}

// FlowController tracks outstanding buffered bytes and signals backpressure.
// Pure counter logic, no I/O.
type FlowController struct {
	mu       sync.Mutex
	buffered int64
	paused   bool
	config   FlowConfig
	logger   *zap.Logger
}

// NewFlowController creates a flow controller. An inverted or missing
// hysteresis window falls back to the defaults.
func NewFlowController(config FlowConfig, logger *zap.Logger) *FlowController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Capacity <= 0 || config.PauseThreshold <= config.ResumeThreshold {
		config = DefaultFlowConfig()
	}
	return &FlowController{
		config: config,
		logger: logger.With(zap.String("component", "flow_controller")),
	}
}

// Write accounts size buffered bytes. Returns false when the write pushed
// the counter over the pause watermark and the sender must stop; true
// otherwise. Once paused, subsequent writes keep returning false until a
// drain crosses the resume watermark.
func (f *FlowController) Write(size int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffered += size
	high := int64(f.config.PauseThreshold * float64(f.config.Capacity))
	if !f.paused && f.buffered > high {
		f.paused = true
		f.logger.Warn("backpressure engaged",
			zap.Int64("buffered", f.buffered),
			zap.Int64("high_water", high))
	}
	return !f.paused
}

// Drain releases size buffered bytes. Returns true exactly when the drain
// moved a paused controller below the resume watermark; the hysteresis gap
// between the two watermarks prevents oscillation.
func (f *FlowController) Drain(size int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffered -= size
	if f.buffered < 0 {
		f.buffered = 0
	}
	low := int64(f.config.ResumeThreshold * float64(f.config.Capacity))
	if f.paused && f.buffered < low {
		f.paused = false
		f.logger.Info("backpressure released", zap.Int64("buffered", f.buffered))
		return true
	}
	return false
}

// Buffered returns the current buffered byte count.
func (f *FlowController) Buffered() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

// Paused reports whether backpressure is engaged.
func (f *FlowController) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}
