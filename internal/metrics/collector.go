package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the Prometheus instruments for every subsystem.
type Collector struct {
	// Dispatch metrics.
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchRetries  prometheus.Counter
	circuitState     *prometheus.GaugeVec

	// Mesh metrics.
	messagesTotal *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
	backpressure  prometheus.Counter
	routesLive    prometheus.Gauge
	inboxDropped  prometheus.Counter

	// Reputation metrics.
	reputationScore *prometheus.GaugeVec
	quarantined     prometheus.Gauge

	// Job metrics.
	jobsTotal  *prometheus.CounterVec
	tasksTotal *prometheus.CounterVec

	// HTTP metrics.
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the instrument set under the given namespace.
// A nil registerer uses the process-wide default registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.dispatchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of task dispatch attempts",
		},
		[]string{"status", "agent_type"},
	)

	c.dispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Task dispatch duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent_type"},
	)

	c.dispatchRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Total number of dispatch retry attempts",
		},
	)

	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per agent (0 closed, 1 open, 2 half-open)",
		},
		[]string{"agent_id"},
	)

	c.messagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_messages_total",
			Help:      "Total number of mesh envelopes by direction and type",
		},
		[]string{"direction", "type"},
	)

	c.bytesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_bytes_total",
			Help:      "Total wire bytes by direction",
		},
		[]string{"direction"},
	)

	c.backpressure = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_backpressure_total",
			Help:      "Total number of sends rejected for backpressure",
		},
	)

	c.routesLive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mesh_routes",
			Help:      "Number of live routing table entries",
		},
	)

	c.inboxDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_inbox_dropped_total",
			Help:      "Total number of inbound envelopes dropped for overflow",
		},
	)

	c.reputationScore = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_reputation",
			Help:      "Current reputation score per agent",
		},
		[]string{"agent_id"},
	)

	c.quarantined = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_quarantined",
			Help:      "Number of agents currently below the quarantine threshold",
		},
	)

	c.jobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	c.httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "path"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordDispatch records one dispatch attempt.
func (c *Collector) RecordDispatch(status, agentType string, duration time.Duration) {
	c.dispatchTotal.WithLabelValues(status, agentType).Inc()
	c.dispatchDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordRetry counts one retry attempt.
func (c *Collector) RecordRetry() {
	c.dispatchRetries.Inc()
}

// RecordCircuitState tracks a breaker transition.
func (c *Collector) RecordCircuitState(agentID string, state int) {
	c.circuitState.WithLabelValues(agentID).Set(float64(state))
}

// RecordMessage records one envelope moving through the fabric.
func (c *Collector) RecordMessage(direction, msgType string, bytes int) {
	c.messagesTotal.WithLabelValues(direction, msgType).Inc()
	c.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordBackpressure counts one send rejected by flow control.
func (c *Collector) RecordBackpressure() {
	c.backpressure.Inc()
}

// SetRoutes tracks the routing table size.
func (c *Collector) SetRoutes(n int) {
	c.routesLive.Set(float64(n))
}

// RecordInboxDrop counts one inbound envelope lost to overflow.
func (c *Collector) RecordInboxDrop() {
	c.inboxDropped.Inc()
}

// SetReputation mirrors an agent's current score.
func (c *Collector) SetReputation(agentID string, score float64) {
	c.reputationScore.WithLabelValues(agentID).Set(score)
}

// SetQuarantined tracks how many agents are quarantined.
func (c *Collector) SetQuarantined(n int) {
	c.quarantined.Set(float64(n))
}

// RecordJob counts a job reaching a terminal status.
func (c *Collector) RecordJob(status string) {
	c.jobsTotal.WithLabelValues(status).Inc()
}

// RecordTask counts a task reaching a terminal status.
func (c *Collector) RecordTask(status string) {
	c.tasksTotal.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records one served HTTP request. Callers must pass a
// normalized path to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
