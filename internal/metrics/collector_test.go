package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("taskmesh_test", prometheus.NewRegistry(), nil)
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector(t)

	assert.NotNil(t, c.dispatchTotal)
	assert.NotNil(t, c.dispatchDuration)
	assert.NotNil(t, c.messagesTotal)
	assert.NotNil(t, c.reputationScore)
	assert.NotNil(t, c.jobsTotal)
}

func TestCollectorRecordDispatch(t *testing.T) {
	c := newTestCollector(t)

	c.RecordDispatch("completed", "worker", 120*time.Millisecond)
	c.RecordDispatch("failed", "worker", 80*time.Millisecond)
	c.RecordRetry()

	assert.Greater(t, testutil.CollectAndCount(c.dispatchTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.dispatchRetries), 1e-9)
}

func TestCollectorRecordCircuitState(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCircuitState("agent-1", 1)
	assert.InDelta(t, 1, testutil.ToFloat64(c.circuitState.WithLabelValues("agent-1")), 1e-9)

	c.RecordCircuitState("agent-1", 0)
	assert.InDelta(t, 0, testutil.ToFloat64(c.circuitState.WithLabelValues("agent-1")), 1e-9)
}

func TestCollectorRecordMessage(t *testing.T) {
	c := newTestCollector(t)

	c.RecordMessage("sent", "data", 128)
	c.RecordMessage("received", "state_change", 64)
	c.RecordBackpressure()
	c.RecordInboxDrop()

	assert.InDelta(t, 128, testutil.ToFloat64(c.bytesTotal.WithLabelValues("sent")), 1e-9)
	assert.InDelta(t, 64, testutil.ToFloat64(c.bytesTotal.WithLabelValues("received")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.backpressure), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.inboxDropped), 1e-9)
}

func TestCollectorReputationGauges(t *testing.T) {
	c := newTestCollector(t)

	c.SetReputation("agent-1", 0.85)
	c.SetQuarantined(2)

	assert.InDelta(t, 0.85, testutil.ToFloat64(c.reputationScore.WithLabelValues("agent-1")), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(c.quarantined), 1e-9)
}

func TestCollectorJobAndTaskCounts(t *testing.T) {
	c := newTestCollector(t)

	c.RecordJob("completed")
	c.RecordTask("completed")
	c.RecordTask("failed")

	assert.InDelta(t, 1, testutil.ToFloat64(c.jobsTotal.WithLabelValues("completed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.tasksTotal.WithLabelValues("failed")), 1e-9)
}

func TestCollectorConcurrentRecording(t *testing.T) {
	c := newTestCollector(t)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			c.RecordDispatch("completed", "worker", 10*time.Millisecond)
			c.RecordMessage("sent", "data", 32)
			c.SetReputation("agent-1", 0.5)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.InDelta(t, 10, testutil.ToFloat64(c.dispatchTotal.WithLabelValues("completed", "worker")), 1e-9)
}
