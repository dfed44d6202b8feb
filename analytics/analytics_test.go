package analytics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexweave/taskmesh/internal/metrics"
)

type recordingConsumer struct {
	name string
	err  error

	mu      sync.Mutex
	samples []Sample
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Consume(sample Sample) error {
	c.mu.Lock()
	c.samples = append(c.samples, sample)
	c.mu.Unlock()
	return c.err
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

type panickingConsumer struct{}

func (panickingConsumer) Name() string         { return "panicking" }
func (panickingConsumer) Consume(Sample) error { panic("consumer bug") }

func TestEmitterFanOut(t *testing.T) {
	t.Parallel()
	e := NewEmitter(nil)
	a := &recordingConsumer{name: "a"}
	b := &recordingConsumer{name: "b"}
	e.AddConsumer(a)
	e.AddConsumer(b)

	e.Emit(Sample{TaskID: "t1", AgentID: "agent-1", Success: true, Duration: time.Second})

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.False(t, a.samples[0].Timestamp.IsZero(), "missing timestamps are stamped")
}

func TestEmitterIsolatesFailures(t *testing.T) {
	t.Parallel()
	e := NewEmitter(nil)
	e.AddConsumer(panickingConsumer{})
	e.AddConsumer(&recordingConsumer{name: "failing", err: errors.New("sink down")})
	healthy := &recordingConsumer{name: "healthy"}
	e.AddConsumer(healthy)

	assert.NotPanics(t, func() {
		e.Emit(Sample{TaskID: "t1", Success: false})
	})
	assert.Equal(t, 1, healthy.count())
}

func TestEmitterUnsubscribe(t *testing.T) {
	t.Parallel()
	e := NewEmitter(nil)
	c := &recordingConsumer{name: "c"}
	cancel := e.AddConsumer(c)
	cancel()

	e.Emit(Sample{TaskID: "t1"})
	assert.Equal(t, 0, c.count())
}

func TestPrometheusConsumer(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("analytics_test", reg, nil)
	e := NewEmitter(nil)
	e.AddConsumer(NewPrometheusConsumer(collector))

	e.Emit(Sample{TaskID: "t1", Success: true, Duration: time.Second})
	e.Emit(Sample{TaskID: "t2", Success: false, Duration: time.Second})
	e.Emit(Sample{TaskID: "t3", Success: false, Duration: time.Second})

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	count, err := promtest.GatherAndCount(reg, "analytics_test_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per terminal status")
}
