package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexweave/taskmesh/types"
)

func startFabric(t *testing.T, hub *MemoryHub, nodeID string, mutate func(*FabricConfig)) *Fabric {
	t.Helper()
	cfg := DefaultFabricConfig(nodeID)
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := NewFabric(cfg, hub.Factory(nodeID), nil)
	require.NoError(t, err)
	hub.Attach(nodeID, func(_ string, data []byte) { f.HandleInbound(data) })
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() {
		_ = f.Stop()
		hub.Detach(nodeID)
	})
	return f
}

// envelopeSink collects delivered envelopes for assertions.
type envelopeSink struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (s *envelopeSink) handle(env *Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *envelopeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func (s *envelopeSink) first() *Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.envs) == 0 {
		return nil
	}
	return s.envs[0]
}

func TestFabricSendDirect(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", nil)
	b := startFabric(t, hub, "b", nil)

	var sink envelopeSink
	b.RegisterHandler(MessageData, sink.handle)
	a.Table().AddRoute("b", "b", 1)

	require.NoError(t, a.Send(context.Background(), "b", MessageData, "jobs", []byte("hello")))

	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	env := sink.first()
	assert.Equal(t, "a", env.From)
	assert.Equal(t, "b", env.To)
	assert.Equal(t, "jobs", env.Topic)
	assert.Equal(t, []byte("hello"), env.Payload)
}

func TestFabricSendUnknownDestinationTriesDirect(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", nil)
	b := startFabric(t, hub, "b", nil)

	var sink envelopeSink
	b.RegisterHandler(MessageData, sink.handle)

	// No routing entry for b; the fabric falls back to dialing b directly.
	require.NoError(t, a.Send(context.Background(), "b", MessageData, "", []byte("x")))
	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestFabricSendUnreachable(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", nil)

	err := a.Send(context.Background(), "ghost", MessageData, "", []byte("x"))
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestFabricMultiHopForwarding(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", nil)
	b := startFabric(t, hub, "b", nil)
	c := startFabric(t, hub, "c", nil)

	a.Table().AddRoute("b", "b", 1)
	a.Table().AddRoute("c", "b", 2)
	b.Table().AddRoute("c", "c", 1)

	var sink envelopeSink
	c.RegisterHandler(MessageData, sink.handle)

	require.NoError(t, a.Send(context.Background(), "c", MessageData, "", []byte("via-b")))

	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	env := sink.first()
	assert.Equal(t, "a", env.From)
	assert.Less(t, env.TTLHops, DefaultFabricConfig("x").DefaultTTLHops,
		"forwarding decrements the hop budget")
}

func TestFabricDropsExpiredEnvelopes(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", func(cfg *FabricConfig) { cfg.DefaultTTLHops = 1 })
	startFabric(t, hub, "b", nil)
	c := startFabric(t, hub, "c", nil)

	a.Table().AddRoute("c", "b", 2)

	var sink envelopeSink
	c.RegisterHandler(MessageData, sink.handle)

	require.NoError(t, a.Send(context.Background(), "c", MessageData, "", []byte("x")))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, sink.len(), "hop budget of 1 dies at the first forwarder")
}

func TestFabricBackpressure(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", func(cfg *FabricConfig) {
		cfg.Flow = FlowConfig{Capacity: 100, PauseThreshold: 0.8, ResumeThreshold: 0.5}
	})
	startFabric(t, hub, "b", nil)

	// Engage backpressure by accounting unflushed bytes.
	a.Flow().Write(90)

	err := a.Send(context.Background(), "b", MessageData, "", []byte("x"))
	assert.True(t, types.IsCode(err, types.ErrBackpressure))

	// Draining below the resume watermark lets sends through again.
	a.Flow().Drain(50)
	assert.NoError(t, a.Send(context.Background(), "b", MessageData, "", []byte("x")))
}

func TestFabricPublishReplicatesToNeighbors(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", nil)
	b := startFabric(t, hub, "b", nil)

	a.Table().AddRoute("b", "b", 1)

	require.NoError(t, a.Publish(context.Background(), "cluster/leader", []byte("a")))

	require.Eventually(t, func() bool {
		v, ok := b.Store().Get("cluster/leader")
		return ok && string(v) == "a"
	}, 2*time.Second, 10*time.Millisecond)

	// Deletions replicate the same way.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Unpublish(context.Background(), "cluster/leader"))
	require.Eventually(t, func() bool {
		_, ok := b.Store().Get("cluster/leader")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFabricHandlerUnsubscribe(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", nil)
	b := startFabric(t, hub, "b", nil)

	var sink envelopeSink
	cancel := b.RegisterHandler(MessageData, sink.handle)
	cancel()

	require.NoError(t, a.Send(context.Background(), "b", MessageData, "", []byte("x")))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, sink.len())
}

func TestFabricStartStopIdempotent(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	f, err := NewFabric(DefaultFabricConfig("solo"), hub.Factory("solo"), nil)
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())
}

func TestFabricRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	cfg := DefaultFabricConfig("a")
	cfg.Format = "msgpack"
	_, err := NewFabric(cfg, NewMemoryHub().Factory("a"), nil)
	assert.True(t, types.IsCode(err, types.ErrSerialization))
}

// countingObserver tallies traffic events for assertions.
type countingObserver struct {
	mu           sync.Mutex
	out, in      int
	backpressure int
	routes       int
}

func (o *countingObserver) RecordMessage(direction, _ string, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if direction == "out" {
		o.out++
	} else {
		o.in++
	}
}

func (o *countingObserver) RecordBackpressure() {
	o.mu.Lock()
	o.backpressure++
	o.mu.Unlock()
}

func (o *countingObserver) RecordInboxDrop() {}

func (o *countingObserver) SetRoutes(n int) {
	o.mu.Lock()
	o.routes = n
	o.mu.Unlock()
}

func (o *countingObserver) snapshot() (out, in, backpressure int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.out, o.in, o.backpressure
}

func TestFabricObserverSeesTraffic(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	a := startFabric(t, hub, "a", func(cfg *FabricConfig) {
		cfg.Flow = FlowConfig{Capacity: 100, PauseThreshold: 0.8, ResumeThreshold: 0.5}
	})
	b := startFabric(t, hub, "b", nil)

	obsA := &countingObserver{}
	obsB := &countingObserver{}
	a.SetObserver(obsA)
	b.SetObserver(obsB)

	var sink envelopeSink
	b.RegisterHandler(MessageData, sink.handle)

	require.NoError(t, a.Send(context.Background(), "b", MessageData, "", []byte("x")))
	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	out, _, _ := obsA.snapshot()
	assert.Equal(t, 1, out)
	_, in, _ := obsB.snapshot()
	assert.Equal(t, 1, in)

	a.Flow().Write(90)
	err := a.Send(context.Background(), "b", MessageData, "", []byte("x"))
	assert.True(t, types.IsCode(err, types.ErrBackpressure))
	_, _, bp := obsA.snapshot()
	assert.Equal(t, 1, bp)
}
