package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexweave/taskmesh/internal/channel"
	"github.com/nexweave/taskmesh/internal/pool"
	"github.com/nexweave/taskmesh/types"
)

// Handler consumes a delivered envelope on the local node.
type Handler func(env *Envelope)

// FabricConfig assembles the per-node fabric settings.
type FabricConfig struct {
	NodeID string
	// Format selects the wire codec, "text" or "binary".
	Format string
	// DefaultTTLHops bounds forwarding for envelopes sent by this node.
	DefaultTTLHops  int
	InboxSize       int
	DeliveryWorkers int

	Routing RouteConfig
	Flow    FlowConfig
	Pool    PoolConfig
	State   StateStoreConfig
}

// RouteConfig holds routing table settings.
type RouteConfig struct {
	TTL time.Duration
}

// DefaultFabricConfig returns working defaults for a single node.
func DefaultFabricConfig(nodeID string) FabricConfig {
	return FabricConfig{
		NodeID:          nodeID,
		Format:          FormatText,
		DefaultTTLHops:  8,
		InboxSize:       256,
		DeliveryWorkers: 4,
		Routing:         RouteConfig{TTL: 5 * time.Minute},
		Flow:            DefaultFlowConfig(),
		Pool:            DefaultPoolConfig(),
		State:           DefaultStateStoreConfig(),
	}
}

// Fabric is the per-node mesh runtime. It owns the routing table,
// connection pool, flow controller, codec registry and replicated
// state store, and moves envelopes between them.
type Fabric struct {
	cfg    FabricConfig
	logger *zap.Logger

	table  *RoutingTable
	conns  *ConnectionPool
	flow   *FlowController
	codecs *CodecRegistry
	codec  Codec
	store  *StateStore

	inbox   *channel.Inbox[*Envelope]
	workers *pool.WorkerPool

	mu       sync.RWMutex
	handlers map[MessageType][]Handler

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	obsMu    sync.RWMutex
	observer TrafficObserver
}

// TrafficObserver receives fabric traffic events. Satisfied by the
// metrics collector; all methods must be cheap and non-blocking.
type TrafficObserver interface {
	RecordMessage(direction, msgType string, bytes int)
	RecordBackpressure()
	RecordInboxDrop()
	SetRoutes(n int)
}

// NewFabric wires a fabric from its parts. The factory dials peer
// connections on demand.
func NewFabric(cfg FabricConfig, factory ConnectionFactory, logger *zap.Logger) (*Fabric, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "fabric"), zap.String("node", cfg.NodeID))
	if cfg.NodeID == "" {
		return nil, types.NewError(types.ErrInvalidTransition, "fabric requires a node id")
	}
	if cfg.DefaultTTLHops <= 0 {
		cfg.DefaultTTLHops = 8
	}

	codecs := NewCodecRegistry()
	codec, err := codecs.Get(cfg.Format)
	if err != nil {
		return nil, err
	}

	f := &Fabric{
		cfg:      cfg,
		logger:   logger,
		table:    NewRoutingTable(cfg.NodeID, cfg.Routing.TTL, logger),
		conns:    NewConnectionPool(factory, cfg.Pool, logger),
		flow:     NewFlowController(cfg.Flow, logger),
		codecs:   codecs,
		codec:    codec,
		store:    NewStateStore(cfg.NodeID, cfg.State, logger),
		inbox:    channel.NewInbox[*Envelope](cfg.InboxSize),
		workers:  pool.NewWorkerPool(pool.WorkerConfig{Workers: cfg.DeliveryWorkers, QueueSize: cfg.InboxSize}, logger),
		handlers: make(map[MessageType][]Handler),
	}
	f.RegisterHandler(MessageStateChange, f.applyStateChange)
	return f, nil
}

// Table exposes the routing table for peer announcements.
func (f *Fabric) Table() *RoutingTable { return f.table }

// Store exposes the replicated state store.
func (f *Fabric) Store() *StateStore { return f.store }

// Connections exposes the pooled transport layer.
func (f *Fabric) Connections() *ConnectionPool { return f.conns }

// Flow exposes the backpressure controller.
func (f *Fabric) Flow() *FlowController { return f.flow }

// Codecs exposes the codec registry for custom wire formats.
func (f *Fabric) Codecs() *CodecRegistry { return f.codecs }

// SetObserver installs the traffic observer. Call before Start.
func (f *Fabric) SetObserver(obs TrafficObserver) {
	f.obsMu.Lock()
	f.observer = obs
	f.obsMu.Unlock()
}

func (f *Fabric) observe(fn func(TrafficObserver)) {
	f.obsMu.RLock()
	obs := f.observer
	f.obsMu.RUnlock()
	if obs != nil {
		fn(obs)
	}
}

// RegisterHandler subscribes a handler to locally delivered envelopes
// of the given type. Returns an unsubscribe func.
func (f *Fabric) RegisterHandler(t MessageType, h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = append(f.handlers[t], h)
	idx := len(f.handlers[t]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		hs := f.handlers[t]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

// Start launches the delivery loop. Stop releases everything.
func (f *Fabric) Start(ctx context.Context) error {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	f.cancel = cancel
	f.group = g
	f.running = true

	f.workers.Start()
	f.conns.StartSweep()

	g.Go(func() error {
		return f.deliveryLoop(gctx)
	})
	g.Go(func() error {
		return f.gaugeLoop(gctx)
	})
	f.logger.Info("fabric started", zap.String("format", f.codec.Name()))
	return nil
}

// gaugeLoop refreshes slow-moving gauges and purges expired routes.
func (f *Fabric) gaugeLoop(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.table.Purge()
			f.observe(func(o TrafficObserver) { o.SetRoutes(f.table.Len()) })
		}
	}
}

// Stop shuts down the delivery loop, workers and connections.
func (f *Fabric) Stop() error {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if !f.running {
		return nil
	}
	f.running = false
	f.cancel()
	f.inbox.Close()
	err := f.group.Wait()
	f.workers.Stop(5 * time.Second)
	f.conns.StopSweep()
	f.conns.CloseAll()
	f.logger.Info("fabric stopped")
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Send routes a payload to another node. The next hop comes from the
// routing table; an unknown destination is tried as a direct peer.
func (f *Fabric) Send(ctx context.Context, to string, t MessageType, topic string, payload []byte) error {
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		From:      f.cfg.NodeID,
		To:        to,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		TTLHops:   f.cfg.DefaultTTLHops,
	}
	return f.forward(ctx, env)
}

// forward pushes an envelope one hop toward its destination.
func (f *Fabric) forward(ctx context.Context, env *Envelope) error {
	if env.To == "" || env.To == f.cfg.NodeID {
		return types.NewError(types.ErrNoRoute, "envelope has no remote destination")
	}
	nextHop, ok := f.table.NextHop(env.To)
	if !ok {
		// No table entry: try the destination as a direct peer.
		nextHop = env.To
	}

	data, err := f.codec.Encode(env)
	if err != nil {
		return err
	}
	size := int64(len(data))

	if f.flow.Paused() {
		f.observe(func(o TrafficObserver) { o.RecordBackpressure() })
		return types.NewError(types.ErrBackpressure, "send buffer above pause threshold").WithRetryable(true)
	}
	f.flow.Write(size)
	defer f.flow.Drain(size)

	conn, err := f.conns.Get(ctx, nextHop)
	if err != nil {
		return types.NewErrorf(types.ErrNoRoute, "no connection to %s", nextHop).WithCause(err).WithRetryable(true)
	}
	defer f.conns.Release(nextHop)

	if err := conn.Send(ctx, data); err != nil {
		f.conns.Drop(nextHop)
		return types.NewErrorf(types.ErrTransport, "send to %s via %s failed", env.To, nextHop).WithCause(err).WithRetryable(true)
	}
	f.observe(func(o TrafficObserver) { o.RecordMessage("out", string(env.Type), len(data)) })
	return nil
}

// HandleInbound accepts raw wire data from any transport. It decodes
// and queues the envelope; overflow drops are counted, not blocked on.
func (f *Fabric) HandleInbound(data []byte) {
	env, err := f.codec.Decode(data)
	if err != nil {
		f.logger.Warn("undecodable inbound frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if !f.inbox.Offer(env) {
		f.observe(func(o TrafficObserver) { o.RecordInboxDrop() })
		f.logger.Warn("inbox full, dropping envelope",
			zap.String("id", env.ID), zap.String("from", env.From))
		return
	}
	f.observe(func(o TrafficObserver) { o.RecordMessage("in", string(env.Type), len(data)) })
}

func (f *Fabric) deliveryLoop(ctx context.Context) error {
	for {
		env, ok := f.inbox.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		e := env
		if err := f.workers.Submit(ctx, func(jctx context.Context) {
			f.dispatch(jctx, e)
		}); err != nil {
			return err
		}
	}
}

func (f *Fabric) dispatch(ctx context.Context, env *Envelope) {
	if env.To != "" && env.To != f.cfg.NodeID {
		env.TTLHops--
		if env.TTLHops <= 0 {
			f.logger.Debug("dropping expired envelope",
				zap.String("id", env.ID), zap.String("to", env.To))
			return
		}
		if err := f.forward(ctx, env); err != nil {
			f.logger.Warn("forward failed",
				zap.String("id", env.ID), zap.String("to", env.To), zap.Error(err))
		}
		return
	}
	f.deliver(env)
}

func (f *Fabric) deliver(env *Envelope) {
	f.mu.RLock()
	hs := make([]Handler, len(f.handlers[env.Type]))
	copy(hs, f.handlers[env.Type])
	f.mu.RUnlock()
	for _, h := range hs {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("handler panic",
						zap.String("type", string(env.Type)), zap.Any("panic", r))
				}
			}()
			h(env)
		}()
	}
}

// Publish writes a key locally and replicates the change to every
// direct neighbor.
func (f *Fabric) Publish(ctx context.Context, key string, value []byte) error {
	change := f.store.Set(key, value)
	return f.broadcastChange(ctx, change)
}

// Unpublish deletes a key locally and replicates the deletion.
func (f *Fabric) Unpublish(ctx context.Context, key string) error {
	change, ok := f.store.DeleteChange(key)
	if !ok {
		return nil
	}
	return f.broadcastChange(ctx, change)
}

func (f *Fabric) broadcastChange(ctx context.Context, change StateChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return types.NewError(types.ErrSerialization, "encode state change").WithCause(err)
	}
	var firstErr error
	for _, neighbor := range f.table.DirectNeighbors() {
		if err := f.Send(ctx, neighbor, MessageStateChange, change.Key, payload); err != nil {
			f.logger.Warn("state replication failed",
				zap.String("neighbor", neighbor), zap.String("key", change.Key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// applyStateChange is the built-in handler for replicated changes.
func (f *Fabric) applyStateChange(env *Envelope) {
	var change StateChange
	if err := json.Unmarshal(env.Payload, &change); err != nil {
		f.logger.Warn("bad state change payload", zap.String("from", env.From), zap.Error(err))
		return
	}
	if change.SourceNode == f.cfg.NodeID {
		return
	}
	if err := f.store.ApplyRemote(change); err != nil {
		f.logger.Debug("state change rejected",
			zap.String("key", change.Key), zap.String("source", change.SourceNode), zap.Error(err))
	}
}
