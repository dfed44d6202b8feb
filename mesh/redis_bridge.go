package mesh

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// RedisBridgeConfig configures state replication over Redis pub/sub,
// used to link nodes that have no direct mesh connection.
type RedisBridgeConfig struct {
	// Channel is the pub/sub channel carrying state changes.
	Channel string
}

// DefaultRedisBridgeConfig returns the documented defaults.
func DefaultRedisBridgeConfig() RedisBridgeConfig {
	return RedisBridgeConfig{Channel: "taskmesh:state"}
}

// RedisBridge replicates state store changes through Redis pub/sub.
// Local changes are published; remote changes are applied with the
// store's usual last-writer-wins rules.
type RedisBridge struct {
	cfg    RedisBridgeConfig
	client redis.UniversalClient
	store  *StateStore
	nodeID string
	logger *zap.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// NewRedisBridge wires a bridge for the given store. nodeID must match
// the store's node id so the bridge can skip its own echoes.
func NewRedisBridge(client redis.UniversalClient, store *StateStore, nodeID string, cfg RedisBridgeConfig, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisBridgeConfig().Channel
	}
	return &RedisBridge{
		cfg:    cfg,
		client: client,
		store:  store,
		nodeID: nodeID,
		logger: logger.With(zap.String("component", "redis_bridge"), zap.String("node", nodeID)),
	}
}

// Start begins publishing local changes and applying remote ones.
func (b *RedisBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return types.NewError(types.ErrTransport, "redis ping failed").WithCause(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	b.unsubscribe = b.store.Subscribe(func(change StateChange) {
		if change.SourceNode != b.nodeID {
			return
		}
		b.publish(runCtx, change)
	})

	sub := b.client.Subscribe(runCtx, b.cfg.Channel)
	// Wait for the subscription before reporting started.
	if _, err := sub.Receive(runCtx); err != nil {
		cancel()
		b.unsubscribe()
		return types.NewError(types.ErrTransport, "redis subscribe failed").WithCause(err)
	}

	go b.receiveLoop(runCtx, sub)
	b.running = true
	b.logger.Info("redis bridge started", zap.String("channel", b.cfg.Channel))
	return nil
}

// Stop halts replication. Pending in-flight messages are dropped.
func (b *RedisBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	b.unsubscribe()
	b.cancel()
	<-b.done
	b.logger.Info("redis bridge stopped")
}

func (b *RedisBridge) publish(ctx context.Context, change StateChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		b.logger.Error("encode state change", zap.String("key", change.Key), zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.cfg.Channel, payload).Err(); err != nil {
		b.logger.Warn("publish state change", zap.String("key", change.Key), zap.Error(err))
	}
}

func (b *RedisBridge) receiveLoop(ctx context.Context, sub *redis.PubSub) {
	defer close(b.done)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg.Payload)
		}
	}
}

func (b *RedisBridge) handleMessage(payload string) {
	var change StateChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		b.logger.Warn("bad bridge payload", zap.Error(err))
		return
	}
	if change.SourceNode == b.nodeID {
		return
	}
	if err := b.store.ApplyRemote(change); err != nil {
		b.logger.Debug("bridge change rejected",
			zap.String("key", change.Key), zap.String("source", change.SourceNode), zap.Error(err))
	}
}
