// Package taskmesh wires the directory, reputation tracker, dispatcher,
// orchestrator, and mesh fabric into a single node. Most applications only
// need NewNode plus Start/Stop; the individual subsystems remain reachable
// through accessors for callers that need finer control.
package taskmesh

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/analytics"
	"github.com/nexweave/taskmesh/config"
	"github.com/nexweave/taskmesh/directory"
	"github.com/nexweave/taskmesh/dispatch"
	"github.com/nexweave/taskmesh/internal/database"
	"github.com/nexweave/taskmesh/internal/metrics"
	"github.com/nexweave/taskmesh/mesh"
	"github.com/nexweave/taskmesh/orchestrator"
	"github.com/nexweave/taskmesh/reputation"
	"github.com/nexweave/taskmesh/security"
	"github.com/nexweave/taskmesh/types"
)

// Node is a fully wired taskmesh instance: one mesh participant that can
// register agents, decompose jobs, dispatch tasks, and replicate shared
// state to its peers.
type Node struct {
	cfg    *config.Config
	nodeID string
	logger *zap.Logger

	directory    *directory.Directory
	tracker      *reputation.Tracker
	router       *dispatch.Router
	dispatcher   *dispatch.Dispatcher
	orchestrator *orchestrator.Orchestrator
	fabric       *mesh.Fabric
	auth         *security.Authenticator
	emitter      *analytics.Emitter
	collector    *metrics.Collector

	bridge      *mesh.RedisBridge
	redisClient *redis.Client
	dbPool      *database.PoolManager
	archive     *database.ArchiveStore

	unsubscribe []func()
}

// NodeOption configures optional collaborators on a Node.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	factory   mesh.ConnectionFactory
	collector *metrics.Collector
}

// WithConnectionFactory supplies the dialer used for outbound mesh links.
// Without one the node can still dispatch locally but cannot reach peers.
func WithConnectionFactory(f mesh.ConnectionFactory) NodeOption {
	return func(o *nodeOptions) { o.factory = f }
}

// WithCollector overrides the default metrics collector, mainly so tests
// can use an isolated Prometheus registry.
func WithCollector(c *metrics.Collector) NodeOption {
	return func(o *nodeOptions) { o.collector = c }
}

// NewNode builds a node from configuration. The returned node is inert
// until Start is called.
func NewNode(cfg *config.Config, logger *zap.Logger, opts ...NodeOption) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var options nodeOptions
	for _, opt := range opts {
		opt(&options)
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	collector := options.collector
	if collector == nil {
		collector = metrics.NewCollector("taskmesh", nil, logger)
	}

	n := &Node{
		cfg:       cfg,
		nodeID:    nodeID,
		logger:    logger.With(zap.String("node_id", nodeID)),
		collector: collector,
	}

	n.directory = directory.New(directory.Config{
		SweepInterval: cfg.Directory.SweepInterval,
		DegradedAfter: cfg.Directory.DegradedAfter,
		OfflineAfter:  cfg.Directory.OfflineAfter,
	}, logger)

	n.tracker = reputation.NewTracker(reputation.Config{
		SuccessDelta:        cfg.Reputation.SuccessDelta,
		FailureDelta:        cfg.Reputation.FailureDelta,
		QuarantineThreshold: cfg.Reputation.QuarantineThreshold,
		InitialScore:        cfg.Reputation.InitialScore,
	}, logger)

	n.router = dispatch.NewRouter(n.directory, n.tracker, dispatch.RouterConfig{
		FreshHeartbeat: cfg.Directory.FreshHeartbeat,
	}, logger)

	breakers := dispatch.NewBreakerRegistry(dispatch.BreakerConfig{
		FailureThreshold: cfg.Dispatch.FailureThreshold,
		ResetTimeout:     cfg.Dispatch.ResetTimeout,
	}, logger)
	breakers.OnStateChange(func(change dispatch.StateChange) {
		collector.RecordCircuitState(change.AgentID, int(change.NewState))
	})

	var orchOpts []orchestrator.Option
	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		pool, err := database.NewPoolManager(db, database.PoolConfig{
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		store, err := database.NewArchiveStore(pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		n.dbPool = pool
		n.archive = store
		orchOpts = append(orchOpts, orchestrator.WithArchiver(store))
	}

	n.orchestrator = orchestrator.New(n.directory, logger, orchOpts...)
	n.dispatcher = dispatch.NewDispatcher(n.router, breakers, n.orchestrator, dispatch.Config{
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		BaseBackoff:      cfg.Dispatch.BaseBackoff,
		MaxBackoff:       cfg.Dispatch.MaxBackoff,
		ExecutionTimeout: cfg.Dispatch.ExecutionTimeout,
	}, logger)
	n.dispatcher.OnRetry(collector.RecordRetry)

	n.emitter = analytics.NewEmitter(logger)
	n.unsubscribe = append(n.unsubscribe,
		n.emitter.AddConsumer(analytics.NewPrometheusConsumer(collector)))

	// Task outcomes fan out to the breaker registry, the reputation
	// tracker, the directory, metrics, and analytics.
	n.unsubscribe = append(n.unsubscribe, n.orchestrator.OnOutcome(n.recordOutcome(breakers)))

	fabricCfg := mesh.FabricConfig{
		NodeID:          nodeID,
		Format:          cfg.Mesh.Format,
		DefaultTTLHops:  cfg.Mesh.MaxHops,
		Routing:         mesh.RouteConfig{TTL: cfg.Mesh.RouteTTL},
		Flow: mesh.FlowConfig{
			Capacity:        cfg.Mesh.BufferCapacity,
			PauseThreshold:  cfg.Mesh.PauseThreshold,
			ResumeThreshold: cfg.Mesh.ResumeThreshold,
		},
		Pool: mesh.PoolConfig{
			MaxConnections: cfg.Mesh.MaxConnections,
			IdleTTL:        cfg.Mesh.ConnIdleTTL,
			SweepInterval:  cfg.Mesh.SweepInterval,
		},
		State: mesh.StateStoreConfig{Freshness: cfg.Mesh.StateFreshness},
	}
	fabric, err := mesh.NewFabric(fabricCfg, options.factory, logger)
	if err != nil {
		return nil, err
	}
	fabric.SetObserver(collector)
	n.fabric = fabric

	if cfg.Security.SigningKey != "" {
		auth, err := security.NewAuthenticator(cfg.Security, logger)
		if err != nil {
			return nil, err
		}
		n.auth = auth
	}

	if cfg.Redis.Enabled {
		n.redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		n.bridge = mesh.NewRedisBridge(n.redisClient, fabric.Store(), nodeID,
			mesh.RedisBridgeConfig{Channel: cfg.Redis.Channel}, logger)
	}

	return n, nil
}

// recordOutcome returns the hook that propagates a task's terminal outcome
// to every interested subsystem.
func (n *Node) recordOutcome(breakers *dispatch.BreakerRegistry) orchestrator.OutcomeHook {
	return func(task *types.Task, success bool) {
		agentID := task.AssignedAgent
		if agentID == "" {
			return
		}
		if success {
			breakers.RecordSuccess(agentID)
			n.tracker.RecordSuccess(agentID)
		} else {
			breakers.RecordFailure(agentID)
			n.tracker.RecordFailure(agentID)
		}

		score, _ := n.tracker.Score(agentID)
		n.directory.SetReputation(agentID, score)
		n.collector.SetReputation(agentID, score)

		if n.tracker.ShouldQuarantine(agentID) {
			if err := n.directory.SetStatus(agentID, types.AgentQuarantined); err == nil {
				n.logger.Warn("agent quarantined",
					zap.String("agent_id", agentID),
					zap.Float64("score", score))
			}
		}
		quarantined := 0
		for _, rec := range n.tracker.Snapshot() {
			if rec.Score < n.cfg.Reputation.QuarantineThreshold {
				quarantined++
			}
		}
		n.collector.SetQuarantined(quarantined)

		// The job transitions to a terminal status on exactly one
		// task's outcome, so this records each job once.
		if task.JobID != "" {
			if job, err := n.orchestrator.GetJob(task.JobID); err == nil {
				if job.Status == types.JobCompleted || job.Status == types.JobFailed {
					n.collector.RecordJob(string(job.Status))
				}
			}
		}

		n.emitter.Emit(analytics.Sample{
			TaskID:   task.ID,
			AgentID:  agentID,
			Duration: task.Duration(),
			Success:  success,
		})
	}
}

// Start brings the node online: health sweep, mesh fabric, and the Redis
// bridge when configured.
func (n *Node) Start(ctx context.Context) error {
	n.directory.StartHealthSweep()
	if err := n.fabric.Start(ctx); err != nil {
		n.directory.StopHealthSweep()
		return err
	}
	if n.bridge != nil {
		if err := n.bridge.Start(ctx); err != nil {
			n.fabric.Stop()
			n.directory.StopHealthSweep()
			return err
		}
	}
	n.logger.Info("node started")
	return nil
}

// Stop shuts the node down in reverse start order. Safe to call once after
// a successful Start.
func (n *Node) Stop() error {
	var errs []error
	if n.bridge != nil {
		n.bridge.Stop()
	}
	if err := n.fabric.Stop(); err != nil {
		errs = append(errs, err)
	}
	n.directory.StopHealthSweep()
	for _, unsub := range n.unsubscribe {
		unsub()
	}
	if n.redisClient != nil {
		if err := n.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.dbPool != nil {
		if err := n.dbPool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.logger.Info("node stopped")
	return errors.Join(errs...)
}

// ID returns the node's mesh identity.
func (n *Node) ID() string { return n.nodeID }

// Directory returns the agent directory.
func (n *Node) Directory() *directory.Directory { return n.directory }

// Reputation returns the reputation tracker.
func (n *Node) Reputation() *reputation.Tracker { return n.tracker }

// Dispatcher returns the resilient dispatcher.
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

// Orchestrator returns the job/task system of record.
func (n *Node) Orchestrator() *orchestrator.Orchestrator { return n.orchestrator }

// Fabric returns the mesh fabric.
func (n *Node) Fabric() *mesh.Fabric { return n.fabric }

// Authenticator returns the token authenticator, or nil when no signing
// key is configured.
func (n *Node) Authenticator() *security.Authenticator { return n.auth }

// Analytics returns the sample emitter.
func (n *Node) Analytics() *analytics.Emitter { return n.emitter }

// Archive returns the task archive, or nil when the database is disabled.
func (n *Node) Archive() *database.ArchiveStore { return n.archive }

// Metrics returns the Prometheus collector.
func (n *Node) Metrics() *metrics.Collector { return n.collector }

// SubmitJob creates a job, decomposes it into one task per objective, and
// dispatches each task. Dispatch failures mark the task failed so the job
// still converges to a terminal state.
func (n *Node) SubmitJob(ctx context.Context, userID, objective string, taskObjectives []string, metadata ...map[string]string) (*types.Job, error) {
	job := n.orchestrator.CreateJob(userID, objective)
	tasks, err := n.orchestrator.DecomposeTasks(job.ID, taskObjectives, metadata...)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		start := time.Now()
		decision, err := n.dispatcher.ExecuteTask(ctx, task)
		if err != nil {
			n.collector.RecordDispatch("failed", task.Metadata[types.MetaAgentType], time.Since(start))
			if failErr := n.orchestrator.FailTask(task.ID, err.Error()); failErr != nil {
				n.logger.Error("failed to mark task failed",
					zap.String("task_id", task.ID), zap.Error(failErr))
			}
			continue
		}
		n.collector.RecordDispatch("assigned", task.Metadata[types.MetaAgentType], time.Since(start))
		n.logger.Debug("task assigned",
			zap.String("task_id", task.ID),
			zap.String("agent_id", decision.AgentID),
			zap.Float64("score", decision.Score))
	}
	return n.orchestrator.GetJob(job.ID)
}
