package mesh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// PoolConfig configures the connection pool.
type PoolConfig struct {
	// MaxConnections caps pooled connections.
	MaxConnections int `json:"max_connections"`
	// IdleTTL: idle connections older than this are closed by the sweep.
	IdleTTL time.Duration `json:"idle_ttl"`
	// SweepInterval between idle sweeps.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections: 64,
		IdleTTL:        2 * time.Minute,
		SweepInterval:  30 * time.Second,
	}
}

// pooledConn wraps a connection with usage bookkeeping.
type pooledConn struct {
	conn     Connection
	lastUsed time.Time
	borrowed int
}

// ConnectionPool owns transport connections to peers: reuse, LRU eviction at
// capacity, and a cancelable background sweep closing idle connections.
// Callers borrow a handle via Get and give it back with Release; a handle
// must not be retained past Release or Disconnect.
type ConnectionPool struct {
	mu      sync.Mutex
	conns   map[string]*pooledConn
	factory ConnectionFactory
	config  PoolConfig
	logger  *zap.Logger

	sweepMu      sync.Mutex
	sweepCancel  chan struct{}
	sweepRunning bool

	// now is swappable for tests.
	now func() time.Time
}

// NewConnectionPool creates a pool dialing through the given factory.
func NewConnectionPool(factory ConnectionFactory, config PoolConfig, logger *zap.Logger) *ConnectionPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConnections <= 0 {
		config = DefaultPoolConfig()
	}
	return &ConnectionPool{
		conns:   make(map[string]*pooledConn),
		factory: factory,
		config:  config,
		logger:  logger.With(zap.String("component", "connection_pool")),
		now:     time.Now,
	}
}

// Get returns a live connection to remoteID, reusing a pooled one when
// possible. At capacity, the least-recently-used idle connection is evicted
// first; when every connection is borrowed the pool is exhausted.
func (p *ConnectionPool) Get(ctx context.Context, remoteID string) (Connection, error) {
	p.mu.Lock()
	if pc, ok := p.conns[remoteID]; ok {
		if pc.conn.State() == ConnConnected {
			pc.lastUsed = p.now()
			pc.borrowed++
			p.mu.Unlock()
			return pc.conn, nil
		}
		// Dead handle: drop it and redial below.
		delete(p.conns, remoteID)
		go pc.conn.Disconnect()
	}

	if len(p.conns) >= p.config.MaxConnections {
		if !p.evictLRULocked() {
			p.mu.Unlock()
			return nil, types.NewErrorf(types.ErrPoolExhausted,
				"pool at capacity (%d) with no idle connection", p.config.MaxConnections)
		}
	}
	p.mu.Unlock()

	conn, err := p.factory(remoteID)
	if err != nil {
		return nil, types.NewErrorf(types.ErrTransport, "dial %s", remoteID).WithCause(err).WithRetryable(true)
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	// A concurrent Get may have dialed the same peer; keep the first one.
	if existing, ok := p.conns[remoteID]; ok && existing.conn.State() == ConnConnected {
		existing.lastUsed = p.now()
		existing.borrowed++
		p.mu.Unlock()
		go conn.Disconnect()
		return existing.conn, nil
	}
	p.conns[remoteID] = &pooledConn{conn: conn, lastUsed: p.now(), borrowed: 1}
	p.mu.Unlock()

	p.logger.Debug("connection established", zap.String("remote_id", remoteID))
	return conn, nil
}

// Release returns a borrowed handle to the pool, marking it idle when no
// other borrower holds it.
func (p *ConnectionPool) Release(remoteID string) {
	p.mu.Lock()
	if pc, ok := p.conns[remoteID]; ok {
		if pc.borrowed > 0 {
			pc.borrowed--
		}
		pc.lastUsed = p.now()
	}
	p.mu.Unlock()
}

// Drop disconnects and removes the connection to remoteID.
func (p *ConnectionPool) Drop(remoteID string) {
	p.mu.Lock()
	pc, ok := p.conns[remoteID]
	if ok {
		delete(p.conns, remoteID)
	}
	p.mu.Unlock()

	if ok {
		pc.conn.Disconnect()
	}
}

// Len returns the number of pooled connections.
func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// evictLRULocked removes the least-recently-used idle connection. Caller
// holds p.mu. Returns false when every connection is borrowed.
func (p *ConnectionPool) evictLRULocked() bool {
	var victimID string
	var victim *pooledConn
	for id, pc := range p.conns {
		if pc.borrowed > 0 {
			continue
		}
		if victim == nil || pc.lastUsed.Before(victim.lastUsed) {
			victimID, victim = id, pc
		}
	}
	if victim == nil {
		return false
	}
	delete(p.conns, victimID)
	go victim.conn.Disconnect()
	p.logger.Debug("evicted idle connection", zap.String("remote_id", victimID))
	return true
}

// StartSweep launches the periodic idle sweep. Re-entrant starts are no-ops.
func (p *ConnectionPool) StartSweep() {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	if p.sweepRunning {
		return
	}
	p.sweepRunning = true
	p.sweepCancel = make(chan struct{})
	go p.sweepLoop(p.sweepCancel)
}

// StopSweep cancels the idle sweep. Safe when not running.
func (p *ConnectionPool) StopSweep() {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	if !p.sweepRunning {
		return
	}
	close(p.sweepCancel)
	p.sweepRunning = false
}

func (p *ConnectionPool) sweepLoop(cancel <-chan struct{}) {
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			p.SweepOnce()
		}
	}
}

// SweepOnce closes connections idle beyond the TTL.
func (p *ConnectionPool) SweepOnce() {
	now := p.now()
	var victims []*pooledConn

	p.mu.Lock()
	for id, pc := range p.conns {
		if pc.borrowed == 0 && now.Sub(pc.lastUsed) > p.config.IdleTTL {
			delete(p.conns, id)
			victims = append(victims, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range victims {
		pc.conn.Disconnect()
	}
	if len(victims) > 0 {
		p.logger.Debug("closed idle connections", zap.Int("count", len(victims)))
	}
}

// CloseAll disconnects everything. Used on shutdown.
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	conns := make([]*pooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, pc := range conns {
		pc.conn.Disconnect()
	}
}
