package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexweave/taskmesh/types"
)

// WSConfig configures the WebSocket connection behavior.
type WSConfig struct {
	// DialTimeout bounds the initial dial.
	DialTimeout time.Duration `json:"dial_timeout"`
	// Subprotocols offered during the handshake.
	Subprotocols []string `json:"subprotocols"`
	// SendRateLimit caps outbound frames per second; 0 disables limiting.
	SendRateLimit float64 `json:"send_rate_limit"`
	// SendBurst is the limiter burst size.
	SendBurst int `json:"send_burst"`
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		DialTimeout:  10 * time.Second,
		Subprotocols: []string{"taskmesh"},
		SendBurst:    16,
	}
}

// WSConnection implements Connection over WebSocket with a background read
// pump and optional outbound rate limiting.
type WSConnection struct {
	remoteID string
	url      string
	config   WSConfig
	logger   *zap.Logger
	limiter  *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	state     ConnState
	done      chan struct{}
	onMessage func([]byte)
	onError   func(error)
	onClose   func()
	onState   func(ConnState)
}

// NewWSConnection creates a WebSocket connection to the peer reachable at url.
func NewWSConnection(remoteID, url string, config WSConfig, logger *zap.Logger) *WSConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DialTimeout == 0 {
		config = DefaultWSConfig()
	}
	c := &WSConnection{
		remoteID: remoteID,
		url:      url,
		config:   config,
		logger: logger.With(
			zap.String("component", "ws_connection"),
			zap.String("remote_id", remoteID)),
		state: ConnDisconnected,
	}
	if config.SendRateLimit > 0 {
		burst := config.SendBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.SendRateLimit), burst)
	}
	return c
}

// RemoteID returns the peer node id.
func (c *WSConnection) RemoteID() string { return c.remoteID }

// Connect dials the peer and starts the read pump.
func (c *WSConnection) Connect(ctx context.Context) error {
	c.setState(ConnConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		Subprotocols: c.config.Subprotocols,
	})
	if err != nil {
		c.setState(ConnError)
		return types.NewErrorf(types.ErrTransport, "dial %s", c.url).WithCause(err).WithRetryable(true)
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setState(ConnConnected)
	go c.readPump(done)
	return nil
}

// Disconnect closes the WebSocket. Idempotent.
func (c *WSConnection) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	onClose := c.onClose
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	err := conn.Close(websocket.StatusNormalClosure, "disconnect")
	c.setState(ConnDisconnected)
	if onClose != nil {
		onClose()
	}
	if err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// Send writes one binary frame, honoring the rate limiter when configured.
func (c *WSConnection) Send(ctx context.Context, data []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return types.NewErrorf(types.ErrTransport, "connection to %s not established", c.remoteID).WithRetryable(true)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.setState(ConnError)
		c.fireError(err)
		return types.NewErrorf(types.ErrTransport, "write to %s", c.remoteID).WithCause(err).WithRetryable(true)
	}
	return nil
}

// State returns the current lifecycle state.
func (c *WSConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers the inbound frame handler.
func (c *WSConnection) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnError registers the transport error handler.
func (c *WSConnection) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// OnClose registers the close handler.
func (c *WSConnection) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// OnStateChange registers the lifecycle transition handler.
func (c *WSConnection) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// readPump reads frames until the connection closes, dispatching each to the
// message handler.
func (c *WSConnection) readPump(done <-chan struct{}) {
	for {
		c.mu.Lock()
		conn := c.conn
		fn := c.onMessage
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-done:
				// Deliberate disconnect; Disconnect already fired events.
				return
			default:
			}
			c.logger.Warn("read failed", zap.Error(err))
			c.setState(ConnError)
			c.fireError(err)
			return
		}

		if fn != nil {
			fn(data)
		}
	}
}

func (c *WSConnection) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *WSConnection) fireError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
