package mesh

import (
	"context"
	"sync"

	"github.com/nexweave/taskmesh/types"
)

// MemoryHub is an in-process transport fabric: nodes attach under their id
// and MemoryConnections deliver frames directly to the peer's handler.
// Used by tests and single-process deployments.
type MemoryHub struct {
	mu    sync.RWMutex
	nodes map[string]func(from string, data []byte)
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[string]func(string, []byte))}
}

// Attach registers a node's inbound handler. Re-attaching replaces it.
func (h *MemoryHub) Attach(nodeID string, handler func(from string, data []byte)) {
	h.mu.Lock()
	h.nodes[nodeID] = handler
	h.mu.Unlock()
}

// Detach removes a node.
func (h *MemoryHub) Detach(nodeID string) {
	h.mu.Lock()
	delete(h.nodes, nodeID)
	h.mu.Unlock()
}

func (h *MemoryHub) deliver(from, to string, data []byte) error {
	h.mu.RLock()
	handler, ok := h.nodes[to]
	h.mu.RUnlock()
	if !ok {
		return types.NewErrorf(types.ErrTransport, "node %s not attached", to).WithRetryable(true)
	}
	// Copy so the receiver cannot observe sender-side reuse of the buffer.
	cp := append([]byte(nil), data...)
	handler(from, cp)
	return nil
}

// Factory returns a ConnectionFactory dialing through this hub on behalf of
// the given local node.
func (h *MemoryHub) Factory(localID string) ConnectionFactory {
	return func(remoteID string) (Connection, error) {
		return newMemoryConnection(h, localID, remoteID), nil
	}
}

// MemoryConnection is the in-memory Connection implementation.
type MemoryConnection struct {
	hub      *MemoryHub
	localID  string
	remoteID string

	mu        sync.Mutex
	state     ConnState
	onMessage func([]byte)
	onError   func(error)
	onClose   func()
	onState   func(ConnState)
}

func newMemoryConnection(hub *MemoryHub, localID, remoteID string) *MemoryConnection {
	return &MemoryConnection{
		hub:      hub,
		localID:  localID,
		remoteID: remoteID,
		state:    ConnDisconnected,
	}
}

// RemoteID returns the peer node id.
func (c *MemoryConnection) RemoteID() string { return c.remoteID }

// Connect attaches the local inbound handler if not yet present and marks
// the connection live. Fails when the remote is not attached to the hub.
func (c *MemoryConnection) Connect(_ context.Context) error {
	c.setState(ConnConnecting)

	c.hub.mu.RLock()
	_, ok := c.hub.nodes[c.remoteID]
	c.hub.mu.RUnlock()
	if !ok {
		c.setState(ConnError)
		return types.NewErrorf(types.ErrTransport, "remote %s unreachable", c.remoteID).WithRetryable(true)
	}

	c.setState(ConnConnected)
	return nil
}

// Disconnect marks the connection closed and fires the close handler.
func (c *MemoryConnection) Disconnect() error {
	c.mu.Lock()
	if c.state == ConnDisconnected {
		c.mu.Unlock()
		return nil
	}
	onClose := c.onClose
	c.mu.Unlock()

	c.setState(ConnDisconnected)
	if onClose != nil {
		onClose()
	}
	return nil
}

// Send delivers the frame to the remote node's hub handler.
func (c *MemoryConnection) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	state := c.state
	onError := c.onError
	c.mu.Unlock()

	if state != ConnConnected {
		return types.NewErrorf(types.ErrTransport, "connection to %s is %s", c.remoteID, state).WithRetryable(true)
	}

	if err := c.hub.deliver(c.localID, c.remoteID, data); err != nil {
		c.setState(ConnError)
		if onError != nil {
			onError(err)
		}
		return err
	}
	return nil
}

// State returns the current lifecycle state.
func (c *MemoryConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers the inbound handler and attaches it to the hub so
// frames addressed to the local node arrive here.
func (c *MemoryConnection) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
	c.hub.Attach(c.localID, func(_ string, data []byte) { fn(data) })
}

// OnError registers the transport error handler.
func (c *MemoryConnection) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// OnClose registers the close handler.
func (c *MemoryConnection) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// OnStateChange registers the lifecycle transition handler.
func (c *MemoryConnection) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *MemoryConnection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
