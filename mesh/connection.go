package mesh

import "context"

// ConnState is the observable lifecycle state of a connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnError        ConnState = "error"
)

// Connection is the pluggable transport abstraction. The fabric is
// transport-agnostic: any implementation providing these operations and
// events works, whether in-memory, WebSocket, or otherwise.
//
// State transitions are observable through OnStateChange rather than polled.
// Callbacks must be registered before Connect; implementations invoke them
// from their own goroutines.
type Connection interface {
	// RemoteID returns the peer node id this connection reaches.
	RemoteID() string
	// Connect establishes the transport.
	Connect(ctx context.Context) error
	// Disconnect tears the transport down. Idempotent.
	Disconnect() error
	// Send transmits one frame.
	Send(ctx context.Context, data []byte) error
	// State returns the current lifecycle state.
	State() ConnState
	// OnMessage registers the inbound frame handler.
	OnMessage(fn func(data []byte))
	// OnError registers the transport error handler.
	OnError(fn func(err error))
	// OnClose registers the close handler.
	OnClose(fn func())
	// OnStateChange registers the lifecycle transition handler.
	OnStateChange(fn func(state ConnState))
}

// ConnectionFactory dials a connection to the given remote node.
type ConnectionFactory func(remoteID string) (Connection, error)
