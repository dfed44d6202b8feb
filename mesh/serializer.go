package mesh

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"sync"
	"time"

	"github.com/nexweave/taskmesh/types"
)

// MessageType identifies the envelope's purpose to the receiving node.
type MessageType string

const (
	// MessageData carries an application payload.
	MessageData MessageType = "data"
	// MessageStateChange carries a replicated state-store change.
	MessageStateChange MessageType = "state_change"
	// MessageRouteAnnounce advertises reachability to the sender's peers.
	MessageRouteAnnounce MessageType = "route_announce"
	// MessageHeartbeat keeps connections warm.
	MessageHeartbeat MessageType = "heartbeat"
)

// Envelope is the wire unit exchanged between nodes.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Topic     string      `json:"topic,omitempty"`
	Payload   []byte      `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	// TTLHops is decremented at each forward; the envelope is dropped at 0.
	TTLHops int `json:"ttl_hops"`
}

// Codec encodes and decodes envelopes for the wire.
type Codec interface {
	Name() string
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// Built-in format names.
const (
	FormatText   = "text"
	FormatBinary = "binary"
)

// jsonCodec is the human-readable "text" format.
type jsonCodec struct{}

func (jsonCodec) Name() string { return FormatText }

func (jsonCodec) Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, "encode envelope").WithCause(err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.NewError(types.ErrSerialization, "decode envelope").WithCause(err)
	}
	return &env, nil
}

// gobCodec is the compact "binary" format.
type gobCodec struct{}

func (gobCodec) Name() string { return FormatBinary }

func (gobCodec) Encode(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, types.NewError(types.ErrSerialization, "encode envelope").WithCause(err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, types.NewError(types.ErrSerialization, "decode envelope").WithCause(err)
	}
	return &env, nil
}

// CodecRegistry maps format names to codecs. The two built-ins are "text"
// and "binary"; additional formats register by name.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewCodecRegistry creates a registry pre-populated with the built-ins.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]Codec)}
	r.Register(jsonCodec{})
	r.Register(gobCodec{})
	return r
}

// Register adds or replaces a codec under its name.
func (r *CodecRegistry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.Name()] = c
	r.mu.Unlock()
}

// Get returns the codec registered under name.
func (r *CodecRegistry) Get(name string) (Codec, error) {
	r.mu.RLock()
	c, ok := r.codecs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrSerialization, "unknown format %q", name)
	}
	return c, nil
}

// Names returns the registered format names.
func (r *CodecRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		out = append(out, name)
	}
	return out
}
