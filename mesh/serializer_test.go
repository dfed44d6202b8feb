package mesh

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexweave/taskmesh/types"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		ID:        "m-1",
		Type:      MessageData,
		From:      "a",
		To:        "b",
		Topic:     "jobs",
		Payload:   []byte(`{"n":1}`),
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TTLHops:   4,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	reg := NewCodecRegistry()

	for _, name := range []string{FormatText, FormatBinary} {
		codec, err := reg.Get(name)
		require.NoError(t, err)

		data, err := codec.Encode(sampleEnvelope())
		require.NoError(t, err)

		decoded, err := codec.Decode(data)
		require.NoError(t, err, "format %s", name)
		assert.Equal(t, sampleEnvelope(), decoded, "format %s", name)
	}
}

func TestTextFormatIsJSON(t *testing.T) {
	t.Parallel()
	codec, err := NewCodecRegistry().Get(FormatText)
	require.NoError(t, err)

	data, err := codec.Encode(sampleEnvelope())
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestCodecDecodeGarbage(t *testing.T) {
	t.Parallel()
	reg := NewCodecRegistry()
	for _, name := range []string{FormatText, FormatBinary} {
		codec, err := reg.Get(name)
		require.NoError(t, err)
		_, err = codec.Decode([]byte("not an envelope"))
		assert.True(t, types.IsCode(err, types.ErrSerialization), "format %s", name)
	}
}

func TestCodecRegistryUnknownFormat(t *testing.T) {
	t.Parallel()
	_, err := NewCodecRegistry().Get("msgpack")
	assert.True(t, types.IsCode(err, types.ErrSerialization))
}

type upperCodec struct{}

func (upperCodec) Name() string                     { return "upper" }
func (upperCodec) Encode(*Envelope) ([]byte, error) { return []byte("X"), nil }
func (upperCodec) Decode([]byte) (*Envelope, error) { return &Envelope{}, nil }

func TestCodecRegistryRegisterCustom(t *testing.T) {
	t.Parallel()
	reg := NewCodecRegistry()
	reg.Register(upperCodec{})

	got, err := reg.Get("upper")
	require.NoError(t, err)
	assert.Equal(t, "upper", got.Name())
	assert.ElementsMatch(t, []string{FormatText, FormatBinary, "upper"}, reg.Names())
}
