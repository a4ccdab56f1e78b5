// ABOUTME: Tests for IPC frame encoding and decoding.
// ABOUTME: Covers payload conversion, end-of-stream handling and malformed frames.

package substrate

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeFrame(&buf, frame{Kind: kindOnline}))
	require.NoError(t, writeFrame(&buf, frame{Kind: kindMessage, Payload: map[string]any{
		"type":  "ping",
		"count": 3,
		"tags":  []any{"a", true},
	}}))
	require.NoError(t, writeFrame(&buf, frame{Kind: kindMessage, Payload: "ready"}))

	r := bufio.NewReader(&buf)

	f, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, kindOnline, f.Kind)
	assert.Nil(t, f.Payload)

	f, err = readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, kindMessage, f.Kind)
	assert.Equal(t, map[string]any{
		"type":  "ping",
		"count": float64(3),
		"tags":  []any{"a", true},
	}, f.Payload)

	f, err = readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "ready", f.Payload)

	_, err = readFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrame_StructPayloadGoesThroughJSON(t *testing.T) {
	type greeting struct {
		Type string `json:"type"`
		To   int    `json:"to"`
	}

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{Kind: kindMessage, Payload: greeting{Type: "hello", To: 2}}))

	f, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "hello", "to": float64(2)}, f.Payload)
}

func TestWriteFrame_UnencodablePayload(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, frame{Kind: kindMessage, Payload: make(chan int)})
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestReadFrame_MissingKind(t *testing.T) {
	var buf bytes.Buffer
	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		"payload": structpb.NewStringValue("orphan"),
	}}
	_, err := protodelim.MarshalTo(&buf, env)
	require.NoError(t, err)

	_, err = readFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{Kind: kindMessage, Payload: "truncated payload"}))
	data := buf.Bytes()[:buf.Len()-3]

	_, err := readFrame(bufio.NewReader(bytes.NewReader(data)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestAddressPayload(t *testing.T) {
	addr := Address{Network: "tcp", Address: "127.0.0.1", Port: 8080}

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{Kind: kindListening, Payload: addressPayload(addr)}))

	f, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, addr, addressFromPayload(f.Payload))
}

func TestAddressFromPayload_Malformed(t *testing.T) {
	assert.Equal(t, Address{Port: -1}, addressFromPayload(nil))
	assert.Equal(t, Address{Network: "unix", Port: -1}, addressFromPayload(map[string]any{
		"network": "unix",
		"port":    "nope",
	}))
}
