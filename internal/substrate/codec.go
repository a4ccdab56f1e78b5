// ABOUTME: Wire framing for the IPC channel using length-delimited protobuf envelopes.
// ABOUTME: Converts Go values to structpb values, falling back to JSON for unsupported types.

package substrate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxFrameSize bounds a single decoded frame.
const maxFrameSize = 16 << 20

type frameKind string

const (
	kindOnline        frameKind = "online"
	kindMessage       frameKind = "message"
	kindListening     frameKind = "listening"
	kindDisconnecting frameKind = "disconnecting"
)

type frame struct {
	Kind    frameKind
	Payload any
}

// writeFrame encodes f as one length-delimited envelope and writes it in a single call.
func writeFrame(w io.Writer, f frame) error {
	payload, err := toValue(f.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":    structpb.NewStringValue(string(f.Kind)),
		"payload": payload,
	}}

	var buf bytes.Buffer
	if _, err := protodelim.MarshalTo(&buf, env); err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readFrame decodes the next envelope. It returns io.EOF at a clean end of stream.
func readFrame(r *bufio.Reader) (frame, error) {
	env := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: maxFrameSize}
	if err := opts.UnmarshalFrom(r, env); err != nil {
		return frame{}, err
	}

	kind := env.GetFields()["kind"].GetStringValue()
	if kind == "" {
		return frame{}, fmt.Errorf("frame without kind")
	}

	var payload any
	if v, ok := env.GetFields()["payload"]; ok {
		payload = v.AsInterface()
	}
	return frame{Kind: frameKind(kind), Payload: payload}, nil
}

// toValue converts v to a structpb value, going through JSON for types
// structpb.NewValue does not accept (structs, typed slices and maps).
func toValue(v any) (*structpb.Value, error) {
	if val, err := structpb.NewValue(v); err == nil {
		return val, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

func addressPayload(addr Address) map[string]any {
	return map[string]any{
		"network": addr.Network,
		"address": addr.Address,
		"port":    addr.Port,
	}
}

func addressFromPayload(payload any) Address {
	m, _ := payload.(map[string]any)
	addr := Address{Port: -1}
	if s, ok := m["network"].(string); ok {
		addr.Network = s
	}
	if s, ok := m["address"].(string); ok {
		addr.Address = s
	}
	if n, ok := m["port"].(float64); ok && n == math.Trunc(n) {
		addr.Port = int(n)
	}
	return addr
}
