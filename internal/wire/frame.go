// Package wire defines the messages exchanged between agents and the relay
// (CBOR frames) and between an agent and its browser tabs (JSON).
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/moppymopperson/waiwai-uml/internal/crdt"
)

// FrameType identifies a relay frame.
type FrameType string

const (
	// FrameSync asks the relay for every operation above Since.
	FrameSync FrameType = "sync"
	// FrameSnapshot answers a sync with the matching operations and the
	// relay's version vector for the room.
	FrameSnapshot FrameType = "snapshot"
	// FrameOps carries operations in either direction.
	FrameOps FrameType = "ops"
)

// Frame is one binary websocket message on the relay protocol.
type Frame struct {
	Type   FrameType        `cbor:"type"`
	Origin string           `cbor:"origin,omitempty"` // relay connection that published the ops
	Ops    []crdt.Operation `cbor:"ops,omitempty"`
	Since  crdt.Vector      `cbor:"since,omitempty"`
	Vector crdt.Vector      `cbor:"vector,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// crdt.Kind travels by name.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame serializes f.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame parses a frame and rejects unknown frame types.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	switch f.Type {
	case FrameSync, FrameSnapshot, FrameOps:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("decoding frame: unknown type %q", f.Type)
	}
}

// EncodeOperation serializes a single operation, as stored in the relay's
// room log.
func EncodeOperation(op crdt.Operation) ([]byte, error) {
	return encMode.Marshal(op)
}

// DecodeOperation is the inverse of EncodeOperation.
func DecodeOperation(data []byte) (crdt.Operation, error) {
	var op crdt.Operation
	if err := decMode.Unmarshal(data, &op); err != nil {
		return crdt.Operation{}, fmt.Errorf("decoding operation: %w", err)
	}
	return op, nil
}
