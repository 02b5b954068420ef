// Package atapppb carries the wire-level message types exchanged between
// peers, plus a couple of protobuf-adjacent helpers (epsilon float
// comparison) kept around from the original wire format.
//
// The envelope itself travels as a google.golang.org/protobuf well-known
// type (wrapperspb.BytesValue) rather than a protoc-generated message:
// there is no protoc toolchain available to this build, so the payload
// is JSON-encoded into the BytesValue's bytes field. See DESIGN.md for
// the tradeoff.
package atapppb

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Epsilon is the float-comparison tolerance used by FloatEqual, carried
// over unchanged from the original wire format rather than switched to
// a strict compare.
const Epsilon = 1e-9

// FloatEqual reports whether a and b are equal within Epsilon.
func FloatEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= Epsilon
}

// ForwardEnvelope is the wire payload of a single forward-request or
// forward-response between two peers.
type ForwardEnvelope struct {
	SenderID   uint64            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	Type       uint32            `json:"type"`
	Sequence   uint64            `json:"sequence"`
	IsResponse bool              `json:"is_response"`
	ErrorCode  int32             `json:"error_code,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Encode packs an envelope into the BytesValue wire type.
func Encode(env *ForwardEnvelope) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{Value: data}, nil
}

// Decode unpacks an envelope from the BytesValue wire type.
func Decode(msg *wrapperspb.BytesValue) (*ForwardEnvelope, error) {
	env := &ForwardEnvelope{}
	if err := json.Unmarshal(msg.GetValue(), env); err != nil {
		return nil, err
	}
	return env, nil
}
