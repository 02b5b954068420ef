// Package endpoint implements the Endpoint: a per-peer bounded
// pending-message queue plus the connection handles attached to it.
package endpoint

import (
	"context"
	"time"

	"github.com/owent/libatapp-sub000/internal/atapperr"
)

// ConnectionHandle is the framework-facing side of a transport's live (or
// reconnecting) connection to one peer. Transports implement this;
// Endpoint and the Topology Connector only ever see the interface. A
// transport calls back into the framework, which dispatches the
// notification to the originating Endpoint.
type ConnectionHandle interface {
	// Ready reports whether the handle can currently carry traffic.
	Ready() bool
	// Closing reports whether the handle is being torn down and should
	// not be selected for new sends.
	Closing() bool
	// Send delegates one forward-request to the transport. seq is
	// resolved by the caller (Endpoint) before this is invoked.
	Send(ctx context.Context, msgType uint32, seq uint64, payload []byte, metadata map[string]string) atapperr.Code
}

// PendingMessage is one queued forward-request awaiting a ready handle.
type PendingMessage struct {
	Type        uint32
	Sequence    uint64
	Payload     []byte
	Metadata    map[string]string
	EnqueueTime time.Time
	ExpiresAt   time.Time
}

func (m *PendingMessage) size() int64 {
	n := int64(len(m.Payload))
	for k, v := range m.Metadata {
		n += int64(len(k) + len(v))
	}
	return n
}
