package transport

import (
	"container/list"
	"context"
	"sync"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/internal/endpoint"
)

// loopbackPendingMessage is one self-addressed message awaiting
// re-delivery on the next tick, grounded on
// atapp_connector_loopback.cpp's pending_message_t.
type loopbackPendingMessage struct {
	msgType  uint32
	sequence uint64
	payload  []byte
	metadata map[string]string
	size     int
}

// LoopbackHandle is the always-ready ConnectionHandle a process holds
// for itself.
type LoopbackHandle struct {
	t *LoopbackTransport
}

// Ready is always true: a process can always deliver to itself.
func (h *LoopbackHandle) Ready() bool { return true }

// Closing is always false; the loopback handle is never torn down.
func (h *LoopbackHandle) Closing() bool { return false }

// Send enqueues the message for re-delivery on the transport's next Tick.
func (h *LoopbackHandle) Send(ctx context.Context, msgType uint32, seq uint64, payload []byte, metadata map[string]string) atapperr.Code {
	return h.t.enqueue(msgType, seq, payload, metadata)
}

// LoopbackTransport is the built-in self-delivery transport: messages
// destined for the owning process are queued and re-delivered by
// triggering on_forward_request on the next tick, under the same
// count/byte-size bounds as an Endpoint.
type LoopbackTransport struct {
	mu sync.Mutex

	pending       *list.List // of *loopbackPendingMessage
	pendingBytes  int
	maxCount      int
	maxBytes      int
	handle        *LoopbackHandle
	selfID        uint64
	selfName      string
	onForwardRequest ReceiveRequestHandler
}

// NewLoopbackTransport constructs the loopback transport for a process
// identified by selfID/selfName, bounded the same way an Endpoint's
// pending queue is.
func NewLoopbackTransport(selfID uint64, selfName string, maxCount int, maxBytes int, onForwardRequest ReceiveRequestHandler) *LoopbackTransport {
	t := &LoopbackTransport{
		pending:          list.New(),
		maxCount:         maxCount,
		maxBytes:         maxBytes,
		selfID:           selfID,
		selfName:         selfName,
		onForwardRequest: onForwardRequest,
	}
	t.handle = &LoopbackHandle{t: t}
	return t
}

// Schemes reports the single scheme the loopback transport claims.
func (t *LoopbackTransport) Schemes() []string { return []string{"loopback"} }

// AddressType is always Duplex|LocalHost|LocalProcess: the loopback
// path is bidirectional, local to this host, and local to this process.
func (t *LoopbackTransport) AddressType(string) AddressFlag {
	return Duplex | LocalHost | LocalProcess
}

// SupportsLoopback is true: this transport IS the loopback path.
func (t *LoopbackTransport) SupportsLoopback() bool { return true }

// StartListen is a no-op; the loopback transport needs no listener.
func (t *LoopbackTransport) StartListen(ctx context.Context, address string) error { return nil }

// StartConnect returns the single shared handle immediately ready.
func (t *LoopbackTransport) StartConnect(ctx context.Context, peer *discovery.PeerRecord, address string) (endpoint.ConnectionHandle, atapperr.Code) {
	return t.handle, atapperr.Success
}

// Close is a no-op; the loopback handle is never closed.
func (t *LoopbackTransport) Close(handle endpoint.ConnectionHandle) error { return nil }

// Handle returns the transport's single shared connection handle.
func (t *LoopbackTransport) Handle() *LoopbackHandle { return t.handle }

func (t *LoopbackTransport) enqueue(msgType uint32, seq uint64, payload []byte, metadata map[string]string) atapperr.Code {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxCount > 0 && t.pending.Len()+1 > t.maxCount {
		return atapperr.BufferLimit
	}
	size := len(payload)
	if t.maxBytes > 0 && t.pendingBytes+size > t.maxBytes {
		return atapperr.BufferLimit
	}

	t.pending.PushBack(&loopbackPendingMessage{
		msgType: msgType, sequence: seq, payload: payload, metadata: metadata, size: size,
	})
	t.pendingBytes += size
	return atapperr.Success
}

// Process drains the pending queue, invoking on_forward_request for up
// to maxMessages entries.
func (t *LoopbackTransport) Process(maxMessages int) int {
	if maxMessages <= 0 {
		maxMessages = 1000
	}
	processed := 0
	for processed < maxMessages {
		t.mu.Lock()
		front := t.pending.Front()
		if front == nil {
			t.mu.Unlock()
			break
		}
		msg := front.Value.(*loopbackPendingMessage)
		t.pending.Remove(front)
		t.pendingBytes -= msg.size
		t.mu.Unlock()

		if t.onForwardRequest != nil {
			t.onForwardRequest(t.handle, t.selfID, t.selfName, msg.msgType, msg.sequence, msg.payload, msg.metadata)
		}
		processed++
	}
	return processed
}

// PendingCount reports the number of queued self-messages.
func (t *LoopbackTransport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len()
}
