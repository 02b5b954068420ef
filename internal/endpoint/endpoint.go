package endpoint

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/pkg/config"
)

// ForwardResponseHandler is invoked for every pending message that is
// ultimately resolved after the initial enqueue returned SUCCESS —
// delivery failure, timeout, or (in a fuller bus implementation) success
// acknowledgement, all surfaced asynchronously rather than from the
// enqueue call itself.
type ForwardResponseHandler func(msg *PendingMessage, code atapperr.Code)

// Endpoint is the per-peer bounded pending-message queue plus the set of
// connection handles attached to it. The Application Core owns the
// wake-scheduling priority queue; Endpoint only tracks whether it wants
// a wake and when.
type Endpoint struct {
	mu sync.Mutex

	id     uint64
	name   string
	record *discovery.PeerRecord

	handles []ConnectionHandle

	pending    *list.List // of *PendingMessage
	totalBytes int64
	seqCounter uint64

	cfg config.EndpointConfig

	onForwardResponse ForwardResponseHandler
	wantWake          bool
	wakeAt            time.Time
}

// New constructs an Endpoint for the given peer id/name with the given
// queue bounds.
func New(id uint64, name string, cfg config.EndpointConfig, onForwardResponse ForwardResponseHandler) *Endpoint {
	return &Endpoint{
		id:                id,
		name:              name,
		pending:           list.New(),
		cfg:               cfg,
		onForwardResponse: onForwardResponse,
	}
}

// ID returns the endpoint's peer id.
func (e *Endpoint) ID() uint64 { return e.id }

// Name returns the endpoint's peer name.
func (e *Endpoint) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// UpdateDiscovery installs or refreshes the PeerRecord backing this
// endpoint.
func (e *Endpoint) UpdateDiscovery(rec *discovery.PeerRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record = rec
	if rec != nil {
		if rec.ID != 0 {
			e.id = rec.ID
		}
		if rec.Name != "" {
			e.name = rec.Name
		}
	}
}

// Record returns the endpoint's current PeerRecord, or nil.
func (e *Endpoint) Record() *discovery.PeerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

// AttachHandle adds a connection handle in insertion order; handle
// selection always prefers the earliest-attached ready handle.
func (e *Endpoint) AttachHandle(h ConnectionHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles = append(e.handles, h)
}

// DetachHandle removes a previously attached handle.
func (e *Endpoint) DetachHandle(h ConnectionHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.handles {
		if existing == h {
			e.handles = append(e.handles[:i], e.handles[i+1:]...)
			return
		}
	}
}

// SetSingleHandle replaces every attached handle with h (or clears them
// if h is nil). The Application Core uses this to keep an endpoint's
// handle set in sync with whatever link the Topology Connector currently
// selects for that peer, rather than accumulating stale handles across
// reconnects.
func (e *Endpoint) SetSingleHandle(h ConnectionHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		e.handles = nil
		return
	}
	e.handles = []ConnectionHandle{h}
}

// GetReadyConnectionHandle returns the first attached handle that is
// ready and not closing.
func (e *Endpoint) GetReadyConnectionHandle() (ConnectionHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyHandleLocked()
}

func (e *Endpoint) readyHandleLocked() (ConnectionHandle, bool) {
	for _, h := range e.handles {
		if h.Ready() && !h.Closing() {
			return h, true
		}
	}
	return nil, false
}

// PushForwardMessage enqueues a message for delivery. If sequence is 0
// the endpoint allocates one. Returns the allocated sequence and an
// error code (SUCCESS on success).
func (e *Endpoint) PushForwardMessage(now time.Time, msgType uint32, sequence uint64, payload []byte, metadata map[string]string) (uint64, atapperr.Code) {
	e.mu.Lock()
	defer e.mu.Unlock()

	maxCount := e.cfg.MaxMessageCount
	maxBytes := e.cfg.MaxTotalBytes
	if maxCount <= 0 {
		maxCount = 256
	}

	if e.pending.Len() >= maxCount {
		return 0, atapperr.BufferLimit
	}

	if sequence == 0 {
		e.seqCounter++
		sequence = e.seqCounter
	}

	msg := &PendingMessage{
		Type: msgType, Sequence: sequence, Payload: payload, Metadata: metadata,
		EnqueueTime: now, ExpiresAt: now.Add(e.messageTimeoutLocked()),
	}
	if maxBytes > 0 && e.totalBytes+msg.size() > maxBytes {
		return 0, atapperr.BufferLimit
	}

	e.pending.PushBack(msg)
	e.totalBytes += msg.size()
	return sequence, atapperr.Success
}

func (e *Endpoint) messageTimeoutLocked() time.Duration {
	if e.cfg.MessageTimeout <= 0 {
		return 5 * time.Second
	}
	return e.cfg.MessageTimeout
}

// RetryPendingMessages walks the queue from the head, delegating ready
// messages to the first ready handle, dropping expired ones, and
// stopping early on a transient failure or the max-count bound. Returns
// the number of messages processed (sent, dropped, or left in place
// after a failed send stopped the walk); stopping for lack of a ready
// handle adds nothing to the count.
func (e *Endpoint) RetryPendingMessages(ctx context.Context, now time.Time, maxCount int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if maxCount <= 0 {
		maxCount = e.cfg.RetryMaxPerTick
	}
	if maxCount <= 0 {
		maxCount = 32
	}

	processed := 0
	for processed < maxCount {
		front := e.pending.Front()
		if front == nil {
			break
		}
		msg := front.Value.(*PendingMessage)

		if now.After(msg.ExpiresAt) {
			e.pending.Remove(front)
			e.totalBytes -= msg.size()
			processed++
			if e.onForwardResponse != nil {
				e.onForwardResponse(msg, atapperr.OperationTimeout)
			}
			continue
		}

		handle, ok := e.readyHandleLocked()
		if !ok {
			e.scheduleWakeLocked(now.Add(e.shortBackoffLocked()))
			break
		}

		code := handle.Send(ctx, msg.Type, msg.Sequence, msg.Payload, msg.Metadata)
		switch code {
		case atapperr.Success:
			e.pending.Remove(front)
			e.totalBytes -= msg.size()
			processed++
		case atapperr.BufferLimit:
			e.scheduleWakeLocked(now.Add(e.shortBackoffLocked()))
			processed++
			return processed
		case atapperr.NoConnection, atapperr.InvalidID:
			processed++
			return processed
		default:
			e.pending.Remove(front)
			e.totalBytes -= msg.size()
			processed++
			if e.onForwardResponse != nil {
				e.onForwardResponse(msg, code)
			}
		}
	}
	return processed
}

func (e *Endpoint) shortBackoffLocked() time.Duration {
	if e.cfg.ShortBackoff <= 0 {
		return 50 * time.Millisecond
	}
	return e.cfg.ShortBackoff
}

// AddWaker requests that the endpoint be serviced again no later than t.
// The Application Core's wake-scheduling priority queue is the actual
// timer; this just records the endpoint's own intent so IsIdle can be
// computed correctly between ticks.
func (e *Endpoint) AddWaker(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleWakeLocked(t)
}

func (e *Endpoint) scheduleWakeLocked(t time.Time) {
	if !e.wantWake || t.Before(e.wakeAt) {
		e.wantWake = true
		e.wakeAt = t
	}
}

// ConsumeWake clears the pending-wake flag and returns the time it was
// scheduled for, if any.
func (e *Endpoint) ConsumeWake() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.wantWake {
		return time.Time{}, false
	}
	e.wantWake = false
	return e.wakeAt, true
}

// PendingCount returns the number of messages currently queued.
func (e *Endpoint) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Len()
}

// PendingBytes returns the total size in bytes of all queued messages.
func (e *Endpoint) PendingBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalBytes
}

// IsIdle reports whether the endpoint has no attached handle and no
// pending traffic, the condition under which the Application Core
// removes it entirely.
func (e *Endpoint) IsIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ready := e.readyHandleLocked()
	return !ready && len(e.handles) == 0 && e.pending.Len() == 0
}

// HandleCount returns the number of attached connection handles.
func (e *Endpoint) HandleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}
