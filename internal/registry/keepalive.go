package registry

import (
	"context"
	"sync"
)

// KeepaliveState is one step of a Keepalive Record's activation state
// machine.
type KeepaliveState int

// The states a Keepalive Record moves through, in order.
const (
	KeepaliveNew KeepaliveState = iota
	KeepaliveActivated
	KeepaliveGet
	KeepaliveCheckFail
	KeepalivePutLoop
	KeepaliveDormant
)

// Checker validates the value currently stored under a Keepalive
// Record's key before the record starts writing to it. It is invoked
// exactly once, at activation, against whatever is already stored
// (which may be empty if the key does not yet exist).
type Checker func(existing []byte) bool

// KeepaliveRecord guarantees that, while the owning Client is READY, the
// store holds exactly the configured value under the client's lease,
// unless an installed Checker rejected the pre-existing value at
// activation.
type KeepaliveRecord struct {
	mu sync.Mutex

	key     string
	value   []byte
	checker Checker

	state KeepaliveState

	client        *Client
	lastPutValue  []byte
	leaseChanged  bool
}

// NewKeepaliveRecord constructs a record for the given key. Call
// SetValue/SetChecker before Activate.
func NewKeepaliveRecord(key string) *KeepaliveRecord {
	return &KeepaliveRecord{key: key, state: KeepaliveNew}
}

// SetValue sets the value this record keeps alive under its key.
func (r *KeepaliveRecord) SetValue(value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = append([]byte(nil), value...)
}

// SetChecker installs a one-shot predicate evaluated against the
// pre-existing stored value at activation.
func (r *KeepaliveRecord) SetChecker(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checker = checker
}

// Activate begins the GET → CHECK → PUT_LOOP sequence. No-op unless the
// record is new or has been closed.
func (r *KeepaliveRecord) Activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != KeepaliveNew && r.state != KeepaliveDormant {
		return
	}
	r.state = KeepaliveActivated
}

// State returns the record's current activation state.
func (r *KeepaliveRecord) State() KeepaliveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close tears the record down. If resetHasData is true, the record
// forgets its last-written value so a subsequent Activate re-checks from
// scratch.
func (r *KeepaliveRecord) Close(resetHasData bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = KeepaliveDormant
	if resetHasData {
		r.lastPutValue = nil
	}
}

// markLeaseChanged is called by the owning Client when it re-grants a
// lease, so the next tick force-PUTs every attached key under the new
// lease regardless of whether the value itself changed.
func (r *KeepaliveRecord) markLeaseChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaseChanged = true
}

// tick drives the record's state machine one step. Returns true if it
// performed any RPC this call.
func (r *KeepaliveRecord) tick(ctx context.Context) bool {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state {
	case KeepaliveActivated:
		resp, err := r.client.Get(ctx, r.key, "", 1, 0)
		if err != nil {
			return true
		}
		var existing []byte
		if len(resp.KVs) > 0 {
			existing = []byte(resp.KVs[0].Value)
		}
		r.mu.Lock()
		if r.checker != nil && !r.checker(existing) {
			r.state = KeepaliveCheckFail
		} else {
			r.state = KeepalivePutLoop
		}
		r.mu.Unlock()
		return true

	case KeepalivePutLoop:
		r.mu.Lock()
		value := r.value
		needPut := r.leaseChanged || !bytesEqual(value, r.lastPutValue)
		r.mu.Unlock()
		if !needPut {
			return false
		}
		leaseID := r.client.LeaseID()
		if leaseID == 0 {
			return false
		}
		_, err := r.client.Put(ctx, r.key, string(value), leaseID, false, false, false)
		if err != nil {
			return true
		}
		r.mu.Lock()
		r.lastPutValue = append([]byte(nil), value...)
		r.leaseChanged = false
		r.mu.Unlock()
		return true

	case KeepaliveCheckFail, KeepaliveDormant, KeepaliveNew:
		return false
	}
	return false
}

// CheckFailed reports whether activation's one-shot checker rejected the
// pre-existing stored value.
func (r *KeepaliveRecord) CheckFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == KeepaliveCheckFail
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
