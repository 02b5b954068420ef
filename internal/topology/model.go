// Package topology implements the Topology Connector: it decides, for
// each peer the process needs to reach, how to reach it.
package topology

import (
	"sync"

	"github.com/owent/libatapp-sub000/internal/discovery"
)

// Relation classifies the structural relationship between this process
// and another peer in the upstream_id forest.
type Relation int

const (
	Invalid Relation = iota
	Self
	ImmediateUpstream
	TransitiveUpstream
	ImmediateDownstream
	TransitiveDownstream
	SameUpstreamPeer
	OtherUpstreamPeer
)

func (r Relation) String() string {
	switch r {
	case Self:
		return "SELF"
	case ImmediateUpstream:
		return "IMMEDIATE_UPSTREAM"
	case TransitiveUpstream:
		return "TRANSITIVE_UPSTREAM"
	case ImmediateDownstream:
		return "IMMEDIATE_DOWNSTREAM"
	case TransitiveDownstream:
		return "TRANSITIVE_DOWNSTREAM"
	case SameUpstreamPeer:
		return "SAME_UPSTREAM_PEER"
	case OtherUpstreamPeer:
		return "OTHER_UPSTREAM_PEER"
	default:
		return "INVALID"
	}
}

// Model holds the directed forest built from TopologyRecords: each node
// publishes {id, upstream_id, data}, and the upstream_id edges link
// nodes into a forest. It is read far more often than written, so
// updates rebuild a small derived index rather than optimizing for
// incremental maintenance.
type Model struct {
	mu       sync.RWMutex
	records  map[uint64]*discovery.TopologyRecord
	children map[uint64][]uint64
}

// NewModel constructs an empty topology model.
func NewModel() *Model {
	return &Model{
		records:  make(map[uint64]*discovery.TopologyRecord),
		children: make(map[uint64][]uint64),
	}
}

// Upsert installs or refreshes rec, applying the same create/modify
// revision tie-break PeerRecord uses, and reports whether the record was
// actually installed (false if a newer version is already held).
func (m *Model) Upsert(rec *discovery.TopologyRecord) bool {
	if rec == nil || rec.ID == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.ID]; ok {
		if rec.CreateRevision < existing.CreateRevision {
			return false
		}
		if rec.CreateRevision == existing.CreateRevision && rec.ModifyRevision <= existing.ModifyRevision {
			return false
		}
	}

	cp := *rec
	m.records[rec.ID] = &cp
	m.rebuildChildrenLocked()
	return true
}

// Remove drops id's topology record.
func (m *Model) Remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	m.rebuildChildrenLocked()
}

func (m *Model) rebuildChildrenLocked() {
	m.children = make(map[uint64][]uint64, len(m.records))
	for id, rec := range m.records {
		if rec.UpstreamID != 0 {
			m.children[rec.UpstreamID] = append(m.children[rec.UpstreamID], id)
		}
	}
}

// Record returns id's topology record, if known.
func (m *Model) Record(id uint64) (*discovery.TopologyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Parent returns id's upstream_id, if id and a nonzero upstream are known.
func (m *Model) Parent(id uint64) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok || rec.UpstreamID == 0 {
		return 0, false
	}
	return rec.UpstreamID, true
}

// Ancestors returns id's ancestor chain, nearest first, walking
// upstream_id until reaching a root or a cycle is detected.
func (m *Model) Ancestors(id uint64) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uint64
	seen := map[uint64]bool{id: true}
	cur := id
	for {
		rec, ok := m.records[cur]
		if !ok || rec.UpstreamID == 0 || seen[rec.UpstreamID] {
			return out
		}
		out = append(out, rec.UpstreamID)
		seen[rec.UpstreamID] = true
		cur = rec.UpstreamID
	}
}

// Relation computes the structural relation between self and target. It
// returns Invalid if either id's topology record is unknown.
func (m *Model) Relation(self, target uint64) Relation {
	if self == target {
		return Self
	}
	if _, ok := m.Record(self); !ok {
		return Invalid
	}
	if _, ok := m.Record(target); !ok {
		return Invalid
	}

	selfAncestors := m.Ancestors(self)
	if len(selfAncestors) > 0 && selfAncestors[0] == target {
		return ImmediateUpstream
	}
	for _, a := range selfAncestors {
		if a == target {
			return TransitiveUpstream
		}
	}

	targetAncestors := m.Ancestors(target)
	if len(targetAncestors) > 0 && targetAncestors[0] == self {
		return ImmediateDownstream
	}
	for _, a := range targetAncestors {
		if a == self {
			return TransitiveDownstream
		}
	}

	selfParent, selfHasParent := m.Parent(self)
	targetParent, targetHasParent := m.Parent(target)
	if selfHasParent && targetHasParent && selfParent == targetParent {
		return SameUpstreamPeer
	}
	return OtherUpstreamPeer
}

// Children returns id's immediate downstream peers.
func (m *Model) Children(id uint64) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, len(m.children[id]))
	copy(out, m.children[id])
	return out
}
