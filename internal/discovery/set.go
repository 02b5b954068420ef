package discovery

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// BriefEntry is a compact diagnostic projection of a PeerRecord, supplied
// for log lines and the debug HTTP surface (supplemented from
// etcd_discovery.h's brief-listing helper).
type BriefEntry struct {
	ID       uint64
	Name     string
	HashCode string
}

// filterCacheEntry holds a rebuildable view over the peer set restricted to
// a particular metadata_filter_rule, keyed by its canonical string.
type filterCacheEntry struct {
	sorted []*PeerRecord
	ring   *hashRing
	cursor uint64
}

// Set is the Discovery Set: the id/name dual index over known peers, plus
// caches for consistent-hash, round-robin, and random selection.
type Set struct {
	mu sync.RWMutex

	byID   map[uint64]*PeerRecord
	byName map[string]*PeerRecord

	allSorted []*PeerRecord
	allRing   *hashRing
	cursor    uint64

	filterCache map[string]*filterCacheEntry
	group       singleflight.Group
}

// NewSet constructs an empty Discovery Set.
func NewSet() *Set {
	return &Set{
		byID:        make(map[uint64]*PeerRecord),
		byName:      make(map[string]*PeerRecord),
		filterCache: make(map[string]*filterCacheEntry),
	}
}

// Upsert inserts or replaces a peer record, enforcing the Newer version
// tie-break so a stale watch event never regresses state. Returns true if
// the set actually changed.
func (s *Set) Upsert(rec *PeerRecord) bool {
	if !rec.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byID[rec.ID]
	if existing == nil {
		existing = s.byName[rec.Name]
	}
	if existing != nil && !rec.Newer(existing) {
		return false
	}

	clone := rec.Clone()
	if existing != nil {
		delete(s.byID, existing.ID)
		delete(s.byName, existing.Name)
	}
	if clone.ID != 0 {
		s.byID[clone.ID] = clone
	}
	if clone.Name != "" {
		s.byName[clone.Name] = clone
	}
	s.invalidateLocked()
	return true
}

// Remove deletes a peer by id, returning the removed record if present.
func (s *Set) Remove(id uint64) *PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	if rec.Name != "" {
		delete(s.byName, rec.Name)
	}
	s.invalidateLocked()
	return rec
}

// RemoveByName deletes a peer by name, returning the removed record if present.
func (s *Set) RemoveByName(name string) *PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byName[name]
	if !ok {
		return nil
	}
	delete(s.byName, name)
	if rec.ID != 0 {
		delete(s.byID, rec.ID)
	}
	s.invalidateLocked()
	return rec
}

func (s *Set) invalidateLocked() {
	s.allSorted = nil
	s.allRing = nil
	s.filterCache = make(map[string]*filterCacheEntry)
}

// ByID returns the peer with the given id, or nil.
func (s *Set) ByID(id uint64) *PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// ByName returns the peer with the given name, or nil.
func (s *Set) ByName(name string) *PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byName[name]
}

// Len returns the number of distinct peers held.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sortedLocked())
}

// sortedLocked returns the full peer vector sorted by (id, name), building
// and caching it on first use after an invalidation.
func (s *Set) sortedLocked() []*PeerRecord {
	if s.allSorted != nil {
		return s.allSorted
	}
	seen := make(map[*PeerRecord]bool)
	out := make([]*PeerRecord, 0, len(s.byID)+len(s.byName))
	for _, rec := range s.byID {
		if !seen[rec] {
			seen[rec] = true
			out = append(out, rec)
		}
	}
	for _, rec := range s.byName {
		if !seen[rec] {
			seen[rec] = true
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	s.allSorted = out
	return out
}

// All returns a snapshot of every known peer, sorted by (id, name).
func (s *Set) All() []*PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.sortedLocked()
	out := make([]*PeerRecord, len(sorted))
	copy(out, sorted)
	return out
}

// Brief returns the compact {id, name, hash_code} projection of every
// known peer, for diagnostics and log lines.
func (s *Set) Brief() []BriefEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.sortedLocked()
	out := make([]BriefEntry, len(sorted))
	for i, rec := range sorted {
		out[i] = BriefEntry{ID: rec.ID, Name: rec.Name, HashCode: rec.HashCode()}
	}
	return out
}

// canonicalFilterKey builds a stable cache key for a metadata filter rule.
func canonicalFilterKey(filter *Metadata) string {
	if filter == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%s", filter.APIVersion, filter.Kind, filter.Group,
		filter.Namespace, filter.UID, filter.ServiceSubset)
	keys := make([]string, 0, len(filter.Labels))
	for k := range filter.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, filter.Labels[k])
	}
	return b.String()
}

// filtered returns (and lazily caches) the sub-vector and hash ring
// matching filter, guarding concurrent rebuilds with singleflight so a
// burst of identical lookups triggers one rebuild, not N.
func (s *Set) filtered(filter *Metadata) *filterCacheEntry {
	key := canonicalFilterKey(filter)

	s.mu.RLock()
	if entry, ok := s.filterCache[key]; ok {
		s.mu.RUnlock()
		return entry
	}
	s.mu.RUnlock()

	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		s.mu.Lock()
		if entry, ok := s.filterCache[key]; ok {
			s.mu.Unlock()
			return entry, nil
		}
		all := s.sortedLocked()
		matched := make([]*PeerRecord, 0, len(all))
		for _, rec := range all {
			if rec.MatchesFilter(filter) {
				matched = append(matched, rec)
			}
		}
		entry := &filterCacheEntry{sorted: matched, ring: buildHashRing(matched)}
		s.filterCache[key] = entry
		s.mu.Unlock()
		return entry, nil
	})
	return v.(*filterCacheEntry)
}

// Filtered returns every known peer matching filter, sorted by (id, name).
func (s *Set) Filtered(filter *Metadata) []*PeerRecord {
	entry := s.filtered(filter)
	out := make([]*PeerRecord, len(entry.sorted))
	copy(out, entry.sorted)
	return out
}

// PickHash resolves key to a peer via consistent hashing within the
// filtered sub-ring.
func (s *Set) PickHash(filter *Metadata, key []byte) *PeerRecord {
	entry := s.filtered(filter)
	return entry.ring.PickOne(key)
}

// PickSuccessors returns up to n successors of key's ring position within
// the filtered sub-ring, per mode. If skipSelf is non-empty, that peer
// name is excluded from the walk, as if it held no vnodes at all — the
// buffered multi-successor lookup behind replica-aware hash routing and
// failover-candidate selection.
func (s *Set) PickSuccessors(filter *Metadata, key []byte, n int, mode RingWalkMode, skipSelf string) []*PeerRecord {
	entry := s.filtered(filter)
	return entry.ring.Pick(key, n, mode, skipSelf)
}

// PickRandom returns a uniformly random peer from the filtered set, using
// a non-cryptographic PRNG.
func (s *Set) PickRandom(filter *Metadata) *PeerRecord {
	entry := s.filtered(filter)
	if len(entry.sorted) == 0 {
		return nil
	}
	return entry.sorted[rand.IntN(len(entry.sorted))]
}

// PickRoundRobin advances and returns the next peer in the filtered set's
// round-robin cursor.
func (s *Set) PickRoundRobin(filter *Metadata) *PeerRecord {
	s.mu.Lock()
	entry := s.filteredLocked(filter)
	if len(entry.sorted) == 0 {
		s.mu.Unlock()
		return nil
	}
	idx := entry.cursor % uint64(len(entry.sorted))
	entry.cursor++
	rec := entry.sorted[idx]
	s.mu.Unlock()
	return rec
}

// filteredLocked is filtered's body reused while already holding s.mu for
// write, for the round-robin cursor path which mutates cache state.
func (s *Set) filteredLocked(filter *Metadata) *filterCacheEntry {
	key := canonicalFilterKey(filter)
	if entry, ok := s.filterCache[key]; ok {
		return entry
	}
	all := s.sortedLocked()
	matched := make([]*PeerRecord, 0, len(all))
	for _, rec := range all {
		if rec.MatchesFilter(filter) {
			matched = append(matched, rec)
		}
	}
	entry := &filterCacheEntry{sorted: matched, ring: buildHashRing(matched)}
	s.filterCache[key] = entry
	return entry
}
