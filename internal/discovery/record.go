// Package discovery implements the Discovery Set: an in-memory index of
// peer records by id and by name, plus rebuildable caches for
// consistent-hash, random, and round-robin peer selection.
package discovery

import (
	"encoding/hex"

	"github.com/twmb/murmur3"
)

// Gateway is one advertised reachability entry on a peer record.
type Gateway struct {
	Address         string            `json:"address"`
	MatchHosts      []string          `json:"match_hosts,omitempty"`
	MatchNamespaces []string          `json:"match_namespaces,omitempty"`
	MatchLabels     map[string]string `json:"match_labels,omitempty"`
}

// Metadata carries the api_version/kind/group/namespace/uid/service_subset
// and label map of a PeerRecord.
type Metadata struct {
	APIVersion    string            `json:"api_version,omitempty"`
	Kind          string            `json:"kind,omitempty"`
	Group         string            `json:"group,omitempty"`
	Namespace     string            `json:"namespace,omitempty"`
	UID           string            `json:"uid,omitempty"`
	ServiceSubset string            `json:"service_subset,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// Area is the region/district/zone triple of a PeerRecord.
type Area struct {
	Region   string `json:"region,omitempty"`
	District string `json:"district,omitempty"`
	Zone     string `json:"zone,omitempty"`
}

// PeerRecord is a peer's advertised identity and reachability.
//
// Invariant: at least one of ID != 0 or Name != "" must hold; add_node
// rejects a record that satisfies neither.
type PeerRecord struct {
	ID       uint64   `json:"id,string"`
	Name     string   `json:"name"`
	Hostname string   `json:"hostname,omitempty"`
	PID      int64    `json:"pid,string,omitempty"`
	TypeID   uint64   `json:"type_id,string,omitempty"`
	TypeName string   `json:"type_name,omitempty"`
	Area     Area     `json:"area,omitempty"`
	Version  string   `json:"version,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
	Gateways []Gateway `json:"gateways,omitempty"`
	Listen   []string  `json:"listen,omitempty"`

	CreateRevision int64 `json:"create_revision,string,omitempty"`
	ModifyRevision int64 `json:"modify_revision,string,omitempty"`
	RecordVersion  int64 `json:"record_version,string,omitempty"`

	// gatewayCursor is the per-record round-robin cursor used when dialing.
	// Not part of equality/identity or the wire encoding (unexported
	// fields are never marshaled).
	gatewayCursor int
}

// Valid reports whether the record satisfies the identity invariant.
func (r *PeerRecord) Valid() bool {
	return r != nil && (r.ID != 0 || r.Name != "")
}

// HashCode returns the murmur3-128 hex digest of the peer's name, matching
// the hash_code field carried on the wire.
func (r *PeerRecord) HashCode() string {
	h1, h2 := murmur3.SeedSum128(0, 0, []byte(r.Name))
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (8 * (7 - i)))
		buf[8+i] = byte(h2 >> (8 * (7 - i)))
	}
	return hex.EncodeToString(buf)
}

// NextGateway returns the next gateway to dial using the record's
// round-robin cursor, skipping none; callers apply match/skip policy
// themselves.
func (r *PeerRecord) NextGateway() (Gateway, bool) {
	if len(r.Gateways) == 0 {
		return Gateway{}, false
	}
	gw := r.Gateways[r.gatewayCursor%len(r.Gateways)]
	r.gatewayCursor++
	return gw, true
}

// Clone returns a deep-enough copy of the record for safe storage in the
// Discovery Set independent of the caller's buffer.
func (r *PeerRecord) Clone() *PeerRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Gateways = append([]Gateway(nil), r.Gateways...)
	clone.Listen = append([]string(nil), r.Listen...)
	if r.Metadata.Labels != nil {
		clone.Metadata.Labels = make(map[string]string, len(r.Metadata.Labels))
		for k, v := range r.Metadata.Labels {
			clone.Metadata.Labels[k] = v
		}
	}
	clone.gatewayCursor = 0
	return &clone
}

// Newer reports whether r supersedes other on an identical key: higher
// create_revision wins; on equal create_revision, higher modify_revision
// wins.
func (r *PeerRecord) Newer(other *PeerRecord) bool {
	if other == nil {
		return true
	}
	if r.CreateRevision != other.CreateRevision {
		return r.CreateRevision > other.CreateRevision
	}
	return r.ModifyRevision > other.ModifyRevision
}

// MatchesFilter implements the metadata_filter_rule semantics: a peer
// passes iff every non-empty field of the rule equals the peer's
// corresponding field, and every labels[k]=v in the rule matches.
func (r *PeerRecord) MatchesFilter(filter *Metadata) bool {
	if filter == nil {
		return true
	}
	if filter.APIVersion != "" && filter.APIVersion != r.Metadata.APIVersion {
		return false
	}
	if filter.Kind != "" && filter.Kind != r.Metadata.Kind {
		return false
	}
	if filter.Group != "" && filter.Group != r.Metadata.Group {
		return false
	}
	if filter.Namespace != "" && filter.Namespace != r.Metadata.Namespace {
		return false
	}
	if filter.UID != "" && filter.UID != r.Metadata.UID {
		return false
	}
	if filter.ServiceSubset != "" && filter.ServiceSubset != r.Metadata.ServiceSubset {
		return false
	}
	for k, v := range filter.Labels {
		if r.Metadata.Labels[k] != v {
			return false
		}
	}
	return true
}

// TopologyRecord is published by every node in a separate key namespace so
// that cross-node policy can be evaluated without dialing.
type TopologyRecord struct {
	ID         uint64            `json:"id,string"`
	UpstreamID uint64            `json:"upstream_id,string,omitempty"`
	Name       string            `json:"name,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	PID        int64             `json:"pid,string,omitempty"`

	CreateRevision int64 `json:"create_revision,string,omitempty"`
	ModifyRevision int64 `json:"modify_revision,string,omitempty"`
}
