package discovery

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strconv"

	"github.com/twmb/murmur3"
)

// virtualNodesPerPeer is the number of ring positions hashed per peer.
const virtualNodesPerPeer = 80

// RingWalkMode selects how the ring resolves the successor(s) of a hash
// point once the initial match falls on a vnode.
type RingWalkMode int

const (
	// RingWalkCompact collapses only *consecutive* vnodes owned by the same
	// peer into a single hit before counting toward the requested replica
	// count. A peer that reappears later at a non-adjacent ring position is
	// still counted again — compact mode dedups adjacency, not identity.
	RingWalkCompact RingWalkMode = iota
	// RingWalkUnique skips a peer already returned anywhere in the walk so
	// far, continuing around the ring until enough distinct peers are
	// found or the ring is exhausted.
	RingWalkUnique
)

type vnode struct {
	hash [16]byte
	peer *PeerRecord
}

// hashRing is a murmur3-128 consistent-hash ring over the peer set's
// virtual nodes, rebuilt wholesale on every add/remove.
type hashRing struct {
	nodes []vnode
}

func vnodeHash(name string, replica int) [16]byte {
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte('#')
	buf.WriteString(strconv.Itoa(replica))
	h1, h2 := murmur3.SeedSum128(0, 0, buf.Bytes())
	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], h1)
	binary.BigEndian.PutUint64(out[8:], h2)
	return out
}

func pointHash(key []byte) [16]byte {
	h1, h2 := murmur3.SeedSum128(0, 0, key)
	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], h1)
	binary.BigEndian.PutUint64(out[8:], h2)
	return out
}

func buildHashRing(peers []*PeerRecord) *hashRing {
	r := &hashRing{nodes: make([]vnode, 0, len(peers)*virtualNodesPerPeer)}
	for _, p := range peers {
		if p.Name == "" {
			continue
		}
		for i := 0; i < virtualNodesPerPeer; i++ {
			r.nodes = append(r.nodes, vnode{hash: vnodeHash(p.Name, i), peer: p})
		}
	}
	sort.Slice(r.nodes, func(i, j int) bool {
		return bytes.Compare(r.nodes[i].hash[:], r.nodes[j].hash[:]) < 0
	})
	return r
}

// Pick walks the ring clockwise from the hash of key and returns up to n
// peers, per mode. If skipSelf is non-empty, vnodes owned by that peer
// name are skipped entirely, as if that peer were absent from the ring —
// useful for "who else would own this key" lookups from the owning peer
// itself.
func (r *hashRing) Pick(key []byte, n int, mode RingWalkMode, skipSelf string) []*PeerRecord {
	if len(r.nodes) == 0 || n <= 0 {
		return nil
	}
	target := pointHash(key)
	start := sort.Search(len(r.nodes), func(i int) bool {
		return bytes.Compare(r.nodes[i].hash[:], target[:]) >= 0
	})

	out := make([]*PeerRecord, 0, n)
	seen := make(map[string]bool, n)
	var lastPeer *PeerRecord

	for i := 0; i < len(r.nodes) && len(out) < n; i++ {
		idx := (start + i) % len(r.nodes)
		node := r.nodes[idx]

		if skipSelf != "" && node.peer.Name == skipSelf {
			continue
		}

		switch mode {
		case RingWalkCompact:
			if lastPeer == node.peer {
				continue
			}
		case RingWalkUnique:
			if seen[node.peer.Name] {
				continue
			}
		}

		out = append(out, node.peer)
		seen[node.peer.Name] = true
		lastPeer = node.peer
	}
	return out
}

// PickOne is the n=1 convenience form used by the routing engine's
// hash-mode send path.
func (r *hashRing) PickOne(key []byte) *PeerRecord {
	picked := r.Pick(key, 1, RingWalkUnique, "")
	if len(picked) == 0 {
		return nil
	}
	return picked[0]
}
