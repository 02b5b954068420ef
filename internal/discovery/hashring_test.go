package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildHashRingHasVirtualNodesPerPeer(t *testing.T) {
	peers := []*PeerRecord{peer(1, "a"), peer(2, "b"), peer(3, "c")}
	ring := buildHashRing(peers)
	require.Len(t, ring.nodes, 3*virtualNodesPerPeer)
}

func TestHashRingPickUniqueReturnsDistinctPeers(t *testing.T) {
	peers := []*PeerRecord{peer(1, "a"), peer(2, "b"), peer(3, "c")}
	ring := buildHashRing(peers)

	picked := ring.Pick([]byte("some-routing-key"), 3, RingWalkUnique, "")
	require.Len(t, picked, 3)
	seen := map[string]bool{}
	for _, p := range picked {
		require.False(t, seen[p.Name])
		seen[p.Name] = true
	}
}

func TestHashRingPickOneIsDeterministic(t *testing.T) {
	peers := []*PeerRecord{peer(1, "a"), peer(2, "b"), peer(3, "c")}
	ring := buildHashRing(peers)

	a := ring.PickOne([]byte("stable-key"))
	b := ring.PickOne([]byte("stable-key"))
	require.Equal(t, a.Name, b.Name)
}

func TestHashRingEmptyReturnsNil(t *testing.T) {
	ring := buildHashRing(nil)
	require.Nil(t, ring.PickOne([]byte("x")))
	require.Nil(t, ring.Pick([]byte("x"), 2, RingWalkCompact, ""))
}

func TestHashRingPickCompactAllowsNonAdjacentRepeats(t *testing.T) {
	// Only two distinct peers exist, so unique mode can never return more
	// than 2 results no matter how large n is — it exhausts the ring.
	// Compact mode only collapses *consecutive* same-peer vnodes, so a
	// peer reappearing later (separated by the other peer's vnodes) must
	// still count toward n: the two modes must diverge here.
	peers := []*PeerRecord{peer(1, "a"), peer(2, "b")}
	ring := buildHashRing(peers)

	unique := ring.Pick([]byte("fan-out-key"), 3, RingWalkUnique, "")
	require.LessOrEqual(t, len(unique), 2)

	compact := ring.Pick([]byte("fan-out-key"), 3, RingWalkCompact, "")
	require.Len(t, compact, 3)
}

func TestHashRingPickSkipsSelf(t *testing.T) {
	peers := []*PeerRecord{peer(1, "a"), peer(2, "b"), peer(3, "c")}
	ring := buildHashRing(peers)

	picked := ring.Pick([]byte("some-routing-key"), 3, RingWalkUnique, "a")
	require.Len(t, picked, 2)
	for _, p := range picked {
		require.NotEqual(t, "a", p.Name)
	}
}

func TestHashRingDistributionIsReasonablyBalanced(t *testing.T) {
	peers := []*PeerRecord{peer(1, "a"), peer(2, "b"), peer(3, "c"), peer(4, "d")}
	ring := buildHashRing(peers)

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		p := ring.PickOne(key)
		counts[p.Name]++
	}
	require.Len(t, counts, 4)
	for _, c := range counts {
		require.Greater(t, c, 100)
	}
}
