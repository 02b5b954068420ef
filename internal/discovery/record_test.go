package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerRecordValid(t *testing.T) {
	require.True(t, (&PeerRecord{ID: 1}).Valid())
	require.True(t, (&PeerRecord{Name: "a"}).Valid())
	require.False(t, (&PeerRecord{}).Valid())
}

func TestPeerRecordNewerByCreateRevision(t *testing.T) {
	older := &PeerRecord{CreateRevision: 1, ModifyRevision: 99}
	newer := &PeerRecord{CreateRevision: 2, ModifyRevision: 1}
	require.True(t, newer.Newer(older))
	require.False(t, older.Newer(newer))
}

func TestPeerRecordNewerByModifyRevisionOnTie(t *testing.T) {
	a := &PeerRecord{CreateRevision: 5, ModifyRevision: 10}
	b := &PeerRecord{CreateRevision: 5, ModifyRevision: 20}
	require.True(t, b.Newer(a))
	require.False(t, a.Newer(b))
}

func TestPeerRecordNewerAgainstNilIsAlwaysNewer(t *testing.T) {
	require.True(t, (&PeerRecord{}).Newer(nil))
}

func TestPeerRecordNextGatewayRoundRobins(t *testing.T) {
	r := &PeerRecord{Gateways: []Gateway{{Address: "a"}, {Address: "b"}}}
	first, ok := r.NextGateway()
	require.True(t, ok)
	second, _ := r.NextGateway()
	third, _ := r.NextGateway()
	require.Equal(t, "a", first.Address)
	require.Equal(t, "b", second.Address)
	require.Equal(t, "a", third.Address)
}

func TestPeerRecordNextGatewayEmpty(t *testing.T) {
	r := &PeerRecord{}
	_, ok := r.NextGateway()
	require.False(t, ok)
}

func TestPeerRecordCloneIsIndependent(t *testing.T) {
	r := &PeerRecord{
		ID: 1, Name: "a",
		Gateways: []Gateway{{Address: "x"}},
		Metadata: Metadata{Labels: map[string]string{"k": "v"}},
	}
	clone := r.Clone()
	clone.Gateways[0].Address = "y"
	clone.Metadata.Labels["k"] = "changed"

	require.Equal(t, "x", r.Gateways[0].Address)
	require.Equal(t, "v", r.Metadata.Labels["k"])
}

func TestPeerRecordMatchesFilter(t *testing.T) {
	r := &PeerRecord{Metadata: Metadata{
		Kind:      "worker",
		Namespace: "prod",
		Labels:    map[string]string{"role": "gateway", "az": "us-east-1a"},
	}}

	require.True(t, r.MatchesFilter(nil))
	require.True(t, r.MatchesFilter(&Metadata{Kind: "worker"}))
	require.False(t, r.MatchesFilter(&Metadata{Kind: "scheduler"}))
	require.True(t, r.MatchesFilter(&Metadata{Labels: map[string]string{"role": "gateway"}}))
	require.False(t, r.MatchesFilter(&Metadata{Labels: map[string]string{"role": "scheduler"}}))
}

func TestPeerRecordHashCodeIsStable(t *testing.T) {
	r := &PeerRecord{Name: "node-a"}
	require.Equal(t, r.HashCode(), r.HashCode())
	require.Len(t, r.HashCode(), 32)
}
