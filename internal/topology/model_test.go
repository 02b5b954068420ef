package topology

import (
	"testing"

	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/stretchr/testify/require"
)

func rec(id, upstream uint64, rev int64) *discovery.TopologyRecord {
	return &discovery.TopologyRecord{ID: id, UpstreamID: upstream, CreateRevision: rev, ModifyRevision: rev}
}

func TestModelRelationSelf(t *testing.T) {
	m := NewModel()
	require.Equal(t, Self, m.Relation(1, 1))
}

func TestModelRelationUpstreamDownstream(t *testing.T) {
	m := NewModel()
	require.True(t, m.Upsert(rec(1, 0, 1)))
	require.True(t, m.Upsert(rec(2, 1, 1)))
	require.True(t, m.Upsert(rec(3, 2, 1)))

	require.Equal(t, ImmediateUpstream, m.Relation(2, 1))
	require.Equal(t, TransitiveUpstream, m.Relation(3, 1))
	require.Equal(t, ImmediateDownstream, m.Relation(1, 2))
	require.Equal(t, TransitiveDownstream, m.Relation(1, 3))
}

func TestModelRelationSiblings(t *testing.T) {
	m := NewModel()
	require.True(t, m.Upsert(rec(1, 0, 1)))
	require.True(t, m.Upsert(rec(2, 1, 1)))
	require.True(t, m.Upsert(rec(3, 1, 1)))

	require.Equal(t, SameUpstreamPeer, m.Relation(2, 3))
}

func TestModelRelationOtherUpstream(t *testing.T) {
	m := NewModel()
	require.True(t, m.Upsert(rec(1, 0, 1)))
	require.True(t, m.Upsert(rec(2, 1, 1)))
	require.True(t, m.Upsert(rec(10, 0, 1)))
	require.True(t, m.Upsert(rec(11, 10, 1)))

	require.Equal(t, OtherUpstreamPeer, m.Relation(2, 11))
}

func TestModelRelationInvalidWhenUnknown(t *testing.T) {
	m := NewModel()
	require.Equal(t, Invalid, m.Relation(1, 99))
}

func TestModelUpsertRejectsStaleRevision(t *testing.T) {
	m := NewModel()
	require.True(t, m.Upsert(rec(1, 0, 5)))
	require.False(t, m.Upsert(rec(1, 0, 3)))

	got, ok := m.Record(1)
	require.True(t, ok)
	require.Equal(t, int64(5), got.ModifyRevision)
}

func TestModelChildrenAndRemove(t *testing.T) {
	m := NewModel()
	require.True(t, m.Upsert(rec(1, 0, 1)))
	require.True(t, m.Upsert(rec(2, 1, 1)))
	require.True(t, m.Upsert(rec(3, 1, 1)))

	require.ElementsMatch(t, []uint64{2, 3}, m.Children(1))

	m.Remove(2)
	require.ElementsMatch(t, []uint64{3}, m.Children(1))
}

func TestModelAncestors(t *testing.T) {
	m := NewModel()
	require.True(t, m.Upsert(rec(1, 0, 1)))
	require.True(t, m.Upsert(rec(2, 1, 1)))
	require.True(t, m.Upsert(rec(3, 2, 1)))

	require.Equal(t, []uint64{2, 1}, m.Ancestors(3))
}
