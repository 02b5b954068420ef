package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerRecordWireRoundTrip(t *testing.T) {
	rec := &PeerRecord{
		ID: 9223372036854775807, Name: "peer-a", Hostname: "host-a", PID: 100,
		Gateways:       []Gateway{{Address: "grpc://host-a:9000"}},
		Metadata:       Metadata{Kind: "service", Labels: map[string]string{"env": "prod"}},
		CreateRevision: 5, ModifyRevision: 7,
	}
	data, err := MarshalPeerRecord(rec)
	require.NoError(t, err)
	require.Contains(t, string(data), `"id":"9223372036854775807"`)

	got, err := UnmarshalPeerRecord(data)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Name, got.Name)
	require.Equal(t, rec.Gateways, got.Gateways)
	require.Equal(t, "prod", got.Metadata.Labels["env"])
	require.Equal(t, int64(5), got.CreateRevision)
}

func TestPeerRecordWireIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"id":"1","name":"x","unexpected_field":{"nested":true}}`)
	got, err := UnmarshalPeerRecord(data)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.ID)
	require.Equal(t, "x", got.Name)
}

func TestTopologyRecordWireRoundTrip(t *testing.T) {
	rec := &TopologyRecord{ID: 2, UpstreamID: 1, Name: "peer-b", CreateRevision: 3, ModifyRevision: 3}
	data, err := MarshalTopologyRecord(rec)
	require.NoError(t, err)

	got, err := UnmarshalTopologyRecord(data)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.UpstreamID, got.UpstreamID)
}
