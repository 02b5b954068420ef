package atapppb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := &ForwardEnvelope{
		SenderID: 1, SenderName: "node-a", Type: 7, Sequence: 99,
		Payload: []byte("hello"), Metadata: map[string]string{"k": "v"},
	}
	wire, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, env.SenderID, decoded.SenderID)
	require.Equal(t, env.SenderName, decoded.SenderName)
	require.Equal(t, env.Payload, decoded.Payload)
	require.Equal(t, env.Metadata, decoded.Metadata)
}

func TestFloatEqualWithinEpsilon(t *testing.T) {
	require.True(t, FloatEqual(1.0, 1.0))
	require.True(t, FloatEqual(1.0, 1.0+Epsilon/2))
	require.False(t, FloatEqual(1.0, 1.1))
}
