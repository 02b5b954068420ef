package transport

import (
	"context"
	"testing"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/endpoint"
	"github.com/stretchr/testify/require"
)

type capturedForward struct {
	handle   endpoint.ConnectionHandle
	senderID uint64
	sender   string
	msgType  uint32
	seq      uint64
	payload  []byte
	metadata map[string]string
}

func TestLoopbackTransportSchemesAndAddressType(t *testing.T) {
	lt := NewLoopbackTransport(1, "self", 0, 0, nil)
	require.Equal(t, []string{"loopback"}, lt.Schemes())
	require.True(t, lt.SupportsLoopback())
	require.Equal(t, Duplex|LocalHost|LocalProcess, lt.AddressType("loopback://self"))
}

func TestLoopbackStartConnectIsImmediatelyReady(t *testing.T) {
	lt := NewLoopbackTransport(1, "self", 0, 0, nil)
	h, code := lt.StartConnect(context.Background(), nil, "loopback://self")
	require.Equal(t, atapperr.Success, code)
	require.True(t, h.Ready())
	require.False(t, h.Closing())
}

func TestLoopbackSendAndProcessDeliversForwardRequest(t *testing.T) {
	var got []capturedForward
	lt := NewLoopbackTransport(7, "self", 0, 0, func(h endpoint.ConnectionHandle, senderID uint64, sender string, msgType uint32, seq uint64, payload []byte, metadata map[string]string) {
		got = append(got, capturedForward{h, senderID, sender, msgType, seq, payload, metadata})
	})

	h, code := lt.StartConnect(context.Background(), nil, "loopback://self")
	require.Equal(t, atapperr.Success, code)

	code = h.Send(context.Background(), 3, 101, []byte("payload"), map[string]string{"a": "b"})
	require.Equal(t, atapperr.Success, code)
	require.Equal(t, 1, lt.PendingCount())
	require.Empty(t, got)

	processed := lt.Process(10)
	require.Equal(t, 1, processed)
	require.Equal(t, 0, lt.PendingCount())
	require.Len(t, got, 1)
	require.Equal(t, uint64(7), got[0].senderID)
	require.Equal(t, "self", got[0].sender)
	require.Equal(t, uint32(3), got[0].msgType)
	require.Equal(t, uint64(101), got[0].seq)
	require.Equal(t, []byte("payload"), got[0].payload)
	require.Equal(t, "b", got[0].metadata["a"])
}

func TestLoopbackEnforcesCountLimit(t *testing.T) {
	lt := NewLoopbackTransport(1, "self", 1, 0, nil)
	h, _ := lt.StartConnect(context.Background(), nil, "loopback://self")

	require.Equal(t, atapperr.Success, h.Send(context.Background(), 1, 1, []byte("a"), nil))
	require.Equal(t, atapperr.BufferLimit, h.Send(context.Background(), 1, 2, []byte("b"), nil))
}

func TestLoopbackEnforcesByteLimit(t *testing.T) {
	lt := NewLoopbackTransport(1, "self", 0, 4, nil)
	h, _ := lt.StartConnect(context.Background(), nil, "loopback://self")

	require.Equal(t, atapperr.Success, h.Send(context.Background(), 1, 1, []byte("ab"), nil))
	require.Equal(t, atapperr.BufferLimit, h.Send(context.Background(), 1, 2, []byte("abc"), nil))
}

func TestLoopbackProcessBoundsPerCall(t *testing.T) {
	lt := NewLoopbackTransport(1, "self", 0, 0, nil)
	h, _ := lt.StartConnect(context.Background(), nil, "loopback://self")
	for i := 0; i < 5; i++ {
		require.Equal(t, atapperr.Success, h.Send(context.Background(), 1, uint64(i), nil, nil))
	}

	processed := lt.Process(2)
	require.Equal(t, 2, processed)
	require.Equal(t, 3, lt.PendingCount())
}
