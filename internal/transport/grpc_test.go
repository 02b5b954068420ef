package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/endpoint"
	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
	"github.com/stretchr/testify/require"
)

func TestGRPCTransportSchemesAndAddressType(t *testing.T) {
	gt := NewGRPCTransport(1, "self", config.TransportConfig{}, logging.NewNop(), nil, nil)
	defer gt.ClosePool()

	require.Equal(t, []string{"grpc"}, gt.Schemes())
	require.Equal(t, Duplex, gt.AddressType("grpc://peer"))
	require.False(t, gt.SupportsLoopback())
}

func TestGRPCTransportRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:18423"

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 1)

	server := NewGRPCTransport(1, "server", config.TransportConfig{}, logging.NewNop(),
		func(h endpoint.ConnectionHandle, senderID uint64, sender string, msgType uint32, seq uint64, payload []byte, metadata map[string]string) {
			mu.Lock()
			got = append(got, string(payload))
			mu.Unlock()
			received <- struct{}{}
		}, nil)
	defer server.ClosePool()

	require.NoError(t, server.StartListen(context.Background(), addr))
	time.Sleep(50 * time.Millisecond)

	client := NewGRPCTransport(2, "client", config.TransportConfig{}, logging.NewNop(), nil, nil)
	defer client.ClosePool()

	handle, code := client.StartConnect(context.Background(), nil, addr)
	require.Equal(t, atapperr.Success, code)
	require.True(t, handle.Ready())

	code = handle.Send(context.Background(), 1, 42, []byte("ping"), nil)
	require.Equal(t, atapperr.Success, code)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forward request")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"ping"}, got)
}

func TestGRPCHandleSendAfterCloseFails(t *testing.T) {
	h := &GRPCHandle{}
	h.ready.Store(true)
	h.close()
	code := h.Send(context.Background(), 1, 1, nil, nil)
	require.Equal(t, atapperr.NoConnection, code)
}
