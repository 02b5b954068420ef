package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/endpoint"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

func TestSendMessageToSelfDeliversViaLoopback(t *testing.T) {
	a := New(testConfig("self-node"), "", logging.NewNop())
	require.Equal(t, atapperr.Success, a.Init(context.Background()))

	var gotType uint32
	var gotPayload []byte
	a.SetHooks(Hooks{
		OnForwardRequest: func(a *App, senderID uint64, senderName string, h endpoint.ConnectionHandle, msgType uint32, seq uint64, payload []byte, metadata map[string]string) int {
			gotType = msgType
			gotPayload = payload
			return 0
		},
	})

	seq, code := a.SendMessage(a.SelfID(), "", 42, []byte("hello"), nil)
	require.Equal(t, atapperr.Success, code)
	require.Equal(t, uint64(1), seq)

	a.RunNoBlock(context.Background())
	require.Equal(t, uint32(42), gotType)
	require.Equal(t, []byte("hello"), gotPayload)
}

func TestSendMessageByNameToSelf(t *testing.T) {
	a := New(testConfig("self-by-name"), "", logging.NewNop())
	require.Equal(t, atapperr.Success, a.Init(context.Background()))

	_, code := a.SendMessage(0, "self-by-name", 1, []byte("x"), nil)
	require.Equal(t, atapperr.Success, code)
}

func TestSendMessageUnknownPeerIsNodeNotFound(t *testing.T) {
	a := New(testConfig("lonely-node"), "", logging.NewNop())
	require.Equal(t, atapperr.Success, a.Init(context.Background()))

	_, code := a.SendMessage(9999, "", 1, []byte("x"), nil)
	require.Equal(t, atapperr.NodeNotFound, code)
}

func TestSendMessageByRandomWithNoPeersIsDiscoveryNotFound(t *testing.T) {
	a := New(testConfig("alone-node"), "", logging.NewNop())
	require.Equal(t, atapperr.Success, a.Init(context.Background()))

	_, code := a.SendMessageByRandom(nil, 1, []byte("x"), nil)
	require.Equal(t, atapperr.DiscoveryNotFound, code)
}
