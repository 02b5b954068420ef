package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/pkg/config"
)

type fakeHandle struct {
	ready   bool
	closing bool
	sent    []uint64
	result  atapperr.Code
}

func (h *fakeHandle) Ready() bool   { return h.ready }
func (h *fakeHandle) Closing() bool { return h.closing }
func (h *fakeHandle) Send(ctx context.Context, msgType uint32, seq uint64, payload []byte, metadata map[string]string) atapperr.Code {
	h.sent = append(h.sent, seq)
	return h.result
}

func testConfig() config.EndpointConfig {
	return config.EndpointConfig{}.WithDefaults()
}

func TestPushForwardMessageAllocatesSequence(t *testing.T) {
	ep := New(1, "peer", testConfig(), nil)
	seq, code := ep.PushForwardMessage(time.Now(), 7, 0, []byte("hi"), nil)
	require.Equal(t, atapperr.Success, code)
	require.Equal(t, uint64(1), seq)
	require.Equal(t, 1, ep.PendingCount())
}

func TestPushForwardMessageRespectsMaxMessageCount(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageCount = 2
	ep := New(1, "peer", cfg, nil)
	now := time.Now()

	_, code1 := ep.PushForwardMessage(now, 1, 0, []byte("a"), nil)
	_, code2 := ep.PushForwardMessage(now, 1, 0, []byte("b"), nil)
	_, code3 := ep.PushForwardMessage(now, 1, 0, []byte("c"), nil)

	require.Equal(t, atapperr.Success, code1)
	require.Equal(t, atapperr.Success, code2)
	require.Equal(t, atapperr.BufferLimit, code3)
}

func TestPushForwardMessageRespectsMaxTotalBytes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalBytes = 4
	ep := New(1, "peer", cfg, nil)
	now := time.Now()

	_, code1 := ep.PushForwardMessage(now, 1, 0, []byte("abcd"), nil)
	_, code2 := ep.PushForwardMessage(now, 1, 0, []byte("e"), nil)

	require.Equal(t, atapperr.Success, code1)
	require.Equal(t, atapperr.BufferLimit, code2)
}

func TestGetReadyConnectionHandlePrefersFirstReady(t *testing.T) {
	ep := New(1, "peer", testConfig(), nil)
	notReady := &fakeHandle{ready: false}
	ready := &fakeHandle{ready: true}
	ep.AttachHandle(notReady)
	ep.AttachHandle(ready)

	h, ok := ep.GetReadyConnectionHandle()
	require.True(t, ok)
	require.Same(t, ready, h)
}

func TestRetryPendingMessagesDeliversAndDequeues(t *testing.T) {
	ep := New(1, "peer", testConfig(), nil)
	h := &fakeHandle{ready: true, result: atapperr.Success}
	ep.AttachHandle(h)

	now := time.Now()
	ep.PushForwardMessage(now, 1, 0, []byte("a"), nil)
	ep.PushForwardMessage(now, 1, 0, []byte("b"), nil)

	processed := ep.RetryPendingMessages(context.Background(), now, 10)
	require.Equal(t, 2, processed)
	require.Equal(t, 0, ep.PendingCount())
	require.Len(t, h.sent, 2)
}

func TestRetryPendingMessagesDropsExpiredAsTimeout(t *testing.T) {
	var gotCode atapperr.Code
	var gotCalled bool
	ep := New(1, "peer", testConfig(), func(msg *PendingMessage, code atapperr.Code) {
		gotCalled = true
		gotCode = code
	})

	past := time.Now().Add(-time.Hour)
	ep.PushForwardMessage(past, 1, 0, []byte("stale"), nil)

	processed := ep.RetryPendingMessages(context.Background(), time.Now(), 10)
	require.Equal(t, 1, processed)
	require.True(t, gotCalled)
	require.Equal(t, atapperr.OperationTimeout, gotCode)
}

func TestRetryPendingMessagesStopsOnNoHandle(t *testing.T) {
	ep := New(1, "peer", testConfig(), nil)
	now := time.Now()
	ep.PushForwardMessage(now, 1, 0, []byte("a"), nil)

	processed := ep.RetryPendingMessages(context.Background(), now, 10)
	require.Equal(t, 0, processed)
	require.Equal(t, 1, ep.PendingCount())
	wakeAt, wants := ep.ConsumeWake()
	require.True(t, wants)
	require.True(t, wakeAt.After(now))
}

func TestEndpointIsIdle(t *testing.T) {
	ep := New(1, "peer", testConfig(), nil)
	require.True(t, ep.IsIdle())

	ep.PushForwardMessage(time.Now(), 1, 0, []byte("a"), nil)
	require.False(t, ep.IsIdle())
}
