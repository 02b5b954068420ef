package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/internal/endpoint"
	"github.com/owent/libatapp-sub000/pkg/atapppb"
	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// peerStream is the minimal send/recv surface a GRPCHandle needs,
// satisfied by both the client-side and server-side halves of a
// PeerChannel stream.
type peerStream interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
}

// GRPCHandle is a ConnectionHandle backed by one bidi PeerChannel stream
// over the hand-registered atapppb.TransportClient stub.
type GRPCHandle struct {
	stream    peerStream
	ready     atomic.Bool
	closing   atomic.Bool
	announced atomic.Bool
	cancel    context.CancelFunc
}

// Ready reports whether the underlying stream is open for sending.
func (h *GRPCHandle) Ready() bool { return h.ready.Load() && !h.closing.Load() }

// Closing reports whether the handle has begun tearing down.
func (h *GRPCHandle) Closing() bool { return h.closing.Load() }

// Send encodes and writes one forward-request onto the stream.
func (h *GRPCHandle) Send(ctx context.Context, msgType uint32, seq uint64, payload []byte, metadata map[string]string) atapperr.Code {
	if !h.Ready() {
		return atapperr.NoConnection
	}
	wire, err := atapppb.Encode(&atapppb.ForwardEnvelope{
		Type: msgType, Sequence: seq, Payload: payload, Metadata: metadata,
	})
	if err != nil {
		return atapperr.BadData
	}
	if err := h.stream.Send(wire); err != nil {
		h.closing.Store(true)
		return atapperr.SendFailed
	}
	return atapperr.Success
}

func (h *GRPCHandle) close() {
	h.closing.Store(true)
	h.ready.Store(false)
	if h.cancel != nil {
		h.cancel()
	}
}

// GRPCTransport is the network transport backing peer-to-peer traffic
// over gRPC, dialing through a shared Pool and delivering everything it
// reads back through the registered
// ReceiveRequestHandler/ReceiveResponseHandler.
type GRPCTransport struct {
	pool *Pool

	selfID   uint64
	selfName string

	mu      sync.Mutex
	servers map[string]*grpc.Server

	onRequest        ReceiveRequestHandler
	onResponse       ReceiveResponseHandler
	onInboundConnect InboundConnectHandler

	logger logging.Logger
}

// SetInboundConnectHandler installs the callback fired the first time an
// accepted stream is identified as belonging to a specific peer.
func (t *GRPCTransport) SetInboundConnectHandler(h InboundConnectHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInboundConnect = h
}

// NewGRPCTransport constructs a GRPCTransport that dials through pool and
// dispatches inbound traffic to the given handlers.
func NewGRPCTransport(selfID uint64, selfName string, cfg config.TransportConfig, logger logging.Logger, onRequest ReceiveRequestHandler, onResponse ReceiveResponseHandler) *GRPCTransport {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GRPCTransport{
		pool:       NewPool(cfg, logger),
		selfID:     selfID,
		selfName:   selfName,
		servers:    make(map[string]*grpc.Server),
		onRequest:  onRequest,
		onResponse: onResponse,
		logger:     logger,
	}
}

// Schemes reports the single scheme this transport claims.
func (t *GRPCTransport) Schemes() []string { return []string{"grpc"} }

// AddressType is always Duplex: a gRPC peer channel carries traffic
// both ways over one stream.
func (t *GRPCTransport) AddressType(string) AddressFlag { return Duplex }

// SupportsLoopback is false: self-traffic always goes through the
// loopback transport instead.
func (t *GRPCTransport) SupportsLoopback() bool { return false }

// StartListen starts a gRPC server on address, registering this
// transport as the TransportServer so inbound PeerChannel streams
// dispatch through onRequest/onResponse.
func (t *GRPCTransport) StartListen(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("grpc transport listen %s: %w", address, err)
	}

	srv := grpc.NewServer()
	atapppb.RegisterTransportServer(srv, t)

	t.mu.Lock()
	t.servers[address] = srv
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil {
			t.logger.WithFields(logging.Fields{"address": address, "error": err.Error()}).Warn("grpc transport: server stopped")
		}
	}()
	return nil
}

// StartConnect dials (or reuses) a connection to peer's address and
// opens a PeerChannel stream, returning it as a ConnectionHandle.
func (t *GRPCTransport) StartConnect(ctx context.Context, peer *discovery.PeerRecord, address string) (endpoint.ConnectionHandle, atapperr.Code) {
	conn, err := t.pool.GetOrDial(address)
	if err != nil {
		return nil, atapperr.ConnectFailed
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	client := atapppb.NewTransportClient(conn)
	stream, err := client.PeerChannel(streamCtx)
	if err != nil {
		cancel()
		return nil, atapperr.ConnectFailed
	}

	h := &GRPCHandle{stream: stream, cancel: cancel}
	h.ready.Store(true)

	go t.recvLoop(h)
	return h, atapperr.Success
}

func (t *GRPCTransport) recvLoop(h *GRPCHandle) {
	for {
		wire, err := h.stream.Recv()
		if err != nil {
			h.close()
			return
		}
		env, err := atapppb.Decode(wire)
		if err != nil {
			continue
		}
		t.dispatch(h, env)
	}
}

func (t *GRPCTransport) dispatch(h *GRPCHandle, env *atapppb.ForwardEnvelope) {
	if env.IsResponse {
		if t.onResponse != nil {
			t.onResponse(h, env.Type, env.Sequence, atapperr.Code(env.ErrorCode), env.Payload, env.Metadata)
		}
		return
	}
	if t.onRequest != nil {
		t.onRequest(h, env.SenderID, env.SenderName, env.Type, env.Sequence, env.Payload, env.Metadata)
	}
}

// PeerChannel implements atapppb.TransportServer for inbound streams
// accepted by StartListen's server.
func (t *GRPCTransport) PeerChannel(stream atapppb.PeerChannelServerStream) error {
	h := &GRPCHandle{stream: stream}
	h.ready.Store(true)

	for {
		wire, err := stream.Recv()
		if err != nil {
			h.close()
			return err
		}
		env, err := atapppb.Decode(wire)
		if err != nil {
			continue
		}
		if !h.announced.Swap(true) {
			t.mu.Lock()
			onConnect := t.onInboundConnect
			t.mu.Unlock()
			if onConnect != nil {
				onConnect(env.SenderID, env.SenderName, h)
			}
		}
		t.dispatch(h, env)
	}
}

// Close tears down a handle.
func (t *GRPCTransport) Close(handle endpoint.ConnectionHandle) error {
	if h, ok := handle.(*GRPCHandle); ok {
		h.close()
	}
	return nil
}

// ClosePool closes the underlying connection pool.
func (t *GRPCTransport) ClosePool() error { return t.pool.Close() }
