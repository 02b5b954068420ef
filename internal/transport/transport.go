// Package transport implements the Transport Registry: pluggable
// send/receive backends matched to a peer's gateway addresses by URL
// scheme.
package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/internal/endpoint"
)

// AddressFlag is the address_type bitmask carried per gateway.
type AddressFlag uint32

// The bits a transport can advertise for a gateway address.
const (
	Simplex AddressFlag = 1 << iota
	Duplex
	LocalHost
	LocalProcess
)

// Has reports whether flag is set.
func (f AddressFlag) Has(flag AddressFlag) bool { return f&flag != 0 }

// ReceiveRequestHandler is invoked by a transport for every inbound
// forward-request it observes on a handle; the framework dispatches it
// to the originating Endpoint.
type ReceiveRequestHandler func(handle endpoint.ConnectionHandle, senderID uint64, senderName string, msgType uint32, seq uint64, payload []byte, metadata map[string]string)

// ReceiveResponseHandler is the response-side counterpart.
type ReceiveResponseHandler func(handle endpoint.ConnectionHandle, msgType uint32, seq uint64, errorCode atapperr.Code, payload []byte, metadata map[string]string)

// InboundConnectHandler is invoked the first time a transport identifies
// an inbound connection as belonging to a specific peer, completing the
// "downstream wait" step of the Topology Connector's link-selection
// algorithm.
type InboundConnectHandler func(peerID uint64, peerName string, handle endpoint.ConnectionHandle)

// Transport is implemented by each concrete transport backend. A
// transport MUST call back into the registered
// ReceiveRequestHandler/ReceiveResponseHandler for everything it
// observes; Transport itself never touches an Endpoint directly.
type Transport interface {
	// Schemes returns the lowercase URL schemes this transport handles.
	Schemes() []string
	// AddressType returns the Simplex/Duplex/LocalHost/LocalProcess bits
	// this transport advertises for a given gateway address.
	AddressType(address string) AddressFlag
	// SupportsLoopback reports whether this transport may serve as the
	// self-connection for the owning process; otherwise only the
	// built-in loopback transport is used for self.
	SupportsLoopback() bool
	// StartListen begins accepting inbound connections on address, if
	// the transport is listen-capable.
	StartListen(ctx context.Context, address string) error
	// StartConnect dials address for peer and returns a ConnectionHandle
	// once established (may return before readiness; Ready() reports
	// true only once the underlying connection is usable).
	StartConnect(ctx context.Context, peer *discovery.PeerRecord, address string) (endpoint.ConnectionHandle, atapperr.Code)
	// Close tears a handle down.
	Close(handle endpoint.ConnectionHandle) error
}

// Registry resolves a gateway address to the Transport that handles its
// scheme, and applies the gateway's match_hosts/match_namespaces/
// match_labels rules.
type Registry struct {
	bySchemeMu sync.RWMutex
	byScheme   map[string]Transport

	localHostname  string
	localPID       int64
	localNamespace string
	localLabels    map[string]string
}

// NewRegistry constructs an empty Transport Registry describing the
// local process identity used by gateway matching rules.
func NewRegistry(hostname string, pid int64, namespace string, labels map[string]string) *Registry {
	return &Registry{
		byScheme:       make(map[string]Transport),
		localHostname:  hostname,
		localPID:       pid,
		localNamespace: namespace,
		localLabels:    labels,
	}
}

// Register adds t under every scheme it declares.
func (r *Registry) Register(t Transport) {
	r.bySchemeMu.Lock()
	defer r.bySchemeMu.Unlock()
	for _, scheme := range t.Schemes() {
		r.byScheme[strings.ToLower(scheme)] = t
	}
}

// Resolve returns the transport registered for address's scheme.
func (r *Registry) Resolve(address string) (Transport, bool) {
	scheme := schemeOf(address)
	if scheme == "" {
		return nil, false
	}
	r.bySchemeMu.RLock()
	defer r.bySchemeMu.RUnlock()
	t, ok := r.byScheme[scheme]
	return t, ok
}

func schemeOf(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.Scheme == "" {
		if idx := strings.Index(address, "://"); idx > 0 {
			return strings.ToLower(address[:idx])
		}
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// MatchGateway applies the three gateway matching rules: the gateway's
// own match_hosts/match_namespaces/match_labels sets, if non-empty, must
// each accept the local process identity.
func (r *Registry) MatchGateway(gw discovery.Gateway) bool {
	if len(gw.MatchHosts) > 0 && !contains(gw.MatchHosts, r.localHostname) {
		return false
	}
	if len(gw.MatchNamespaces) > 0 && !contains(gw.MatchNamespaces, r.localNamespace) {
		return false
	}
	for k, v := range gw.MatchLabels {
		if r.localLabels[k] != v {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SelectTransportForSelf returns the transport registered for address's
// scheme. It reports false when no transport is registered for it, or
// when targetIsSelf is set and that transport does not advertise
// loopback support.
func (r *Registry) SelectTransportForSelf(address string, targetIsSelf bool) (Transport, bool) {
	t, ok := r.Resolve(address)
	if !ok {
		return nil, false
	}
	if targetIsSelf && !t.SupportsLoopback() {
		return nil, false
	}
	return t, true
}
