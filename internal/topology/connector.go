package topology

import (
	"context"
	"time"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/internal/endpoint"
	"github.com/owent/libatapp-sub000/internal/transport"
	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

// HandleState is the per-peer connection lifecycle state.
type HandleState int

const (
	StateNew HandleState = iota
	StateWaitingDiscovery
	StateWaitingTopology
	StateConnecting
	StateReady
	StateUnready
	StateReconnecting
	StateLostTopology
	StateRemoved
)

func (s HandleState) String() string {
	switch s {
	case StateWaitingDiscovery:
		return "WAITING_DISCOVERY"
	case StateWaitingTopology:
		return "WAITING_TOPOLOGY"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateUnready:
		return "UNREADY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateLostTopology:
		return "LOST_TOPOLOGY"
	case StateRemoved:
		return "REMOVED"
	default:
		return "NEW"
	}
}

// ConnectionHandleData is the per-peer bookkeeping the Topology Connector
// holds.
type ConnectionHandleData struct {
	PeerID   uint64
	PeerName string
	State    HandleState
	Relation Relation

	Handle    endpoint.ConnectionHandle
	Transport transport.Transport // the transport that created Handle, for teardown
	ProxyID   uint64              // nonzero: this peer's traffic rides proxyID's handle
	ProxyFor  map[uint64]struct{} // target ids currently proxied through this peer

	ReconnectAttempt     int
	NextRetryAt          time.Time
	WaitingTopologySince time.Time
	LastError            atapperr.Code
}

// Ready reports whether the handle can currently carry traffic.
func (d *ConnectionHandleData) Ready() bool {
	return d.State == StateReady && d.Handle != nil && d.Handle.Ready()
}

// EndpointLookup resolves a peer id to its Endpoint, owned by the
// Application Core.
type EndpointLookup func(peerID uint64) (*endpoint.Endpoint, bool)

// Connector implements the Topology Connector: it owns one
// ConnectionHandleData per known peer and runs the link-selection
// algorithm that picks direct, proxied, or upstream-relayed paths.
type Connector struct {
	handles map[uint64]*ConnectionHandleData

	model     *Model
	discovery *discovery.Set
	transports *transport.Registry
	lookupEndpoint EndpointLookup

	cfg config.TopologyConfig

	selfID   uint64
	selfName string
	hostname string
	pid      int64

	busParentID uint64

	logger logging.Logger
	nowFn  func() time.Time
}

// NewConnector constructs a Connector for the given local identity.
func NewConnector(selfID uint64, selfName, hostname string, pid int64, model *Model, set *discovery.Set, transports *transport.Registry, lookup EndpointLookup, cfg config.TopologyConfig, logger logging.Logger) *Connector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Connector{
		handles:        make(map[uint64]*ConnectionHandleData),
		model:          model,
		discovery:      set,
		transports:     transports,
		lookupEndpoint: lookup,
		cfg:            cfg,
		selfID:         selfID,
		selfName:       selfName,
		hostname:       hostname,
		pid:            pid,
		logger:         logger,
		nowFn:          time.Now,
	}
}

// SetBusParent records our own upstream_id for the upstream-dial and
// proxy-via-current-upstream steps.
func (c *Connector) SetBusParent(id uint64) { c.busParentID = id }

// Handle returns the bookkeeping for peerID, if any.
func (c *Connector) Handle(peerID uint64) (*ConnectionHandleData, bool) {
	d, ok := c.handles[peerID]
	return d, ok
}

func (c *Connector) handleOrNew(peerID uint64, name string) *ConnectionHandleData {
	d, ok := c.handles[peerID]
	if !ok {
		d = &ConnectionHandleData{PeerID: peerID, PeerName: name, State: StateNew, ProxyFor: make(map[uint64]struct{})}
		c.handles[peerID] = d
	}
	return d
}

// OnDiscoveryPut handles a PUT on the peer's discovery record: it exits
// WAITING_DISCOVERY and may trigger TryConnect.
func (c *Connector) OnDiscoveryPut(rec *discovery.PeerRecord) {
	if rec == nil || !rec.Valid() {
		return
	}
	d := c.handleOrNew(rec.ID, rec.Name)
	if d.State == StateNew || d.State == StateWaitingDiscovery {
		d.State = StateWaitingTopology
		d.WaitingTopologySince = c.nowFn()
	}
	c.TryConnect(rec.ID)
}

// OnDiscoveryDelete handles a DELETE on a peer's discovery record:
// without an address there is nothing left to dial, so the handle
// reverts to WAITING_DISCOVERY.
func (c *Connector) OnDiscoveryDelete(peerID uint64) {
	d, ok := c.handles[peerID]
	if !ok {
		return
	}
	c.unbindProxyFor(peerID)
	d.Handle = nil
	d.State = StateWaitingDiscovery
}

// OnTopologyPut handles a PUT on the peer's topology record.
func (c *Connector) OnTopologyPut(rec *discovery.TopologyRecord) {
	if rec == nil || rec.ID == 0 {
		return
	}
	c.model.Upsert(rec)
	if d, ok := c.handles[rec.ID]; ok && (d.State == StateWaitingTopology || d.State == StateLostTopology) {
		d.State = StateConnecting
	}
	c.TryConnect(rec.ID)
}

// OnTopologyDelete handles a DELETE on the peer's topology record: a
// previously READY peer loses its policy basis and is marked
// LOST_TOPOLOGY pending the wait-topology deadline.
func (c *Connector) OnTopologyDelete(peerID uint64) {
	c.model.Remove(peerID)
	d, ok := c.handles[peerID]
	if !ok {
		return
	}
	if d.State == StateReady {
		c.unbindProxyFor(peerID)
	}
	d.State = StateLostTopology
	d.WaitingTopologySince = c.nowFn()
}

func (c *Connector) passesPolicy(rec *discovery.PeerRecord) bool {
	if rec == nil {
		return false
	}
	for k, v := range c.cfg.RequireLabelValues {
		if rec.Metadata.Labels[k] != v {
			return false
		}
	}
	if c.cfg.RequireSameHost && rec.Hostname != c.hostname {
		return false
	}
	if c.cfg.RequireSameProcess && rec.PID != c.pid {
		return false
	}
	return true
}

func (c *Connector) directAllowed(relation Relation) bool {
	if !c.cfg.AllowDirectConnection {
		return false
	}
	switch relation {
	case SameUpstreamPeer, Invalid:
		return true
	case OtherUpstreamPeer:
		return !c.cfg.RequireSameUpstream
	default:
		return false
	}
}

// pickGateway returns the next dialable gateway for rec, skipping
// gateways whose transport doesn't match, are simplex-only, or are
// local-process gateways belonging to a different pid.
func (c *Connector) pickGateway(rec *discovery.PeerRecord) (discovery.Gateway, bool) {
	for i := 0; i < len(rec.Gateways); i++ {
		gw, ok := rec.NextGateway()
		if !ok {
			return discovery.Gateway{}, false
		}
		if !c.transports.MatchGateway(gw) {
			continue
		}
		t, ok := c.transports.Resolve(gw.Address)
		if !ok {
			continue
		}
		flags := t.AddressType(gw.Address)
		if flags.Has(transport.Simplex) {
			continue
		}
		if flags.Has(transport.LocalProcess) && rec.PID != c.pid {
			continue
		}
		return gw, true
	}
	return discovery.Gateway{}, false
}

func (c *Connector) dial(ctx context.Context, peerID uint64) (endpoint.ConnectionHandle, transport.Transport, atapperr.Code) {
	rec := c.discovery.ByID(peerID)
	if rec == nil {
		return nil, nil, atapperr.DiscoveryNotFound
	}
	gw, ok := c.pickGateway(rec)
	if !ok {
		return nil, nil, atapperr.NoAvailableAddress
	}
	t, ok := c.transports.Resolve(gw.Address)
	if !ok {
		return nil, nil, atapperr.ChannelNotSupport
	}
	h, code := t.StartConnect(ctx, rec, gw.Address)
	return h, t, code
}

// selectProxyAncestor walks target's topology ancestors looking for one
// that passes policy and has a dialable discovery record, preferring
// (per original_source/atapp_connector_atbus.cpp) the ancestor with the
// fewest peers already proxied through it.
func (c *Connector) selectProxyAncestor(targetID uint64) (uint64, bool) {
	var best uint64
	bestLoad := -1
	for _, ancestorID := range c.model.Ancestors(targetID) {
		rec := c.discovery.ByID(ancestorID)
		if rec == nil || !c.passesPolicy(rec) || len(rec.Gateways) == 0 {
			continue
		}
		load := 0
		if d, ok := c.handles[ancestorID]; ok {
			load = len(d.ProxyFor)
		}
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = ancestorID, load
		}
	}
	if bestLoad == -1 {
		return 0, false
	}
	return best, true
}

func (c *Connector) bindProxy(targetID, proxyID uint64) {
	target := c.handleOrNew(targetID, "")
	proxy := c.handleOrNew(proxyID, "")
	target.ProxyID = proxyID
	target.Handle = proxy.Handle
	proxy.ProxyFor[targetID] = struct{}{}
}

// unbindProxyFor removes targetID from whatever peer was proxying for
// it, tearing the proxy's underlying connection down if it is now
// unused.
func (c *Connector) unbindProxyFor(targetID uint64) {
	d, ok := c.handles[targetID]
	if !ok || d.ProxyID == 0 {
		return
	}
	proxy, ok := c.handles[d.ProxyID]
	if ok {
		delete(proxy.ProxyFor, targetID)
		if len(proxy.ProxyFor) == 0 && proxy.State != StateReady && proxy.PeerID != c.busParentID && proxy.Handle != nil {
			if proxy.Transport != nil {
				_ = proxy.Transport.Close(proxy.Handle)
			}
			proxy.Handle = nil
			proxy.Transport = nil
		}
	}
	d.ProxyID = 0
}

// TryConnect runs the 5-step link-selection algorithm for peerID: direct
// sibling link, upstream dial, downstream wait, then proxy via the
// current upstream. It is idempotent: calling it on an already-READY
// peer is a fast no-op.
func (c *Connector) TryConnect(peerID uint64) atapperr.Code {
	d := c.handleOrNew(peerID, "")

	// Step 1: already-connected fast path.
	if peerID == c.selfID {
		d.State = StateReady
		d.Relation = Self
		return atapperr.Success
	}
	if d.Ready() || (peerID == c.busParentID && d.Handle != nil && d.Handle.Ready()) {
		d.State = StateReady
		return atapperr.Success
	}

	rec := c.discovery.ByID(peerID)
	if rec == nil {
		d.State = StateWaitingDiscovery
		return atapperr.DiscoveryNotFound
	}

	relation := c.model.Relation(c.selfID, peerID)
	d.Relation = relation
	if relation == Invalid {
		if _, ok := c.model.Record(peerID); !ok {
			if d.State != StateWaitingTopology {
				d.State = StateWaitingTopology
				d.WaitingTopologySince = c.nowFn()
			}
		}
	}

	// Step 2: direct sibling link.
	if c.directAllowed(relation) {
		if c.passesPolicy(rec) {
			h, tr, code := c.dial(context.Background(), peerID)
			if code == atapperr.Success {
				d.Handle = h
				d.Transport = tr
				d.State = StateReady
				d.ReconnectAttempt = 0
				c.wakeIfReady(peerID)
				return atapperr.Success
			}
			d.LastError = code
		} else if proxyID, ok := c.selectProxyAncestor(peerID); ok {
			if proxyID == peerID {
				h, tr, code := c.dial(context.Background(), peerID)
				if code == atapperr.Success {
					d.Handle = h
					d.Transport = tr
					d.State = StateReady
					c.wakeIfReady(peerID)
					return atapperr.Success
				}
				d.LastError = code
			} else {
				proxyCode := c.TryConnect(proxyID)
				c.bindProxy(peerID, proxyID)
				if proxyCode == atapperr.Success {
					d.State = StateReady
				} else {
					d.State = StateConnecting
				}
				c.wakeIfReady(peerID)
				return proxyCode
			}
		}
	}

	// Step 3: upstream dial — the next hop is our own immediate parent.
	if relation == ImmediateUpstream || relation == TransitiveUpstream {
		ancestors := c.model.Ancestors(c.selfID)
		nextHop := peerID
		if len(ancestors) > 0 {
			nextHop = ancestors[0]
		}
		h, tr, code := c.dial(context.Background(), nextHop)
		if code == atapperr.Success {
			d.Handle = h
			d.Transport = tr
			d.State = StateReady
			d.ReconnectAttempt = 0
			c.wakeIfReady(peerID)
			return atapperr.Success
		}
		d.LastError = code
		d.State = StateReconnecting
		c.scheduleRetry(d)
		return code
	}

	// Step 4: downstream wait — passive.
	if relation == ImmediateDownstream || relation == TransitiveDownstream {
		if d.State != StateReady {
			d.State = StateConnecting
		}
		return atapperr.InfoPending
	}

	// Step 5: proxy via current upstream.
	if c.busParentID != 0 && c.busParentID != c.selfID {
		parent := c.handleOrNew(c.busParentID, "")
		d.ProxyID = c.busParentID
		d.Handle = parent.Handle
		parent.ProxyFor[peerID] = struct{}{}
		if parent.Ready() {
			d.State = StateReady
		} else {
			d.State = StateConnecting
		}
		c.wakeIfReady(peerID)
		return atapperr.Success
	}

	d.State = StateWaitingTopology
	return atapperr.TopologyUnknown
}

// OnInboundConnected records that peerID dialed us, completing the
// downstream-wait step passively: an inbound connection accepted by a
// listening transport becomes the peer's handle directly.
func (c *Connector) OnInboundConnected(peerID uint64, peerName string, h endpoint.ConnectionHandle) {
	d := c.handleOrNew(peerID, peerName)
	d.Handle = h
	d.State = StateReady
	d.ReconnectAttempt = 0
	c.wakeIfReady(peerID)
}

// wakeIfReady keeps endpoint wake state consistent with connection
// state: after a state change, if the peer is READY with queued
// traffic, wake its Endpoint so the queue drains on the next tick.
func (c *Connector) wakeIfReady(peerID uint64) {
	d, ok := c.handles[peerID]
	if !ok || !d.Ready() || c.lookupEndpoint == nil {
		return
	}
	ep, ok := c.lookupEndpoint(peerID)
	if !ok || ep.PendingCount() == 0 {
		return
	}
	ep.AddWaker(c.nowFn())
}

func (c *Connector) scheduleRetry(d *ConnectionHandleData) {
	start := c.cfg.ReconnectStartInterval
	if start <= 0 {
		start = 8 * time.Second
	}
	maxInterval := c.cfg.ReconnectMaxInterval
	if maxInterval <= 0 {
		maxInterval = 60 * time.Second
	}
	delay := start << d.ReconnectAttempt
	if delay <= 0 || delay > maxInterval {
		delay = maxInterval
	}
	d.ReconnectAttempt++
	d.NextRetryAt = c.nowFn().Add(delay)
}

// Tick drives reconnect backoff and wait-topology deadlines.
func (c *Connector) Tick(now time.Time) {
	c.nowFn = func() time.Time { return now }
	for peerID, d := range c.handles {
		switch d.State {
		case StateReconnecting:
			if !now.Before(d.NextRetryAt) {
				if c.cfg.ReconnectMaxTryTimes > 0 && d.ReconnectAttempt >= c.cfg.ReconnectMaxTryTimes {
					d.State = StateRemoved
					delete(c.handles, peerID)
					continue
				}
				c.TryConnect(peerID)
			}
		case StateWaitingTopology, StateLostTopology:
			deadline := c.cfg.WaitTopologyDeadline
			if deadline <= 0 {
				deadline = 120 * time.Second
			}
			if !d.WaitingTopologySince.IsZero() && now.Sub(d.WaitingTopologySince) > deadline {
				d.State = StateRemoved
				delete(c.handles, peerID)
			}
		}
	}
}
