package app

import (
	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/internal/endpoint"
	"github.com/owent/libatapp-sub000/internal/registry"
)

func (a *App) setupWatchers() {
	path := a.registryClient.ConfigurePath()

	idPrefix := path + "by_id/"
	idWatch := registry.NewWatchStream(idPrefix, prefixRangeEnd(idPrefix))
	idWatch.SetEventHandler(a.onDiscoveryWatchEvent)
	idWatch.Activate()
	a.registryClient.AddWatcher(idWatch)

	topoPrefix := path + "topology/"
	topoWatch := registry.NewWatchStream(topoPrefix, prefixRangeEnd(topoPrefix))
	topoWatch.SetEventHandler(a.onTopologyWatchEvent)
	topoWatch.Activate()
	a.registryClient.AddWatcher(topoWatch)
}

func (a *App) onDiscoveryWatchEvent(header registry.ResponseHeader, events []registry.WatchEvent, snapshot bool) {
	for _, ev := range events {
		switch ev.Type {
		case registry.WatchEventPut:
			rec, err := discovery.UnmarshalPeerRecord([]byte(ev.Kv.Value))
			if err != nil || !rec.Valid() {
				continue
			}
			rec.CreateRevision = ev.Kv.CreateRevision
			rec.ModifyRevision = ev.Kv.ModRevision
			a.handleDiscoveryPut(rec)
		case registry.WatchEventDelete:
			if id := peerIDFromKey(ev.Kv.Key); id != 0 {
				a.handleDiscoveryDelete(id)
			}
		}
	}
}

func (a *App) onTopologyWatchEvent(header registry.ResponseHeader, events []registry.WatchEvent, snapshot bool) {
	for _, ev := range events {
		switch ev.Type {
		case registry.WatchEventPut:
			rec, err := discovery.UnmarshalTopologyRecord([]byte(ev.Kv.Value))
			if err != nil {
				continue
			}
			rec.CreateRevision = ev.Kv.CreateRevision
			rec.ModifyRevision = ev.Kv.ModRevision
			a.topologyConn.OnTopologyPut(rec)
			if a.hooks.OnTopologyEvent != nil {
				a.hooks.OnTopologyEvent(a, TopologyPut, rec, rec.ModifyRevision)
			}
		case registry.WatchEventDelete:
			id := peerIDFromKey(ev.Kv.Key)
			if id == 0 {
				continue
			}
			a.topologyConn.OnTopologyDelete(id)
			if a.hooks.OnTopologyEvent != nil {
				a.hooks.OnTopologyEvent(a, TopologyDelete, &discovery.TopologyRecord{ID: id}, 0)
			}
		}
	}
}

// handleDiscoveryPut upserts the record, fans the event out to the
// Topology Connector and user hook, and refreshes (or lazily leaves
// untouched) any existing Endpoint for this peer.
func (a *App) handleDiscoveryPut(rec *discovery.PeerRecord) {
	if !a.discoverySet.Upsert(rec) {
		return
	}
	if a.hooks.OnDiscoveryEvent != nil {
		a.hooks.OnDiscoveryEvent(a, DiscoveryPut, rec)
	}
	a.topologyConn.OnDiscoveryPut(rec)

	a.endpointsMu.Lock()
	ep := a.endpoints[rec.ID]
	a.endpointsMu.Unlock()
	if ep == nil {
		return
	}
	ep.UpdateDiscovery(rec)
	if code := a.topologyConn.TryConnect(rec.ID); code == atapperr.Success {
		a.syncEndpointHandle(rec.ID, ep)
	}
}

// handleDiscoveryDelete removes the record and the peer's id/name
// indexes; the Endpoint itself is moved to the draining list so its
// queue can finish unwinding — it persists until the queue drains or
// its messages time out.
func (a *App) handleDiscoveryDelete(id uint64) {
	rec := a.discoverySet.Remove(id)
	if rec == nil {
		return
	}
	if a.hooks.OnDiscoveryEvent != nil {
		a.hooks.OnDiscoveryEvent(a, DiscoveryDelete, rec)
	}
	a.topologyConn.OnDiscoveryDelete(id)

	a.endpointsMu.Lock()
	ep := a.endpoints[id]
	delete(a.endpoints, id)
	delete(a.byName, rec.Name)
	if ep != nil {
		ep.SetSingleHandle(nil)
		if !ep.IsIdle() {
			a.draining = append(a.draining, ep)
		}
	}
	a.endpointsMu.Unlock()
}

// syncEndpointHandle pulls whatever link the Topology Connector currently
// holds for peerID onto ep, so RetryPendingMessages has a ready handle to
// use without App re-deriving link selection itself.
func (a *App) syncEndpointHandle(peerID uint64, ep *endpoint.Endpoint) {
	d, ok := a.topologyConn.Handle(peerID)
	if !ok {
		return
	}
	ep.SetSingleHandle(d.Handle)
}

// mutableEndpoint returns the existing Endpoint for rec, or creates one
// and registers it in the id/name indexes.
func (a *App) mutableEndpoint(rec *discovery.PeerRecord) *endpoint.Endpoint {
	a.endpointsMu.Lock()
	if ep, ok := a.endpoints[rec.ID]; ok {
		a.endpointsMu.Unlock()
		ep.UpdateDiscovery(rec)
		return ep
	}
	ep := endpoint.New(rec.ID, rec.Name, a.cfg.Endpoint, a.onForwardResponse)
	ep.UpdateDiscovery(rec)
	a.endpoints[rec.ID] = ep
	if rec.Name != "" {
		a.byName[rec.Name] = ep
	}
	a.endpointsMu.Unlock()
	return ep
}

func (a *App) removeEndpoint(peerID uint64) {
	if peerID == a.selfID {
		return
	}
	a.endpointsMu.Lock()
	ep := a.endpoints[peerID]
	if ep != nil {
		delete(a.endpoints, peerID)
		delete(a.byName, ep.Name())
	}
	a.endpointsMu.Unlock()
}

// dispatchForwardRequest is handed to every Transport as its
// ReceiveRequestHandler; it fans inbound forward-requests out to the
// user's on_forward_request hook.
func (a *App) dispatchForwardRequest(h endpoint.ConnectionHandle, senderID uint64, senderName string, msgType uint32, seq uint64, payload []byte, metadata map[string]string) {
	if a.hooks.OnForwardRequest != nil {
		a.hooks.OnForwardRequest(a, senderID, senderName, h, msgType, seq, payload, metadata)
	}
}

// dispatchForwardResponse is handed to every Transport as its
// ReceiveResponseHandler for inbound response frames.
func (a *App) dispatchForwardResponse(h endpoint.ConnectionHandle, msgType uint32, seq uint64, code atapperr.Code, payload []byte, metadata map[string]string) {
	if a.hooks.OnForwardResponse != nil {
		a.hooks.OnForwardResponse(a, 0, "", h, msgType, seq, code)
	}
}

// onForwardResponse is the Endpoint's ForwardResponseHandler, invoked
// when a queued message is dropped undelivered: on expiry (operation
// timeout) or on a send failure other than buffer limit, no connection
// or invalid id, which leave the message queued instead.
func (a *App) onForwardResponse(msg *endpoint.PendingMessage, code atapperr.Code) {
	if a.hooks.OnForwardResponse != nil {
		a.hooks.OnForwardResponse(a, 0, "", nil, msg.Type, msg.Sequence, code)
	}
}

// lookupEndpointForTopology satisfies topology.EndpointLookup.
func (a *App) lookupEndpointForTopology(peerID uint64) (*endpoint.Endpoint, bool) {
	a.endpointsMu.Lock()
	defer a.endpointsMu.Unlock()
	ep, ok := a.endpoints[peerID]
	return ep, ok
}
