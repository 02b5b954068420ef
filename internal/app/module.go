package app

import (
	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/internal/endpoint"
)

// Module is a user-registered unit of per-tick work. Stop reports whether
// the module has fully wound down; while it keeps returning false past
// the stop deadline, Timeout is invoked once and the module is
// force-retired.
type Module interface {
	Name() string
	Init(a *App) atapperr.Code
	Tick(a *App)
	Stop(a *App) bool
	Timeout(a *App)
	Cleanup(a *App)
}

type moduleState struct {
	module  Module
	enabled bool
	active  bool
	stopped bool
}

// DiscoveryAction distinguishes PUT from DELETE in on_discovery_event.
type DiscoveryAction int

const (
	DiscoveryPut DiscoveryAction = iota
	DiscoveryDelete
)

// TopologyAction distinguishes PUT from DELETE in on_topology_event.
type TopologyAction int

const (
	TopologyPut TopologyAction = iota
	TopologyDelete
)

// Hooks are the user-facing event callbacks. Every field is optional;
// App only invokes a hook if it is non-nil.
type Hooks struct {
	OnForwardRequest  func(a *App, senderID uint64, senderName string, h endpoint.ConnectionHandle, msgType uint32, seq uint64, payload []byte, metadata map[string]string) int
	OnForwardResponse func(a *App, senderID uint64, senderName string, h endpoint.ConnectionHandle, msgType uint32, seq uint64, code atapperr.Code) int
	OnAppConnected    func(a *App, h endpoint.ConnectionHandle, code atapperr.Code)
	OnAppDisconnected func(a *App, h endpoint.ConnectionHandle)
	OnAllModuleInited func(a *App)
	OnAllModuleCleaned func(a *App)
	OnDiscoveryEvent  func(a *App, action DiscoveryAction, rec *discovery.PeerRecord)
	OnTopologyEvent   func(a *App, action TopologyAction, rec *discovery.TopologyRecord, version int64)
}

// AddModule registers a module. Modules are ticked in registration order.
// Modules added before App.Init are initialized during App.Init; modules
// added afterward are initialized immediately.
func (a *App) AddModule(m Module) atapperr.Code {
	ms := &moduleState{module: m, enabled: true, active: true}
	a.modulesMu.Lock()
	a.modules = append(a.modules, ms)
	initialized := a.flags.Has(FlagInitialized)
	a.modulesMu.Unlock()

	if initialized {
		return m.Init(a)
	}
	return atapperr.Success
}

// AddFinally registers a one-shot cleanup callback invoked, in reverse
// registration order, once during Stop.
func (a *App) AddFinally(fn func(a *App)) {
	a.modulesMu.Lock()
	defer a.modulesMu.Unlock()
	a.finally = append(a.finally, fn)
}
