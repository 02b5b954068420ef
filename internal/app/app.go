// Package app implements the Application Core: it owns the Registry
// Client, Discovery Set, Transport Registry, Endpoint map, and Topology
// Connector exclusively, and drives the cooperative tick that ties them
// together.
package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/internal/discovery"
	"github.com/owent/libatapp-sub000/internal/endpoint"
	"github.com/owent/libatapp-sub000/internal/registry"
	"github.com/owent/libatapp-sub000/internal/topology"
	"github.com/owent/libatapp-sub000/internal/transport"
	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

// App ties the registry client, discovery set, transports, endpoints, and
// topology connector together. A single App owns one instance of each
// component; nothing outside App mutates them directly.
type App struct {
	cfg        *config.Config
	configPath string
	logger     logging.Logger

	flags flags

	selfID     uint64
	selfRecord *discovery.PeerRecord
	busParent  uint64

	registryClient *registry.Client
	discoverySet   *discovery.Set
	transports     *transport.Registry
	topologyConn   *topology.Connector

	loopback      *transport.LoopbackTransport
	grpcTransport *transport.GRPCTransport

	keepaliveByID   *registry.KeepaliveRecord
	keepaliveByName *registry.KeepaliveRecord
	keepaliveTopo   *registry.KeepaliveRecord

	redisClient   goredis.UniversalClient
	snapshotCache *discovery.SnapshotCache
	instanceID    string
	isWatchLeader bool
	nextLeaseTry  time.Time
	nextSnapshot  time.Time

	endpointsMu sync.Mutex
	endpoints   map[uint64]*endpoint.Endpoint
	byName      map[string]*endpoint.Endpoint
	draining    []*endpoint.Endpoint

	wake *wakeQueue

	modulesMu sync.Mutex
	modules   []*moduleState
	finally   []func(a *App)

	hooks Hooks

	stopDeadline     time.Time
	innerBreak       time.Time
	tickCompensation time.Duration
	lastStatsMinute  int

	stats *statsCollector
}

// New constructs an App from its loaded configuration. Init must be
// called before any other method.
func New(cfg *config.Config, configPath string, logger logging.Logger) *App {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &App{
		cfg:             cfg,
		configPath:      configPath,
		logger:          logger,
		lastStatsMinute: -1,
		wake:            newWakeQueue(),
	}
}

// SetHooks installs the event hooks. Call before Init so OnAllModuleInited
// fires with every hook already wired.
func (a *App) SetHooks(h Hooks) { a.hooks = h }

// SetBusParent records the id this process should proxy through and
// auto-reconnect to when nothing else applies.
func (a *App) SetBusParent(id uint64) {
	a.busParent = id
	if a.topologyConn != nil {
		a.topologyConn.SetBusParent(id)
	}
}

// Config returns the currently loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the App's logger.
func (a *App) Logger() logging.Logger { return a.logger }

// SelfID returns this process's bus id.
func (a *App) SelfID() uint64 { return a.selfID }

// Discovery returns the Discovery Set, for modules that need direct read
// access (e.g. building a custom send policy).
func (a *App) Discovery() *discovery.Set { return a.discoverySet }

// Flags reports whether every bit in f is currently set.
func (a *App) Flags(f Flag) bool { return a.flags.Has(f) }

func deriveSelfID(bus config.BusConfig) uint64 {
	if bus.ID != 0 {
		return bus.ID
	}
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func buildGateways(listen []string) []discovery.Gateway {
	gateways := make([]discovery.Gateway, 0, len(listen))
	for _, addr := range listen {
		gateways = append(gateways, discovery.Gateway{Address: addr})
	}
	return gateways
}

func sanitizedMetricName(name string) string {
	if name == "" {
		return "atapp"
	}
	return strings.ReplaceAll(name, "-", "_")
}

// Init wires every component together and brings the App to the
// Initialized state. The loop is driven via context.Context rather than a
// callback-style event_loop handle, so argv/priv fold into the already-
// loaded Config instead of being threaded through separately.
func (a *App) Init(ctx context.Context) atapperr.Code {
	if !a.flags.TestAndSet(FlagInitializing) {
		return atapperr.RecursiveCall
	}
	defer a.flags.Clear(FlagInitializing)
	if a.flags.Has(FlagInitialized) {
		return atapperr.AlreadyInited
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = a.cfg.Bus.Name
	}
	pid := int64(os.Getpid())
	a.selfID = deriveSelfID(a.cfg.Bus)

	if a.cfg.DisableBusFallback {
		a.flags.Set(FlagDisableBusFallback)
	}

	a.discoverySet = discovery.NewSet()
	a.transports = transport.NewRegistry(hostname, pid, "", a.cfg.Bus.Labels)

	a.loopback = transport.NewLoopbackTransport(a.selfID, a.cfg.Bus.Name,
		a.cfg.Transport.LoopbackMaxMessageCount, int(a.cfg.Transport.LoopbackMaxTotalBytes),
		a.dispatchForwardRequest)
	a.transports.Register(a.loopback)

	a.grpcTransport = transport.NewGRPCTransport(a.selfID, a.cfg.Bus.Name, a.cfg.Transport, a.logger,
		a.dispatchForwardRequest, a.dispatchForwardResponse)
	a.transports.Register(a.grpcTransport)
	for _, addr := range a.cfg.Bus.Listen {
		if err := a.grpcTransport.StartListen(ctx, addr); err != nil {
			a.logger.WithError(err).WithField("address", addr).Warn("app: failed to listen")
		}
	}

	model := topology.NewModel()
	a.topologyConn = topology.NewConnector(a.selfID, a.cfg.Bus.Name, hostname, pid, model,
		a.discoverySet, a.transports, a.lookupEndpointForTopology, a.cfg.Topology, a.logger)
	if a.busParent != 0 {
		a.topologyConn.SetBusParent(a.busParent)
	}
	a.grpcTransport.SetInboundConnectHandler(a.topologyConn.OnInboundConnected)

	a.selfRecord = &discovery.PeerRecord{
		ID: a.selfID, Name: a.cfg.Bus.Name, Hostname: hostname, PID: pid,
		TypeID: a.cfg.Bus.TypeID, TypeName: a.cfg.Bus.TypeName,
		Area: discovery.Area(a.cfg.Bus.Area), Version: a.cfg.Bus.Version,
		Gateways: buildGateways(a.cfg.Bus.Listen), Listen: a.cfg.Bus.Listen,
		Metadata: discovery.Metadata{Labels: a.cfg.Bus.Labels},
	}

	a.endpoints = make(map[uint64]*endpoint.Endpoint)
	a.byName = make(map[string]*endpoint.Endpoint)
	selfEp := endpoint.New(a.selfID, a.cfg.Bus.Name, a.cfg.Endpoint, a.onForwardResponse)
	selfEp.UpdateDiscovery(a.selfRecord)
	selfEp.AttachHandle(a.loopback.Handle())
	a.endpoints[a.selfID] = selfEp
	if a.cfg.Bus.Name != "" {
		a.byName[a.cfg.Bus.Name] = selfEp
	}

	a.instanceID = fmt.Sprintf("%s-%d-%d", hostname, pid, a.selfID)
	if a.cfg.Redis.Enable {
		a.redisClient = goredis.NewClient(&goredis.Options{Addr: a.cfg.Redis.Addr})
		a.snapshotCache = discovery.NewSnapshotCache(a.redisClient, a.cfg.Redis.Namespace, a.logger)
		a.isWatchLeader = a.snapshotCache.TryAcquireLeaderLease(ctx, a.instanceID, a.cfg.Redis.LeaseTTL)
	}

	if a.cfg.Etcd.Enable {
		a.registryClient = registry.NewClient(a.cfg.Etcd, a.logger)
		a.registryClient.SetCallbacks(a.onRegistryAvailable, a.onRegistryDown)
		a.setupKeepalives()
		if !a.cfg.Redis.Enable || a.isWatchLeader {
			a.setupWatchers()
		}
	}

	a.stats = newStatsCollector(sanitizedMetricName(a.cfg.Bus.Name))

	a.modulesMu.Lock()
	mods := append([]*moduleState(nil), a.modules...)
	a.modulesMu.Unlock()
	for _, ms := range mods {
		if code := ms.module.Init(a); code != atapperr.Success {
			return code
		}
	}

	a.flags.Set(FlagInitialized)
	if a.hooks.OnAllModuleInited != nil {
		a.hooks.OnAllModuleInited(a)
	}
	return atapperr.Success
}

func (a *App) setupKeepalives() {
	path := a.registryClient.ConfigurePath()
	idKey := fmt.Sprintf("%sby_id/%s-%d", path, a.selfRecord.Name, a.selfRecord.ID)
	nameKey := fmt.Sprintf("%sby_name/%s-%d", path, a.selfRecord.Name, a.selfRecord.ID)
	topoKey := fmt.Sprintf("%stopology/%s-%d", path, a.selfRecord.Name, a.selfRecord.ID)

	peerValue, _ := discovery.MarshalPeerRecord(a.selfRecord)
	topoRecord := &discovery.TopologyRecord{
		ID: a.selfRecord.ID, UpstreamID: a.busParent, Name: a.selfRecord.Name,
		Hostname: a.selfRecord.Hostname, PID: a.selfRecord.PID, Labels: a.cfg.Bus.Labels,
	}
	topoValue, _ := discovery.MarshalTopologyRecord(topoRecord)

	a.keepaliveByID = registry.NewKeepaliveRecord(idKey)
	a.keepaliveByID.SetValue(peerValue)
	a.keepaliveByID.Activate()
	a.registryClient.AddKeepalive(a.keepaliveByID)

	a.keepaliveByName = registry.NewKeepaliveRecord(nameKey)
	a.keepaliveByName.SetValue(peerValue)
	a.keepaliveByName.Activate()
	a.registryClient.AddKeepalive(a.keepaliveByName)

	a.keepaliveTopo = registry.NewKeepaliveRecord(topoKey)
	a.keepaliveTopo.SetValue(topoValue)
	a.keepaliveTopo.Activate()
	a.registryClient.AddKeepalive(a.keepaliveTopo)
}

// prefixRangeEnd computes the raw (unencoded) lexicographic-successor
// range_end for a prefix watch/query; the registry layer itself handles
// base64 encoding when the request is actually sent.
func prefixRangeEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "\x00"
}

func peerIDFromKey(key string) uint64 {
	idx := strings.LastIndexByte(key, '-')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(key[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Close releases the network and registry resources owned by App. Call
// after Run/RunOnce/RunNoBlock has returned.
func (a *App) Close(ctx context.Context) error {
	if a.grpcTransport != nil {
		_ = a.grpcTransport.ClosePool()
	}
	if a.snapshotCache != nil && a.isWatchLeader {
		a.snapshotCache.ReleaseLeaderLease(ctx, a.instanceID)
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.registryClient != nil {
		return a.registryClient.Close(ctx, true)
	}
	return nil
}

func (a *App) reloadConfig() (*config.Config, error) {
	return config.LoadFile(a.configPath)
}

func (a *App) onRegistryAvailable(c *registry.Client) {
	a.logger.Info("app: registry client available")
}

func (a *App) onRegistryDown(c *registry.Client) {
	a.logger.Warn("app: registry client down")
}
