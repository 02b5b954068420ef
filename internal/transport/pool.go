package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// pooledConn is one lazily-created, idle-evicted, health-swept gRPC
// connection to a peer address, grounded on the framework's Foghorn
// connection pool.
type pooledConn struct {
	conn     *grpc.ClientConn
	addr     string
	lastUsed atomic.Int64
}

// Pool manages a map of address -> *grpc.ClientConn with lazy dialing,
// idle eviction, and periodic health sweeps: a gRPC-backed transport
// dials each peer gateway address at most once and reuses the
// connection for every subsequent Send.
type Pool struct {
	mu     sync.RWMutex
	conns  map[string]*pooledConn
	cfg    config.TransportConfig
	logger logging.Logger
	done   chan struct{}
	closed bool
}

// NewPool constructs a Pool and starts its background maintenance loop.
func NewPool(cfg config.TransportConfig, logger logging.Logger) *Pool {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pool{
		conns:  make(map[string]*pooledConn),
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.maintain()
	return p
}

// GetOrDial returns the connection for addr, dialing lazily on first use.
func (p *Pool) GetOrDial(addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	if entry, ok := p.conns[addr]; ok {
		entry.lastUsed.Store(time.Now().UnixNano())
		p.mu.RUnlock()
		return entry.conn, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.conns[addr]; ok {
		entry.lastUsed.Store(time.Now().UnixNano())
		return entry.conn, nil
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		return nil, err
	}

	entry := &pooledConn{conn: conn, addr: addr}
	entry.lastUsed.Store(time.Now().UnixNano())
	p.conns[addr] = entry

	p.logger.WithFields(logging.Fields{"addr": addr}).Info("transport pool: dialed connection")
	return conn, nil
}

// Touch refreshes the last-used timestamp for addr, keeping a
// long-lived stream from being idle-evicted.
func (p *Pool) Touch(addr string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if entry, ok := p.conns[addr]; ok {
		entry.lastUsed.Store(time.Now().UnixNano())
	}
}

// Remove closes and drops the connection for addr, if any.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.conns[addr]; ok {
		_ = entry.conn.Close()
		delete(p.conns, addr)
	}
}

// Close stops the maintenance loop and closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	for addr, entry := range p.conns {
		_ = entry.conn.Close()
		delete(p.conns, addr)
	}
	return nil
}

func (p *Pool) maintain() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for addr, entry := range p.conns {
		state := entry.conn.GetState()
		idle := now.Sub(time.Unix(0, entry.lastUsed.Load())) > p.cfg.MaxIdleTime

		if state == connectivity.Shutdown {
			_ = entry.conn.Close()
			delete(p.conns, addr)
			p.logger.WithField("addr", addr).Info("transport pool: removed shutdown connection")
			continue
		}
		if idle && state == connectivity.TransientFailure {
			_ = entry.conn.Close()
			delete(p.conns, addr)
			p.logger.WithField("addr", addr).Info("transport pool: evicted idle failing connection")
			continue
		}
		if idle {
			_ = entry.conn.Close()
			delete(p.conns, addr)
			p.logger.WithField("addr", addr).Info("transport pool: evicted idle connection")
		}
	}
}

// Len reports how many connections are currently pooled.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
