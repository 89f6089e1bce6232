package backend

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
)

const poolLogPrefix = "backend:pool"

// Pool manages persistent COMMS connections to backend clusters, keyed by URL.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*pooledConnection
	clientName  string
}

type pooledConnection struct {
	nc          *comms.Conn
	url         string
	connectedAt time.Time
}

// NewPool creates an empty pool. clientName prefixes the connection name.
func NewPool(clientName string) *Pool {
	return &Pool{
		connections: make(map[string]*pooledConnection),
		clientName:  clientName,
	}
}

// Get returns a live connection to url, connecting if needed.
func (p *Pool) Get(url string) (*comms.Conn, error) {
	p.mu.RLock()
	if pc, ok := p.connections[url]; ok && pc.nc.IsConnected() {
		p.mu.RUnlock()
		return pc.nc, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if pc, ok := p.connections[url]; ok && pc.nc.IsConnected() {
		return pc.nc, nil
	}

	// Remove stale entry if exists
	if pc, ok := p.connections[url]; ok {
		pc.nc.Close()
		delete(p.connections, url)
	}

	slog.Info(fmt.Sprintf("%s - Connecting to backend cluster url=%s", poolLogPrefix, url))
	nc, err := comms.Connect(url,
		comms.Name(fmt.Sprintf("%s-backend-pool", p.clientName)),
		comms.MaxReconnects(5),
		comms.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to %s: %w", poolLogPrefix, url, err)
	}

	p.connections[url] = &pooledConnection{nc: nc, url: url, connectedAt: time.Now()}
	return nc, nil
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// CloseAll closes all pooled connections.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for url, pc := range p.connections {
		slog.Info(fmt.Sprintf("%s - Closing backend connection url=%s", poolLogPrefix, url))
		pc.nc.Close()
	}
	p.connections = make(map[string]*pooledConnection)
}
