package sshx

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/wpautohealer/backend/internal/errs"
)

const (
	// DefaultMaxPoolSize bounds the number of live SSH connections.
	DefaultMaxPoolSize = 50
	// DefaultMaxIdleTime evicts connections unused for this long.
	DefaultMaxIdleTime = 5 * time.Minute

	cleanupInterval = 60 * time.Second
)

// AuthType selects the credential kind for a connection.
type AuthType string

const (
	AuthKey      AuthType = "key"
	AuthPassword AuthType = "password"
)

// ConnConfig describes how to reach one server. Credential fields hold
// decrypted material and must never be logged.
type ConnConfig struct {
	Hostname           string
	Port               int
	Username           string
	AuthType           AuthType
	PrivateKey         string // PEM, when AuthType == key
	Password           string // when AuthType == password
	HostKeyFingerprint string // base64 SHA-256 of the server host key, optional
	StrictHostKey      bool   // always true in the core
	ConnectTimeout     time.Duration
	KeepaliveInterval  time.Duration
}

// PooledConn is one pooled SSH connection. Commands on a connection are
// serialised through its lease mutex; the pool owns the lifecycle.
type PooledConn struct {
	ID        string
	ServerID  string
	Config    ConnConfig
	CreatedAt time.Time

	client *ssh.Client
	lease  sync.Mutex // held for the duration of one command or transfer
	inUse  bool       // guarded by the pool mutex

	mu        sync.Mutex // guards the fields below
	connected bool
	lastUsed  time.Time
}

func newPooledConn(serverID string, cfg ConnConfig, client *ssh.Client) *PooledConn {
	now := time.Now()
	return &PooledConn{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Config:    cfg,
		CreatedAt: now,
		client:    client,
		connected: client != nil,
		lastUsed:  now,
	}
}

// IsConnected reports whether the underlying transport is believed alive.
func (c *PooledConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastUsed returns the time of the last command or transfer.
func (c *PooledConn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *PooledConn) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// closeTransport shuts the SSH client down, tolerating errors and a nil
// handle: a half-dead transport must never block pool maintenance.
func (c *PooledConn) closeTransport() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			log.Printf("[SSH-POOL] close of %s returned: %v", c.ID, err)
		}
	}
}

// PoolStats is a point-in-time snapshot for the ops endpoint.
type PoolStats struct {
	Size      int `json:"size"`
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	Evictions int `json:"evictions"`
}

// Pool is a bounded, keyed pool of SSH connections. One connection per
// server; a background task evicts idle entries every minute.
type Pool struct {
	mu        sync.Mutex
	byServer  map[string]*PooledConn
	byID      map[string]*PooledConn
	maxSize   int
	maxIdle   time.Duration
	evictions int
	logger    *log.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPool creates a pool and starts its cleanup task. Zero arguments select
// the defaults.
func NewPool(maxSize int, maxIdle time.Duration) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxPoolSize
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleTime
	}
	p := &Pool{
		byServer: make(map[string]*PooledConn),
		byID:     make(map[string]*PooledConn),
		maxSize:  maxSize,
		maxIdle:  maxIdle,
		logger:   log.New(log.Writer(), "[SSH-POOL] ", log.LstdFlags),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Get returns the pooled connection for a server, marking it in use.
// Returns nil when the server has no live pooled connection.
func (p *Pool) Get(serverID string) *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.byServer[serverID]
	if !ok || !conn.IsConnected() {
		return nil
	}
	conn.inUse = true
	conn.touch()
	return conn
}

// Add admits a freshly connected PooledConn. When the pool is full an idle
// eviction is attempted first; if every slot is busy, admission fails with
// a PoolError.
func (p *Pool) Add(conn *PooledConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.byServer[conn.ServerID]; ok {
		// Replace a stale connection for the same server.
		delete(p.byID, old.ID)
		go old.closeTransport()
	} else if len(p.byServer) >= p.maxSize {
		if !p.evictIdleLocked() {
			active := 0
			for _, c := range p.byServer {
				if c.inUse {
					active++
				}
			}
			return &errs.PoolError{Msg: "pool full", Size: len(p.byServer), Active: active}
		}
	}

	conn.inUse = true
	p.byServer[conn.ServerID] = conn
	p.byID[conn.ID] = conn
	return nil
}

// Release returns a connection to the idle set.
func (p *Pool) Release(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.byID[connID]; ok {
		conn.inUse = false
		conn.touch()
	}
}

// Lookup finds a connection by its ID without changing its state.
func (p *Pool) Lookup(connID string) *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[connID]
}

// CloseConn removes and closes one connection.
func (p *Pool) CloseConn(connID string) {
	p.mu.Lock()
	conn, ok := p.byID[connID]
	if ok {
		delete(p.byID, connID)
		delete(p.byServer, conn.ServerID)
	}
	p.mu.Unlock()
	if ok {
		conn.closeTransport()
	}
}

// CloseAll drains the pool and stops the cleanup task. Blocks until the
// cleanup goroutine has exited.
func (p *Pool) CloseAll() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done

	p.mu.Lock()
	conns := make([]*PooledConn, 0, len(p.byID))
	for _, c := range p.byID {
		conns = append(conns, c)
	}
	p.byServer = make(map[string]*PooledConn)
	p.byID = make(map[string]*PooledConn)
	p.mu.Unlock()

	for _, c := range conns {
		c.closeTransport()
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{Size: len(p.byServer), Evictions: p.evictions}
	for _, c := range p.byServer {
		if c.inUse {
			s.Active++
		} else {
			s.Idle++
		}
	}
	return s
}

// evictIdleLocked removes the least recently used idle connection.
// Caller holds p.mu.
func (p *Pool) evictIdleLocked() bool {
	var victim *PooledConn
	for _, c := range p.byServer {
		if c.inUse {
			continue
		}
		if victim == nil || c.LastUsed().Before(victim.LastUsed()) {
			victim = c
		}
	}
	if victim == nil {
		return false
	}
	delete(p.byServer, victim.ServerID)
	delete(p.byID, victim.ID)
	p.evictions++
	go victim.closeTransport()
	return true
}

func (p *Pool) cleanupLoop() {
	defer close(p.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.stop:
			return
		}
	}
}

// evictExpired drops idle connections older than maxIdle. Exported to the
// package for deterministic tests.
func (p *Pool) evictExpired() {
	now := time.Now()
	p.mu.Lock()
	var victims []*PooledConn
	for _, c := range p.byServer {
		if c.inUse {
			continue
		}
		if now.Sub(c.LastUsed()) > p.maxIdle {
			victims = append(victims, c)
			delete(p.byServer, c.ServerID)
			delete(p.byID, c.ID)
			p.evictions++
		}
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.logger.Printf("evicting idle connection %s (server=%s)", c.ID, c.ServerID)
		c.closeTransport()
	}
}
