package sshx

import (
	"context"
	"fmt"
	"sync"
)

// ServerRecord is a directory entry for one managed host. Credentials are
// stored encrypted and opened by the vault just before dialing.
type ServerRecord struct {
	ServerID             string
	Hostname             string
	Port                 int
	Username             string
	AuthType             string // "key" or "password"
	EncryptedCredentials string
	HostKeyFingerprint   string // base64 SHA-256, optional
}

// ServerDirectory resolves server IDs to connection records.
type ServerDirectory interface {
	GetServer(ctx context.Context, serverID string) (ServerRecord, error)
}

// MemoryDirectory is a fixed map of server records. Used by tests and
// single-binary runs without a database.
type MemoryDirectory struct {
	mu      sync.RWMutex
	servers map[string]ServerRecord
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{servers: make(map[string]ServerRecord)}
}

func (d *MemoryDirectory) Put(rec ServerRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers[rec.ServerID] = rec
}

func (d *MemoryDirectory) GetServer(_ context.Context, serverID string) (ServerRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.servers[serverID]
	if !ok {
		return ServerRecord{}, fmt.Errorf("unknown server %s", serverID)
	}
	return rec, nil
}
