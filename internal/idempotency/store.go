// Package idempotency derives deterministic job keys and memoises results
// so resumed or duplicate jobs never re-execute side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Key derives the deterministic key for one job execution:
// incidentID:state:attempt:sha256(canonicalJSON(jobData)). The same inputs
// always map to the same key; any field difference changes it.
func Key(incidentID, state string, attempt int, jobData interface{}) (string, error) {
	canonical, err := canonicalJSON(jobData)
	if err != nil {
		return "", fmt.Errorf("canonicalise job data: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:%d:%s", incidentID, state, attempt, hex.EncodeToString(sum[:])), nil
}

// canonicalJSON produces a stable byte representation: a marshal/unmarshal
// round trip turns structs into maps, and encoding/json emits map keys in
// sorted order.
func canonicalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(first, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Record is a memoised job completion.
type Record struct {
	Key         string          `json:"key"`
	Result      json.RawMessage `json:"result"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Store memoises the first successful completion per key.
type Store interface {
	// Get returns the recorded result for key, if any.
	Get(ctx context.Context, key string) (*Record, error)
	// Put records a completion. The first write wins; later writes for the
	// same key are ignored.
	Put(ctx context.Context, key string, result json.RawMessage) error
}

// RunOnce executes fn at most once per key: a recorded result is returned
// without re-executing side effects.
func RunOnce(ctx context.Context, s Store, key string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if rec, err := s.Get(ctx, key); err != nil {
		return nil, false, err
	} else if rec != nil {
		return rec.Result, true, nil
	}
	result, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := s.Put(ctx, key, result); err != nil {
		return nil, false, err
	}
	return result, false, nil
}

// MemoryStore is the in-process Store used by tests and by deployments
// without Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[key]; exists {
		return nil
	}
	m.records[key] = &Record{Key: key, Result: result, CompletedAt: time.Now().UTC()}
	return nil
}
