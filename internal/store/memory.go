// Package store persists incidents and their event logs: an in-memory
// implementation for tests and single-binary runs, and a Postgres
// implementation for durable deployments.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wpautohealer/backend/internal/incident"
)

// Memory is the in-process incident store. Values are copied on the way
// in and out so callers cannot mutate stored state.
type Memory struct {
	mu        sync.RWMutex
	incidents map[string]incident.Incident
	events    map[string][]incident.Event
}

func NewMemory() *Memory {
	return &Memory{
		incidents: make(map[string]incident.Incident),
		events:    make(map[string][]incident.Event),
	}
}

func (m *Memory) SaveIncident(_ context.Context, inc *incident.Incident) error {
	if inc.ID == "" {
		return fmt.Errorf("incident id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = *inc
	return nil
}

func (m *Memory) GetIncident(_ context.Context, id string) (*incident.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s not found", id)
	}
	return &inc, nil
}

func (m *Memory) ListActive(_ context.Context) ([]*incident.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*incident.Incident
	for _, inc := range m.incidents {
		if !inc.State.Terminal() {
			copied := inc
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev *incident.Event) error {
	if ev.IncidentID == "" {
		return fmt.Errorf("event incident id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Sequence = len(m.events[ev.IncidentID]) + 1
	m.events[ev.IncidentID] = append(m.events[ev.IncidentID], *ev)
	return nil
}

func (m *Memory) Events(_ context.Context, incidentID string) ([]incident.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]incident.Event, len(m.events[incidentID]))
	copy(out, m.events[incidentID])
	return out, nil
}
