package ports

import (
	"context"
	"sync"

	"github.com/wpautohealer/backend/internal/playbook"
)

// MemoryIncidentSource feeds incidents from a channel. Used by tests and by
// the ops admin endpoint for manually raised incidents.
type MemoryIncidentSource struct {
	ch chan IncidentCreated
}

func NewMemoryIncidentSource(buffer int) *MemoryIncidentSource {
	return &MemoryIncidentSource{ch: make(chan IncidentCreated, buffer)}
}

// Submit enqueues an incident for delivery.
func (s *MemoryIncidentSource) Submit(inc IncidentCreated) {
	s.ch <- inc
}

func (s *MemoryIncidentSource) Receive(ctx context.Context, handle func(context.Context, IncidentCreated) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inc := <-s.ch:
			if err := handle(ctx, inc); err != nil {
				return err
			}
		}
	}
}

// MemoryEvidenceSink stores evidence per incident, deduplicating on
// (incidentID, signature) as the port contract requires.
type MemoryEvidenceSink struct {
	mu    sync.Mutex
	items map[string][]playbook.Evidence
	seen  map[string]bool
}

func NewMemoryEvidenceSink() *MemoryEvidenceSink {
	return &MemoryEvidenceSink{
		items: make(map[string][]playbook.Evidence),
		seen:  make(map[string]bool),
	}
}

func (s *MemoryEvidenceSink) Append(_ context.Context, incidentID string, item playbook.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := incidentID + ":" + item.Signature
	if s.seen[key] {
		return nil
	}
	s.seen[key] = true
	s.items[incidentID] = append(s.items[incidentID], item)
	return nil
}

// Items returns the evidence recorded for an incident, in append order.
func (s *MemoryEvidenceSink) Items(_ context.Context, incidentID string) ([]playbook.Evidence, error) {
	return s.Recorded(incidentID), nil
}

// Recorded is Items without the error plumbing, for tests.
func (s *MemoryEvidenceSink) Recorded(incidentID string) []playbook.Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]playbook.Evidence, len(s.items[incidentID]))
	copy(out, s.items[incidentID])
	return out
}

// MemoryEscalationSink records escalations for inspection.
type MemoryEscalationSink struct {
	mu          sync.Mutex
	Escalations []Escalation
}

type Escalation struct {
	IncidentID string
	Reason     string
	Evidence   []playbook.Evidence
}

func NewMemoryEscalationSink() *MemoryEscalationSink {
	return &MemoryEscalationSink{}
}

func (s *MemoryEscalationSink) Escalate(_ context.Context, incidentID, reason string, evidence []playbook.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Escalations = append(s.Escalations, Escalation{IncidentID: incidentID, Reason: reason, Evidence: evidence})
	return nil
}

// Last returns the most recent escalation, or nil.
func (s *MemoryEscalationSink) Last() *Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Escalations) == 0 {
		return nil
	}
	e := s.Escalations[len(s.Escalations)-1]
	return &e
}

// StaticVerification always reports the configured health. Test helper.
type StaticVerification struct {
	mu      sync.Mutex
	Healthy bool
	Issues  []string
	Status  int
}

func (v *StaticVerification) SetHealthy(healthy bool, issues ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Healthy = healthy
	v.Issues = issues
}

func (v *StaticVerification) VerifySiteHealth(context.Context, string) (HealthReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return HealthReport{Healthy: v.Healthy, Issues: v.Issues}, nil
}

func (v *StaticVerification) Probe(context.Context, string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Status != 0 {
		return v.Status, nil
	}
	if v.Healthy {
		return 200, nil
	}
	return 500, nil
}
