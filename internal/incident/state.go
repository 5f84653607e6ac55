// Package incident holds the durable incident record, its state machine,
// and the job engine that drives an incident from detection to a terminal
// outcome.
package incident

import (
	"context"
	"time"

	"github.com/wpautohealer/backend/internal/errs"
)

// State is one node of the incident state machine.
type State string

const (
	StateNew           State = "NEW"
	StateDiscovery     State = "DISCOVERY"
	StateBaseline      State = "BASELINE"
	StateBackup        State = "BACKUP"
	StateObservability State = "OBSERVABILITY"
	StateFixAttempt    State = "FIX_ATTEMPT"
	StateVerify        State = "VERIFY"
	StateFixed         State = "FIXED"
	StateRollback      State = "ROLLBACK"
	StateEscalated     State = "ESCALATED"
)

// transitions is the complete edge set; everything else is a StateError.
var transitions = map[State][]State{
	StateNew:           {StateDiscovery},
	StateDiscovery:     {StateBaseline, StateEscalated},
	StateBaseline:      {StateBackup, StateEscalated},
	StateBackup:        {StateObservability, StateEscalated},
	StateObservability: {StateFixAttempt, StateFixed, StateEscalated},
	StateFixAttempt:    {StateVerify, StateRollback, StateEscalated},
	StateVerify:        {StateFixed, StateFixAttempt, StateRollback, StateEscalated},
	StateRollback:      {StateVerify, StateEscalated},
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateFixed || s == StateEscalated
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultMaxFixAttempts caps FIX_ATTEMPT entries per incident.
const DefaultMaxFixAttempts = 15

// Incident is the durable record of one detected problem on one site.
type Incident struct {
	ID            string            `json:"incidentId"`
	SiteID        string            `json:"siteId"`
	ServerID      string            `json:"serverId"`
	SitePath      string            `json:"sitePath"`
	WPPath        string            `json:"wpPath"`
	Domain        string            `json:"domain"`
	CorrelationID string            `json:"correlationId"`
	TraceID       string            `json:"traceId"`
	State         State             `json:"state"`
	FixAttempts   int               `json:"fixAttempts"`
	CreatedAt     time.Time         `json:"createdAt"`
	EscalatedAt   *time.Time        `json:"escalatedAt,omitempty"`
	ResolvedAt    *time.Time        `json:"resolvedAt,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Event is one append-only state transition record. Within an incident,
// events are totally ordered by Sequence.
type Event struct {
	IncidentID    string    `json:"incidentId"`
	Sequence      int       `json:"sequence"`
	From          State     `json:"from"`
	To            State     `json:"to"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlationId"`
	TraceID       string    `json:"traceId"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store persists incidents and their event logs. The store assigns event
// sequence numbers: per incident, monotonically increasing from 1.
type Store interface {
	SaveIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	// ListActive returns incidents in non-terminal states, for resume.
	ListActive(ctx context.Context) ([]*Incident, error)
	AppendEvent(ctx context.Context, ev *Event) error
	Events(ctx context.Context, incidentID string) ([]Event, error)
}

// Transition moves the incident to a new state after checking the edge
// set, bumps the attempt counter on FIX_ATTEMPT entry, and stamps the
// terminal timestamps. The caller persists and emits the event.
func (inc *Incident) Transition(to State) error {
	if inc.State.Terminal() {
		return &errs.StateError{IncidentID: inc.ID, From: string(inc.State), To: string(to)}
	}
	if !CanTransition(inc.State, to) {
		return &errs.StateError{IncidentID: inc.ID, From: string(inc.State), To: string(to)}
	}
	if to == StateFixAttempt {
		inc.FixAttempts++
	}
	inc.State = to
	now := time.Now().UTC()
	switch to {
	case StateFixed:
		inc.ResolvedAt = &now
	case StateEscalated:
		inc.EscalatedAt = &now
	}
	return nil
}
