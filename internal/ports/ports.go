// Package ports declares the capability interfaces the remediation core
// consumes from the outside world, shape only: the transports behind them
// (HTTP, queue broker, SMTP) live outside this repository. In-memory
// implementations for tests and single-binary runs are in memory.go.
// The server directory lives in sshx with its only consumer.
package ports

import (
	"context"

	"github.com/wpautohealer/backend/internal/playbook"
)

// IncidentCreated is the inbound message that opens a remediation session.
type IncidentCreated struct {
	IncidentID    string            `json:"incidentId"`
	SiteID        string            `json:"siteId"`
	ServerID      string            `json:"serverId"`
	SitePath      string            `json:"sitePath"`
	WPPath        string            `json:"wpPath"`
	Domain        string            `json:"domain"`
	CorrelationID string            `json:"correlationId"`
	TraceID       string            `json:"traceId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IncidentSource delivers IncidentCreated messages to a handler. Receive
// blocks until the context is cancelled.
type IncidentSource interface {
	Receive(ctx context.Context, handle func(context.Context, IncidentCreated) error) error
}

// EvidenceSink stores evidence append-only per incident, idempotent by
// (incidentID, signature).
type EvidenceSink interface {
	Append(ctx context.Context, incidentID string, item playbook.Evidence) error
}

// BackupService creates and restores file backups on the remote host. Its
// method set matches playbook.Backups so one implementation serves both.
type BackupService interface {
	CreateFileBackup(ctx context.Context, incidentID, serverID, path string, meta map[string]string) (string, error)
	Restore(ctx context.Context, serverID, backupPath, target string) error
	LatestBackup(ctx context.Context, serverID, wpPath, sourcePath string) (string, error)
}

// HealthReport is the verification service's verdict on a site.
type HealthReport struct {
	Healthy bool
	Issues  []string
}

// VerificationService probes a site after remediation.
type VerificationService interface {
	VerifySiteHealth(ctx context.Context, domain string) (HealthReport, error)
	Probe(ctx context.Context, url string) (int, error)
}

// EscalationSink hands an incident to a human with its evidence.
type EscalationSink interface {
	Escalate(ctx context.Context, incidentID, reason string, evidence []playbook.Evidence) error
}
