// Package playbook holds the fix playbook catalogue: the data model every
// playbook produces (evidence, changes, rollback plans, results), the
// registry, the tier executors, and the concrete WordPress playbooks.
package playbook

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/wpautohealer/backend/internal/redact"
)

// Tier orders playbooks by invasiveness; lower tiers run first.
type Tier int

const (
	Tier1 Tier = iota + 1 // resource relief, config nudges
	Tier2                 // core integrity, database repair
	Tier3                 // plugin/theme surgery
	Tier4
	Tier5
	Tier6
)

// MaxTier is the highest tier the orchestrator will walk.
const MaxTier = Tier6

// Priority orders playbooks inside one tier. Lower value runs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// FixContext is the immutable envelope a playbook acts on. All string
// fields except Metadata are required.
type FixContext struct {
	IncidentID    string
	SiteID        string
	ServerID      string
	SitePath      string // absolute site root
	WPPath        string // absolute WordPress root
	Domain        string
	CorrelationID string
	TraceID       string
	Metadata      map[string]string
}

// Validate rejects a context with any empty required field.
func (c FixContext) Validate() error {
	required := map[string]string{
		"incidentId":    c.IncidentID,
		"siteId":        c.SiteID,
		"serverId":      c.ServerID,
		"sitePath":      c.SitePath,
		"wpPath":        c.WPPath,
		"domain":        c.Domain,
		"correlationId": c.CorrelationID,
		"traceId":       c.TraceID,
	}
	for name, v := range required {
		if v == "" {
			return fmt.Errorf("fix context: %s is required", name)
		}
	}
	return nil
}

// EvidenceTag classifies a piece of evidence.
type EvidenceTag string

const (
	EvidenceLog           EvidenceTag = "log"
	EvidenceCommandOutput EvidenceTag = "command-output"
	EvidenceFileContent   EvidenceTag = "file-content"
	EvidenceSystemInfo    EvidenceTag = "system-info"
)

// Evidence is one append-only observation attached to an incident.
type Evidence struct {
	Tag         EvidenceTag       `json:"tag"`
	Description string            `json:"description"`
	Content     string            `json:"content"`
	Signature   string            `json:"signature"` // 32 chars, content-derived
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Signature derives the 32-character content signature: base64 of the first
// 24 bytes of the SHA-256 of the content.
func Signature(content string) string {
	sum := sha256.Sum256([]byte(content))
	return base64.StdEncoding.EncodeToString(sum[:24])
}

// NewEvidence builds an evidence item. Content is redacted before it is
// signed so the signature matches what is stored.
func NewEvidence(tag EvidenceTag, description, content string, meta map[string]string) Evidence {
	clean := redact.Text(content)
	return Evidence{
		Tag:         tag,
		Description: description,
		Content:     clean,
		Signature:   Signature(clean),
		Timestamp:   time.Now().UTC(),
		Metadata:    redact.Map(meta),
	}
}

// ChangeType classifies a fix change.
type ChangeType string

const (
	ChangeFile     ChangeType = "file"
	ChangeCommand  ChangeType = "command"
	ChangeConfig   ChangeType = "config"
	ChangeDatabase ChangeType = "database"
)

// FixChange records one mutation a playbook made on the host. A change is
// either idempotent (re-apply safe) or paired with a rollback step.
type FixChange struct {
	Type          ChangeType `json:"type"`
	Description   string     `json:"description"`
	Path          string     `json:"path,omitempty"`
	Command       string     `json:"command,omitempty"` // redacted
	OriginalValue string     `json:"originalValue,omitempty"`
	NewValue      string     `json:"newValue,omitempty"`
	Checksum      string     `json:"checksum,omitempty"`
	Idempotent    bool       `json:"idempotent"`
	Timestamp     time.Time  `json:"timestamp"`
}

// RollbackKind classifies a rollback step.
type RollbackKind string

const (
	RollbackRestoreFile    RollbackKind = "restore-file"
	RollbackExecuteCommand RollbackKind = "execute-command"
	RollbackRevertConfig   RollbackKind = "revert-config"
)

// RollbackStep is one reversal. Steps execute in descending Order.
type RollbackStep struct {
	Order  int               `json:"order"`
	Kind   RollbackKind      `json:"kind"`
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// RollbackPlan is the ordered list of reversals for a playbook's
// non-idempotent effects.
type RollbackPlan struct {
	Steps     []RollbackStep    `json:"steps"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewRollbackPlan creates an empty plan stamped now.
func NewRollbackPlan() *RollbackPlan {
	return &RollbackPlan{CreatedAt: time.Now().UTC(), Metadata: map[string]string{}}
}

// Add appends a step with the next order number.
func (p *RollbackPlan) Add(kind RollbackKind, action string, params map[string]string) {
	p.Steps = append(p.Steps, RollbackStep{
		Order:  len(p.Steps) + 1,
		Kind:   kind,
		Action: action,
		Params: params,
	})
}

// Descending returns the steps in execution order: highest Order first.
func (p *RollbackPlan) Descending() []RollbackStep {
	out := make([]RollbackStep, len(p.Steps))
	copy(out, p.Steps)
	sort.Slice(out, func(i, j int) bool { return out[i].Order > out[j].Order })
	return out
}

// FixResult is what a playbook's Apply returns.
type FixResult struct {
	Success  bool              `json:"success"`
	Applied  bool              `json:"applied"`
	Changes  []FixChange       `json:"changes,omitempty"`
	Evidence []Evidence        `json:"evidence,omitempty"`
	Rollback *RollbackPlan     `json:"rollback,omitempty"`
	Err      string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the result invariants: an applied result carries at
// least one change, and non-idempotent changes require a rollback plan.
func (r *FixResult) Validate() error {
	if r.Applied && len(r.Changes) == 0 {
		return fmt.Errorf("fix result: applied without changes")
	}
	if r.Applied && r.Rollback == nil {
		for _, ch := range r.Changes {
			if !ch.Idempotent {
				return fmt.Errorf("fix result: non-idempotent change %q without rollback plan", ch.Description)
			}
		}
	}
	return nil
}

// SetMeta initialises the metadata map lazily and sets one key.
func (r *FixResult) SetMeta(k, v string) {
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	r.Metadata[k] = v
}

// Playbook is the capability set every remediation playbook satisfies.
// Construction is by explicit factory; there is no scanning or reflection.
type Playbook interface {
	Name() string
	Tier() Tier
	Priority() Priority
	Description() string
	ApplicableConditions() []string

	// CanApply decides from context and collected evidence whether this
	// playbook is worth attempting. Errors are treated as "no".
	CanApply(ctx context.Context, fix FixContext, evidence []Evidence) (bool, error)
	// Apply performs the fix and reports changes, evidence, and rollback.
	// The collected incident evidence is read-only input.
	Apply(ctx context.Context, fix FixContext, evidence []Evidence) (*FixResult, error)
	// Rollback undoes a previous Apply using its recorded plan.
	Rollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error
	// Hypothesis states what the playbook believes is wrong.
	Hypothesis(fix FixContext, evidence []Evidence) string
}

// CommandOutput is what playbooks see from a remote command.
type CommandOutput struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Duration        time.Duration
	RedactedCommand string
}

// Runner executes validated commands and file operations on a server.
// The SSH executor satisfies this through an adapter; tests use fakes.
type Runner interface {
	Run(ctx context.Context, serverID, cmd string) (*CommandOutput, error)
	ReadFile(ctx context.Context, serverID, remotePath string) ([]byte, error)
	WriteFile(ctx context.Context, serverID, remotePath string, content []byte) error
}

// Backups is the slice of the backup service playbooks consume.
type Backups interface {
	CreateFileBackup(ctx context.Context, incidentID, serverID, path string, meta map[string]string) (string, error)
	Restore(ctx context.Context, serverID, backupPath, target string) error
	// LatestBackup returns the newest sidecar backup of sourcePath under the
	// site's wp-content directory, or "" when none exists.
	LatestBackup(ctx context.Context, serverID, wpPath, sourcePath string) (string, error)
}

// Prober checks whether the site responds after a change.
type Prober interface {
	Probe(ctx context.Context, url string) (int, error)
}
