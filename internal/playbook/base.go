package playbook

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wpautohealer/backend/internal/errs"
	"github.com/wpautohealer/backend/internal/redact"
	"github.com/wpautohealer/backend/internal/sshx"
)

// Base carries the metadata and shared helpers every concrete playbook
// embeds. Construction is by explicit factory in catalog.go.
type Base struct {
	name        string
	tier        Tier
	priority    Priority
	description string
	conditions  []string

	runner  Runner
	backups Backups
	logger  *log.Logger
}

// NewBase builds the embedded base for a playbook.
func NewBase(name string, tier Tier, priority Priority, description string, conditions []string, runner Runner, backups Backups) Base {
	return Base{
		name:        name,
		tier:        tier,
		priority:    priority,
		description: description,
		conditions:  conditions,
		runner:      runner,
		backups:     backups,
		logger:      log.New(log.Writer(), "[PLAYBOOK:"+name+"] ", log.LstdFlags),
	}
}

func (b *Base) Name() string                   { return b.name }
func (b *Base) Tier() Tier                     { return b.tier }
func (b *Base) Priority() Priority             { return b.priority }
func (b *Base) Description() string            { return b.description }
func (b *Base) ApplicableConditions() []string { return b.conditions }

// run validates and executes one remote command and returns its output
// together with an evidence item describing what happened. The command in
// the evidence is always the redacted form.
func (b *Base) run(ctx context.Context, fix FixContext, description, cmd string) (*CommandOutput, Evidence, error) {
	if _, err := sshx.ValidateCommand(cmd); err != nil {
		return nil, Evidence{}, err
	}
	out, err := b.runner.Run(ctx, fix.ServerID, cmd)
	if err != nil {
		ev := NewEvidence(EvidenceCommandOutput, description+" (failed)", redact.Err(err), map[string]string{
			"command": redact.Command(cmd),
		})
		return nil, ev, err
	}
	content := out.Stdout
	if out.Stderr != "" {
		content += "\n" + out.Stderr
	}
	ev := NewEvidence(EvidenceCommandOutput, description, content, map[string]string{
		"command":  out.RedactedCommand,
		"exitCode": fmt.Sprintf("%d", out.ExitCode),
	})
	return out, ev, nil
}

// createBackup snapshots a remote file through the backup service before a
// destructive change.
func (b *Base) createBackup(ctx context.Context, fix FixContext, path string, meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["playbook"] = b.name
	backupPath, err := b.backups.CreateFileBackup(ctx, fix.IncidentID, fix.ServerID, path, meta)
	if err != nil {
		return "", fmt.Errorf("backup of %s: %w", path, err)
	}
	return backupPath, nil
}

// writeFileWithBackup replaces a remote file's contents, recording the
// original bytes, a checksum of the new content, and a restore-file
// rollback step. This is the only sanctioned way for a playbook to edit a
// file in place.
func (b *Base) writeFileWithBackup(ctx context.Context, fix FixContext, path string, newContent []byte, plan *RollbackPlan) (FixChange, error) {
	if _, err := sshx.ValidatePath(path); err != nil {
		return FixChange{}, err
	}
	original, err := b.runner.ReadFile(ctx, fix.ServerID, path)
	if err != nil {
		return FixChange{}, fmt.Errorf("read %s: %w", path, err)
	}
	backupPath, err := b.createBackup(ctx, fix, path, map[string]string{"reason": "pre-edit"})
	if err != nil {
		return FixChange{}, err
	}
	if err := b.runner.WriteFile(ctx, fix.ServerID, path, newContent); err != nil {
		return FixChange{}, fmt.Errorf("write %s: %w", path, err)
	}

	plan.Add(RollbackRestoreFile, "restore "+path, map[string]string{
		"backupPath": backupPath,
		"target":     path,
	})
	return FixChange{
		Type:          ChangeFile,
		Description:   "edited " + path,
		Path:          path,
		OriginalValue: redact.Text(string(original)),
		NewValue:      redact.Text(string(newContent)),
		Checksum:      Signature(string(newContent)),
		Timestamp:     time.Now().UTC(),
	}, nil
}

// ExecuteRollback runs a rollback plan in descending order. Rollback is
// deliberately driven by a background-capable context at the call site:
// once started it runs to completion or fails explicitly.
func (b *Base) ExecuteRollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error {
	if plan == nil {
		return nil
	}
	for _, step := range plan.Descending() {
		if err := b.executeRollbackStep(ctx, fix, step); err != nil {
			return fmt.Errorf("rollback step %d (%s): %w", step.Order, step.Kind, err)
		}
	}
	return nil
}

func (b *Base) executeRollbackStep(ctx context.Context, fix FixContext, step RollbackStep) error {
	switch step.Kind {
	case RollbackRestoreFile:
		return b.backups.Restore(ctx, fix.ServerID, step.Params["backupPath"], step.Params["target"])
	case RollbackExecuteCommand:
		cmd := step.Params["command"]
		if _, err := sshx.ValidateCommand(cmd); err != nil {
			return err
		}
		out, err := b.runner.Run(ctx, fix.ServerID, cmd)
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			return &errs.CommandError{Command: out.RedactedCommand, Reason: fmt.Sprintf("exit %d during rollback", out.ExitCode)}
		}
		return nil
	case RollbackRevertConfig:
		return b.runner.WriteFile(ctx, fix.ServerID, step.Params["path"], []byte(step.Params["content"]))
	default:
		return fmt.Errorf("unknown rollback kind %q", step.Kind)
	}
}

// failResult builds the canonical failure result from an error.
func failResult(err error) *FixResult {
	return &FixResult{Success: false, Applied: false, Err: redact.Err(err)}
}
