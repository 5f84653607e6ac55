package playbook

import (
	"context"
	"fmt"
	"time"
)

// coreIntegrityRepair re-downloads WordPress core files when checksums
// fail. wp-content is never touched.
type coreIntegrityRepair struct {
	Base
}

func NewCoreIntegrityRepair(runner Runner, backups Backups) Playbook {
	return &coreIntegrityRepair{
		Base: NewBase("core-integrity-repair", Tier2, PriorityHigh,
			"Re-download WordPress core files when checksum verification fails",
			[]string{"core checksum mismatches", "modified or missing core files"}, runner, backups),
	}
}

func (p *coreIntegrityRepair) Hypothesis(_ FixContext, _ []Evidence) string {
	return "Core files are modified or missing; restoring pristine core files should clear the fault"
}

func (p *coreIntegrityRepair) CanApply(ctx context.Context, fix FixContext, evidence []Evidence) (bool, error) {
	if evidenceContains(evidence, "checksum", "doesn't verify against checksum", "core file") {
		return true, nil
	}
	out, err := p.runner.Run(ctx, fix.ServerID, "wp core verify-checksums --path="+fix.WPPath)
	if err != nil {
		return false, err
	}
	return out.ExitCode != 0, nil
}

func (p *coreIntegrityRepair) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{}

	verify, verifyEv, err := p.run(ctx, fix, "verify core checksums", "wp core verify-checksums --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, verifyEv)
	if err != nil {
		result.Err = verifyEv.Content
		return result, err
	}
	if verify.ExitCode == 0 {
		// Nothing to repair.
		result.Success = true
		return result, nil
	}

	// Snapshot the version marker so the repaired version is auditable.
	if backupPath, backupErr := p.createBackup(ctx, fix, fix.WPPath+"/wp-includes/version.php",
		map[string]string{"reason": "pre-core-repair"}); backupErr == nil {
		result.SetMeta("versionBackup", backupPath)
	}

	// --skip-content keeps plugins and themes untouched; the download only
	// replaces core files with their pristine equivalents.
	download, downloadEv, err := p.run(ctx, fix, "re-download pristine core files",
		"wp core download --force --skip-content --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, downloadEv)
	if err != nil {
		result.Err = downloadEv.Content
		return result, err
	}
	if download.ExitCode != 0 {
		result.Err = fmt.Sprintf("wp core download exited %d", download.ExitCode)
		return result, nil
	}
	result.Applied = true
	result.Changes = append(result.Changes, FixChange{
		Type:        ChangeFile,
		Description: "replaced modified core files with pristine copies",
		Path:        fix.WPPath,
		Command:     download.RedactedCommand,
		Idempotent:  true,
		Timestamp:   time.Now().UTC(),
	})

	recheck, recheckEv, recheckErr := p.run(ctx, fix, "re-verify core checksums", "wp core verify-checksums --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, recheckEv)
	result.Success = recheckErr == nil && recheck.ExitCode == 0
	if !result.Success {
		result.Err = "checksums still failing after core re-download"
	}
	return result, nil
}

func (p *coreIntegrityRepair) Rollback(_ context.Context, _ FixContext, _ *RollbackPlan) error {
	// Re-downloading pristine core files is its own inverse; re-apply is safe.
	return nil
}

// wpConfigValidation lints wp-config.php and restores the most recent
// known-good backup when the file no longer parses.
type wpConfigValidation struct {
	Base
}

func NewWPConfigValidation(runner Runner, backups Backups) Playbook {
	return &wpConfigValidation{
		Base: NewBase("wp-config-validation", Tier2, PriorityMedium,
			"Restore wp-config.php from backup when it fails to parse",
			[]string{"PHP parse errors in wp-config.php"}, runner, backups),
	}
}

func (p *wpConfigValidation) Hypothesis(_ FixContext, _ []Evidence) string {
	return "wp-config.php is syntactically broken; restoring the last good copy should bring the site up"
}

func (p *wpConfigValidation) CanApply(ctx context.Context, fix FixContext, evidence []Evidence) (bool, error) {
	if evidenceContains(evidence, "parse error", "syntax error", "wp-config") {
		return true, nil
	}
	out, err := p.runner.Run(ctx, fix.ServerID, "php -l "+fix.WPPath+"/wp-config.php")
	if err != nil {
		return false, err
	}
	return out.ExitCode != 0, nil
}

func (p *wpConfigValidation) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	configPath := fix.WPPath + "/wp-config.php"
	result := &FixResult{}

	lint, lintEv, err := p.run(ctx, fix, "lint wp-config.php", "php -l "+configPath)
	result.Evidence = append(result.Evidence, lintEv)
	if err != nil {
		result.Err = lintEv.Content
		return result, err
	}
	if lint.ExitCode == 0 {
		result.Success = true
		return result, nil
	}

	backupPath, err := p.backups.LatestBackup(ctx, fix.ServerID, fix.WPPath, configPath)
	if err != nil {
		result.Err = fmt.Sprintf("looking for a wp-config.php backup: %v", err)
		return result, err
	}
	if backupPath == "" {
		result.Err = "wp-config.php is broken and no backup exists to restore"
		result.Evidence = append(result.Evidence, NewEvidence(EvidenceSystemInfo,
			"no sidecar backup found for wp-config.php", configPath, nil))
		return result, nil
	}
	result.SetMeta("restoredFrom", backupPath)

	// Keep the broken copy restorable before overwriting it.
	brokenBackup, err := p.createBackup(ctx, fix, configPath, map[string]string{"reason": "pre-restore, failed lint"})
	if err != nil {
		result.Err = err.Error()
		return result, err
	}
	if err := p.backups.Restore(ctx, fix.ServerID, backupPath, configPath); err != nil {
		result.Err = fmt.Sprintf("restore from %s: %v", backupPath, err)
		return result, err
	}

	plan := NewRollbackPlan()
	plan.Add(RollbackRestoreFile, "put back the pre-restore wp-config.php", map[string]string{
		"backupPath": brokenBackup,
		"target":     configPath,
	})
	result.Applied = true
	result.Rollback = plan
	result.Changes = append(result.Changes, FixChange{
		Type:        ChangeFile,
		Description: "restored wp-config.php from sidecar backup",
		Path:        configPath,
		Idempotent:  false,
		Timestamp:   time.Now().UTC(),
	})

	relint, relintEv, relintErr := p.run(ctx, fix, "lint restored wp-config.php", "php -l "+configPath)
	result.Evidence = append(result.Evidence, relintEv)
	result.Success = relintErr == nil && relint.ExitCode == 0
	if !result.Success {
		result.Err = "restored wp-config.php still fails to parse"
	}
	return result, nil
}

func (p *wpConfigValidation) Rollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error {
	return p.ExecuteRollback(ctx, fix, plan)
}
