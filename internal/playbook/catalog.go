package playbook

import (
	"context"
	"fmt"
	"strings"
)

// Catalog registers every shipped playbook against the given substrate.
// Registration order inside a tier does not matter; the registry sorts by
// priority.
func Catalog(runner Runner, backups Backups, prober Prober) (*Registry, error) {
	registry := NewRegistry()
	all := []Playbook{
		// Tier 1: resource relief and service nudges.
		NewDiskSpaceCleanup(runner, backups),
		NewMemoryLimitIncrease(runner, backups),
		NewWebServerRestart(runner, backups),
		NewDBConnectionFix(runner, backups),
		NewPHPErrorVisibility(runner, backups),
		NewCachePurge(runner, backups),
		// Tier 2: core and database integrity.
		NewCoreIntegrityRepair(runner, backups),
		NewDBTableRepair(runner, backups),
		NewWPConfigValidation(runner, backups),
		NewPermalinkFlush(runner, backups),
		// Tier 3: plugin and theme surgery.
		NewPluginConflictDetection(runner, backups),
		NewPluginDeactivation(runner, backups, prober),
		NewThemeSwitch(runner, backups, prober),
		NewThemeRollback(runner, backups, prober),
		NewWPDebugEnable(runner, backups),
	}
	for _, p := range all {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("register %s: %w", p.Name(), err)
		}
	}
	return registry, nil
}

// commandSucceeds runs a command and reports exit 0.
func commandSucceeds(ctx context.Context, runner Runner, serverID, cmd string) bool {
	out, err := runner.Run(ctx, serverID, cmd)
	return err == nil && out.ExitCode == 0
}

// Tier2Prereq gates integrity and database work: the WordPress install
// must be present, the database reachable, and the site root writable.
func Tier2Prereq(runner Runner) PrereqCheck {
	return func(ctx context.Context, fix FixContext) (bool, Evidence) {
		var failures []string
		if !commandSucceeds(ctx, runner, fix.ServerID, "ls "+fix.WPPath+"/wp-config.php") {
			failures = append(failures, "wp-config.php not found under "+fix.WPPath)
		}
		if !commandSucceeds(ctx, runner, fix.ServerID, "wp db query 'SELECT 1' --path="+fix.WPPath) {
			failures = append(failures, "database not reachable")
		}
		if out, err := runner.Run(ctx, fix.ServerID, "find "+fix.WPPath+" -maxdepth 0 -writable"); err != nil || strings.TrimSpace(out.Stdout) == "" {
			failures = append(failures, "site root not writable")
		}
		if len(failures) > 0 {
			return false, NewEvidence(EvidenceSystemInfo, "tier 2 prerequisites not met",
				strings.Join(failures, "; "), nil)
		}
		return true, Evidence{}
	}
}

// Tier3Prereq gates plugin and theme surgery: wp-cli must load the site
// and the content directories must exist.
func Tier3Prereq(runner Runner) PrereqCheck {
	return func(ctx context.Context, fix FixContext) (bool, Evidence) {
		var failures []string
		if !commandSucceeds(ctx, runner, fix.ServerID, "ls "+fix.WPPath+"/wp-content/plugins") {
			failures = append(failures, "plugins directory missing")
		}
		if !commandSucceeds(ctx, runner, fix.ServerID, "ls "+fix.WPPath+"/wp-content/themes") {
			failures = append(failures, "themes directory missing")
		}
		if !commandSucceeds(ctx, runner, fix.ServerID, "wp core version --path="+fix.WPPath) {
			failures = append(failures, "wp-cli cannot load the site")
		}
		if len(failures) > 0 {
			return false, NewEvidence(EvidenceSystemInfo, "tier 3 prerequisites not met",
				strings.Join(failures, "; "), nil)
		}
		return true, Evidence{}
	}
}

// NewDefaultOrchestrator builds the standard three-tier orchestrator over
// a freshly registered catalogue.
func NewDefaultOrchestrator(runner Runner, backups Backups, prober Prober) (*Orchestrator, *Registry, error) {
	registry, err := Catalog(runner, backups, prober)
	if err != nil {
		return nil, nil, err
	}
	orchestrator := NewOrchestrator(
		NewTierExecutor(Tier1, registry, nil),
		NewTierExecutor(Tier2, registry, Tier2Prereq(runner)),
		NewTierExecutor(Tier3, registry, Tier3Prereq(runner)),
	)
	return orchestrator, registry, nil
}
