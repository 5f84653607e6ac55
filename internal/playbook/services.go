package playbook

import (
	"context"
	"fmt"
	"time"
)

// webServerRestart bounces the web server when the site refuses
// connections or gateways time out.
type webServerRestart struct {
	Base
}

func NewWebServerRestart(runner Runner, backups Backups) Playbook {
	return &webServerRestart{
		Base: NewBase("web-server-restart", Tier1, PriorityHigh,
			"Restart the web server when the site refuses connections",
			[]string{"502/503 responses", "connection refused", "upstream timeouts"}, runner, backups),
	}
}

func (p *webServerRestart) Hypothesis(_ FixContext, _ []Evidence) string {
	return "The web server process is wedged or down; a restart should bring the site back"
}

func (p *webServerRestart) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence,
		"502 bad gateway", "503 service unavailable", "504 gateway",
		"connection refused", "upstream timed out"), nil
}

// detectWebServer picks the unit to restart: the active one wins, an
// installed-but-inactive nginx is next, apache2 is the fallback.
func (p *webServerRestart) detectWebServer(ctx context.Context, fix FixContext) string {
	for _, unit := range []string{"nginx", "apache2"} {
		out, err := p.runner.Run(ctx, fix.ServerID, "systemctl is-active "+unit)
		if err == nil && out.ExitCode == 0 {
			return unit
		}
	}
	out, err := p.runner.Run(ctx, fix.ServerID, "which nginx")
	if err == nil && out.ExitCode == 0 {
		return "nginx"
	}
	return "apache2"
}

func (p *webServerRestart) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	unit := p.detectWebServer(ctx, fix)
	result := &FixResult{}
	result.SetMeta("unit", unit)

	out, ev, err := p.run(ctx, fix, "restart "+unit, "systemctl restart "+unit)
	result.Evidence = append(result.Evidence, ev)
	if err != nil {
		result.Err = ev.Content
		return result, err
	}
	if out.ExitCode != 0 {
		result.Err = fmt.Sprintf("systemctl restart %s exited %d", unit, out.ExitCode)
		return result, nil
	}
	result.Applied = true
	result.Changes = append(result.Changes, FixChange{
		Type:        ChangeCommand,
		Description: "restarted " + unit,
		Command:     out.RedactedCommand,
		Idempotent:  true,
		Timestamp:   time.Now().UTC(),
	})

	status, statusEv, statusErr := p.run(ctx, fix, "verify "+unit+" is active", "systemctl is-active "+unit)
	result.Evidence = append(result.Evidence, statusEv)
	result.Success = statusErr == nil && status.ExitCode == 0
	if !result.Success {
		result.Err = unit + " did not come back after restart"
	}
	return result, nil
}

func (p *webServerRestart) Rollback(_ context.Context, _ FixContext, _ *RollbackPlan) error {
	// A restart cannot be undone; there is nothing to restore.
	return nil
}

// dbConnectionFix restarts the database service when WordPress cannot
// establish a connection.
type dbConnectionFix struct {
	Base
}

func NewDBConnectionFix(runner Runner, backups Backups) Playbook {
	return &dbConnectionFix{
		Base: NewBase("db-connection-fix", Tier1, PriorityHigh,
			"Restart the database service when WordPress cannot connect",
			[]string{"error establishing a database connection"}, runner, backups),
	}
}

func (p *dbConnectionFix) Hypothesis(_ FixContext, _ []Evidence) string {
	return "The database service is down or unresponsive; restarting it should restore connectivity"
}

func (p *dbConnectionFix) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence,
		"error establishing a database connection",
		"mysql server has gone away",
		"can't connect to local mysql",
		"connection refused"), nil
}

func (p *dbConnectionFix) detectDBUnit(ctx context.Context, fix FixContext) string {
	for _, unit := range []string{"mysql", "mariadb", "mysqld"} {
		out, err := p.runner.Run(ctx, fix.ServerID, "systemctl status "+unit)
		// Exit 0 (active) and 3 (loaded but stopped) both mean the unit exists.
		if err == nil && (out.ExitCode == 0 || out.ExitCode == 3) {
			return unit
		}
	}
	return "mysql"
}

func (p *dbConnectionFix) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{}

	check, checkEv, err := p.run(ctx, fix, "check database connectivity", "wp db check --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, checkEv)
	if err == nil && check.ExitCode == 0 {
		// Connectivity is fine; the reported error was transient.
		result.Success = true
		return result, nil
	}

	unit := p.detectDBUnit(ctx, fix)
	result.SetMeta("unit", unit)
	restart, restartEv, err := p.run(ctx, fix, "restart "+unit, "systemctl restart "+unit)
	result.Evidence = append(result.Evidence, restartEv)
	if err != nil {
		result.Err = restartEv.Content
		return result, err
	}
	if restart.ExitCode != 0 {
		result.Err = fmt.Sprintf("systemctl restart %s exited %d", unit, restart.ExitCode)
		return result, nil
	}
	result.Applied = true
	result.Changes = append(result.Changes, FixChange{
		Type:        ChangeCommand,
		Description: "restarted database service " + unit,
		Command:     restart.RedactedCommand,
		Idempotent:  true,
		Timestamp:   time.Now().UTC(),
	})

	recheck, recheckEv, recheckErr := p.run(ctx, fix, "re-check database connectivity", "wp db check --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, recheckEv)
	result.Success = recheckErr == nil && recheck.ExitCode == 0
	if !result.Success {
		result.Err = "database still unreachable after restart"
	}
	return result, nil
}

func (p *dbConnectionFix) Rollback(_ context.Context, _ FixContext, _ *RollbackPlan) error {
	return nil
}

// cachePurge flushes the object cache and expired transients.
type cachePurge struct {
	Base
}

func NewCachePurge(runner Runner, backups Backups) Playbook {
	return &cachePurge{
		Base: NewBase("cache-purge", Tier1, PriorityLow,
			"Flush the object cache and transients when stale cache is implicated",
			[]string{"stale or corrupt cache"}, runner, backups),
	}
}

func (p *cachePurge) Hypothesis(_ FixContext, _ []Evidence) string {
	return "Stale or corrupt cached data is being served; flushing it forces regeneration"
}

func (p *cachePurge) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence, "cache", "transient"), nil
}

func (p *cachePurge) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{}
	commands := []struct {
		description string
		command     string
	}{
		{"flush the object cache", "wp cache flush --path=" + fix.WPPath},
		{"delete expired transients", "wp transient delete --expired --path=" + fix.WPPath},
	}
	for _, c := range commands {
		out, ev, err := p.run(ctx, fix, c.description, c.command)
		result.Evidence = append(result.Evidence, ev)
		if err != nil || out.ExitCode != 0 {
			continue
		}
		result.Changes = append(result.Changes, FixChange{
			Type:        ChangeCommand,
			Description: c.description,
			Command:     out.RedactedCommand,
			Idempotent:  true,
			Timestamp:   time.Now().UTC(),
		})
	}
	result.Applied = len(result.Changes) > 0
	result.Success = result.Applied
	if !result.Applied {
		result.Err = "no cache command succeeded"
	}
	return result, nil
}

func (p *cachePurge) Rollback(_ context.Context, _ FixContext, _ *RollbackPlan) error {
	return nil
}

// permalinkFlush regenerates rewrite rules when pages 404 despite existing.
type permalinkFlush struct {
	Base
}

func NewPermalinkFlush(runner Runner, backups Backups) Playbook {
	return &permalinkFlush{
		Base: NewBase("permalink-flush", Tier2, PriorityLow,
			"Regenerate rewrite rules when existing pages return 404",
			[]string{"404s on known-good permalinks"}, runner, backups),
	}
}

func (p *permalinkFlush) Hypothesis(_ FixContext, _ []Evidence) string {
	return "The rewrite rules are stale; flushing permalinks regenerates them"
}

func (p *permalinkFlush) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence, "404 not found", "permalink", "rewrite rules"), nil
}

func (p *permalinkFlush) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{}
	out, ev, err := p.run(ctx, fix, "flush rewrite rules", "wp rewrite flush --hard --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, ev)
	if err != nil {
		result.Err = ev.Content
		return result, err
	}
	if out.ExitCode != 0 {
		result.Err = fmt.Sprintf("wp rewrite flush exited %d", out.ExitCode)
		return result, nil
	}
	result.Success = true
	result.Applied = true
	result.Changes = append(result.Changes, FixChange{
		Type:        ChangeCommand,
		Description: "flushed rewrite rules",
		Command:     out.RedactedCommand,
		Idempotent:  true,
		Timestamp:   time.Now().UTC(),
	})
	return result, nil
}

func (p *permalinkFlush) Rollback(_ context.Context, _ FixContext, _ *RollbackPlan) error {
	return nil
}
