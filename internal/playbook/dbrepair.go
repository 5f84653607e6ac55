package playbook

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

var crashedTableRe = regexp.MustCompile(`(?i)table '?([A-Za-z0-9_.]+)'? is marked as crashed`)

// dbTableRepair dumps the database and repairs crashed or corrupt tables.
// The dump always happens first; a repair with no restore path is not a
// repair.
type dbTableRepair struct {
	Base
}

func NewDBTableRepair(runner Runner, backups Backups) Playbook {
	return &dbTableRepair{
		Base: NewBase("db-table-repair", Tier2, PriorityHigh,
			"Dump the database and repair crashed or corrupt tables",
			[]string{"crashed or corrupt MySQL tables"}, runner, backups),
	}
}

func (p *dbTableRepair) Hypothesis(fix FixContext, evidence []Evidence) string {
	if tables := evidenceExtract(evidence, crashedTableRe); len(tables) > 0 {
		return fmt.Sprintf("Tables %v are crashed; repairing them should restore queries", tables)
	}
	return "Database tables are corrupt; a repair pass should restore them"
}

func (p *dbTableRepair) CanApply(ctx context.Context, fix FixContext, evidence []Evidence) (bool, error) {
	if evidenceContains(evidence, "is marked as crashed", "corrupt", "incorrect key file") {
		return true, nil
	}
	out, err := p.runner.Run(ctx, fix.ServerID, "wp db check --path="+fix.WPPath)
	if err != nil {
		return false, err
	}
	return out.ExitCode != 0, nil
}

func (p *dbTableRepair) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{}

	// Dump before touching anything. A failed dump aborts the repair.
	dumpPath := fmt.Sprintf("/tmp/db-backup-%s-%d.sql", fix.IncidentID, time.Now().UnixMilli())
	dump, dumpEv, err := p.run(ctx, fix, "dump all databases before repair",
		"mysqldump --all-databases --single-transaction --result-file="+dumpPath)
	result.Evidence = append(result.Evidence, dumpEv)
	if err != nil {
		result.Err = dumpEv.Content
		return result, err
	}
	if dump.ExitCode != 0 {
		result.Err = fmt.Sprintf("mysqldump exited %d, refusing to repair without a dump", dump.ExitCode)
		return result, nil
	}
	result.SetMeta("dumpPath", dumpPath)

	repair, repairEv, err := p.run(ctx, fix, "repair database tables", "wp db repair --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, repairEv)
	if err != nil {
		result.Err = repairEv.Content
		return result, err
	}
	if repair.ExitCode != 0 {
		result.Err = fmt.Sprintf("wp db repair exited %d", repair.ExitCode)
		return result, nil
	}

	plan := NewRollbackPlan()
	plan.Add(RollbackExecuteCommand, "restore the pre-repair dump", map[string]string{
		"command": "mysql -e 'source " + dumpPath + "'",
	})
	result.Applied = true
	result.Rollback = plan
	result.Changes = append(result.Changes, FixChange{
		Type:        ChangeDatabase,
		Description: "repaired database tables",
		Command:     repair.RedactedCommand,
		Idempotent:  false,
		Timestamp:   time.Now().UTC(),
	})

	optimize, optimizeEv, _ := p.run(ctx, fix, "optimise repaired tables", "wp db optimize --path="+fix.WPPath)
	if optimize != nil {
		result.Evidence = append(result.Evidence, optimizeEv)
	}

	check, checkEv, checkErr := p.run(ctx, fix, "check tables after repair", "wp db check --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, checkEv)
	result.Success = checkErr == nil && check.ExitCode == 0
	if !result.Success {
		result.Err = "tables still failing checks after repair"
	}
	return result, nil
}

func (p *dbTableRepair) Rollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error {
	return p.ExecuteRollback(ctx, fix, plan)
}
