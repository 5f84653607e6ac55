package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var themeFaultRe = regexp.MustCompile(`wp-content/themes/([A-Za-z0-9_-]+)/`)

// defaultThemePreference orders the bundled fallback themes, newest first.
var defaultThemePreference = []string{
	"twentytwentyfive", "twentytwentyfour", "twentytwentythree",
	"twentytwentytwo", "twentytwentyone", "twentytwenty", "twentynineteen",
}

type installedTheme struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

func listThemes(ctx context.Context, b *Base, fix FixContext) ([]installedTheme, Evidence, error) {
	out, ev, err := b.run(ctx, fix, "list installed themes",
		"wp theme list --format=json --path="+fix.WPPath)
	if err != nil {
		return nil, ev, err
	}
	if out.ExitCode != 0 {
		return nil, ev, fmt.Errorf("wp theme list exited %d", out.ExitCode)
	}
	var themes []installedTheme
	if err := json.Unmarshal([]byte(out.Stdout), &themes); err != nil {
		return nil, ev, fmt.Errorf("parse theme list: %w", err)
	}
	return themes, ev, nil
}

func activeTheme(themes []installedTheme) string {
	for _, t := range themes {
		if t.Status == "active" {
			return t.Name
		}
	}
	return ""
}

// themeSwitch falls back to a bundled default theme when the active theme
// is implicated in the failure.
type themeSwitch struct {
	Base
	prober Prober
}

func NewThemeSwitch(runner Runner, backups Backups, prober Prober) Playbook {
	return &themeSwitch{
		Base: NewBase("theme-switch", Tier3, PriorityMedium,
			"Switch to a bundled default theme when the active theme is faulty",
			[]string{"fatal errors referencing theme code"}, runner, backups),
		prober: prober,
	}
}

func (p *themeSwitch) Hypothesis(_ FixContext, evidence []Evidence) string {
	if slugs := evidenceExtract(evidence, themeFaultRe); len(slugs) > 0 {
		return fmt.Sprintf("Theme %v is faulty; a default theme should render the site", slugs)
	}
	return "The active theme is the likely fault; a bundled default theme should render the site"
}

func (p *themeSwitch) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence, "wp-content/themes/", "template_redirect", "theme"), nil
}

func (p *themeSwitch) siteResponds(ctx context.Context, fix FixContext) bool {
	if p.prober == nil {
		return false
	}
	status, err := p.prober.Probe(ctx, "https://"+fix.Domain)
	return err == nil && status < 500
}

func (p *themeSwitch) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{}

	themes, listEv, err := listThemes(ctx, &p.Base, fix)
	result.Evidence = append(result.Evidence, listEv)
	if err != nil {
		result.Err = err.Error()
		return result, err
	}
	current := activeTheme(themes)
	if current == "" {
		result.Err = "no active theme reported"
		return result, nil
	}
	result.SetMeta("previousTheme", current)

	installed := map[string]bool{}
	for _, t := range themes {
		installed[t.Name] = true
	}

	// Remember what was active so a later incident can put it back.
	snapshot, _ := json.Marshal(map[string]interface{}{
		"theme":      current,
		"incidentId": fix.IncidentID,
		"takenAtMs":  time.Now().UnixMilli(),
	})
	snapshotPath := fmt.Sprintf("%s/wp-content/.wp-autohealer-theme-backup-%d", fix.WPPath, time.Now().UnixMilli())
	if err := p.runner.WriteFile(ctx, fix.ServerID, snapshotPath, snapshot); err != nil {
		result.Err = fmt.Sprintf("snapshot active theme: %v", err)
		return result, err
	}
	result.SetMeta("themeSnapshot", snapshotPath)

	plan := NewRollbackPlan()
	tried := 0
	for _, candidate := range defaultThemePreference {
		if candidate == current || !installed[candidate] || tried >= 3 {
			continue
		}
		tried++
		out, ev, runErr := p.run(ctx, fix, "activate fallback theme "+candidate,
			"wp theme activate "+candidate+" --path="+fix.WPPath)
		result.Evidence = append(result.Evidence, ev)
		if runErr != nil || out.ExitCode != 0 {
			continue
		}
		if !result.Applied {
			plan.Add(RollbackExecuteCommand, "reactivate previous theme "+current, map[string]string{
				"command": "wp theme activate " + current + " --path=" + fix.WPPath,
			})
		}
		result.Applied = true
		result.Rollback = plan
		result.Changes = append(result.Changes, FixChange{
			Type:          ChangeCommand,
			Description:   "switched active theme from " + current + " to " + candidate,
			Command:       out.RedactedCommand,
			OriginalValue: current,
			NewValue:      candidate,
			Idempotent:    false,
			Timestamp:     time.Now().UTC(),
		})
		if p.siteResponds(ctx, fix) {
			result.Success = true
			result.SetMeta("activeTheme", candidate)
			return result, nil
		}
	}

	if !result.Applied {
		result.Err = "no bundled default theme could be activated"
	} else {
		result.Err = "site still failing on a default theme"
	}
	return result, nil
}

func (p *themeSwitch) Rollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error {
	return p.ExecuteRollback(ctx, fix, plan)
}

// themeRollback reactivates the theme recorded in the newest theme
// snapshot, for incidents caused by a bad theme change.
type themeRollback struct {
	Base
	prober Prober
}

func NewThemeRollback(runner Runner, backups Backups, prober Prober) Playbook {
	return &themeRollback{
		Base: NewBase("theme-rollback", Tier3, PriorityLow,
			"Reactivate the previously recorded theme after a bad theme change",
			[]string{"failures following a theme change"}, runner, backups),
		prober: prober,
	}
}

func (p *themeRollback) Hypothesis(_ FixContext, _ []Evidence) string {
	return "A recent theme change broke the site; reverting to the recorded theme should restore it"
}

func (p *themeRollback) CanApply(ctx context.Context, fix FixContext, evidence []Evidence) (bool, error) {
	if !evidenceContains(evidence, "theme", "template", "stylesheet") {
		return false, nil
	}
	path, err := p.latestSnapshot(ctx, fix)
	if err != nil {
		return false, err
	}
	return path != "", nil
}

// latestSnapshot finds the newest .wp-autohealer-theme-backup sidecar.
func (p *themeRollback) latestSnapshot(ctx context.Context, fix FixContext) (string, error) {
	out, err := p.runner.Run(ctx, fix.ServerID,
		"ls -t "+fix.WPPath+"/wp-content -a")
	if err != nil || out.ExitCode != 0 {
		return "", err
	}
	for _, line := range strings.Split(out.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if strings.HasPrefix(name, ".wp-autohealer-theme-backup-") {
			return fix.WPPath + "/wp-content/" + name, nil
		}
	}
	return "", nil
}

func (p *themeRollback) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{}

	snapshotPath, err := p.latestSnapshot(ctx, fix)
	if err != nil {
		result.Err = err.Error()
		return result, err
	}
	if snapshotPath == "" {
		result.Err = "no theme snapshot to roll back to"
		return result, nil
	}
	raw, err := p.runner.ReadFile(ctx, fix.ServerID, snapshotPath)
	if err != nil {
		result.Err = fmt.Sprintf("read theme snapshot: %v", err)
		return result, err
	}
	var snapshot struct {
		Theme string `json:"theme"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil || snapshot.Theme == "" {
		result.Err = "theme snapshot is unreadable"
		return result, nil
	}

	themes, listEv, err := listThemes(ctx, &p.Base, fix)
	result.Evidence = append(result.Evidence, listEv)
	if err != nil {
		result.Err = err.Error()
		return result, err
	}
	current := activeTheme(themes)
	if current == snapshot.Theme {
		result.Success = true
		return result, nil
	}

	out, ev, err := p.run(ctx, fix, "reactivate recorded theme "+snapshot.Theme,
		"wp theme activate "+snapshot.Theme+" --path="+fix.WPPath)
	result.Evidence = append(result.Evidence, ev)
	if err != nil {
		result.Err = ev.Content
		return result, err
	}
	if out.ExitCode != 0 {
		result.Err = fmt.Sprintf("wp theme activate exited %d", out.ExitCode)
		return result, nil
	}

	plan := NewRollbackPlan()
	plan.Add(RollbackExecuteCommand, "reactivate theme "+current, map[string]string{
		"command": "wp theme activate " + current + " --path=" + fix.WPPath,
	})
	result.Applied = true
	result.Rollback = plan
	result.Changes = append(result.Changes, FixChange{
		Type:          ChangeCommand,
		Description:   "reverted active theme from " + current + " to " + snapshot.Theme,
		Command:       out.RedactedCommand,
		OriginalValue: current,
		NewValue:      snapshot.Theme,
		Idempotent:    false,
		Timestamp:     time.Now().UTC(),
	})
	if p.prober != nil {
		status, probeErr := p.prober.Probe(ctx, "https://"+fix.Domain)
		result.Success = probeErr == nil && status < 500
	}
	if !result.Success {
		result.Err = "site still failing after theme revert"
	}
	return result, nil
}

func (p *themeRollback) Rollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error {
	return p.ExecuteRollback(ctx, fix, plan)
}
