package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// pluginFaultRe pulls plugin slugs out of PHP fatal error paths.
var pluginFaultRe = regexp.MustCompile(`wp-content/plugins/([A-Za-z0-9_-]+)/`)

// essentialPlugins are never deactivated automatically: security, backup,
// and commerce plugins whose absence is worse than most outages.
var essentialPlugins = map[string]bool{
	"wordfence": true, "sucuri-scanner": true, "better-wp-security": true,
	"updraftplus": true, "backwpup": true,
	"woocommerce": true, "easy-digital-downloads": true,
	"jetpack": true,
}

type pluginCategory string

const (
	pluginEssential   pluginCategory = "essential"
	pluginStandard    pluginCategory = "standard"
	pluginProblematic pluginCategory = "problematic"
	pluginUnknown     pluginCategory = "unknown"
)

// installedPlugin mirrors one row of `wp plugin list --format=json`.
type installedPlugin struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Version string `json:"version"`
	Update  string `json:"update,omitempty"`
}

// categorizePlugins buckets active plugins. A plugin named in a fatal
// error path is problematic; known essentials are protected; a plugin
// with no version reported is unknown; the rest are standard.
func categorizePlugins(plugins []installedPlugin, evidence []Evidence) map[pluginCategory][]string {
	faulted := map[string]bool{}
	for _, slug := range evidenceExtract(evidence, pluginFaultRe) {
		faulted[slug] = true
	}
	out := map[pluginCategory][]string{}
	for _, pl := range plugins {
		switch {
		case faulted[pl.Name]:
			out[pluginProblematic] = append(out[pluginProblematic], pl.Name)
		case essentialPlugins[pl.Name]:
			out[pluginEssential] = append(out[pluginEssential], pl.Name)
		case pl.Version == "":
			out[pluginUnknown] = append(out[pluginUnknown], pl.Name)
		default:
			out[pluginStandard] = append(out[pluginStandard], pl.Name)
		}
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// listActivePlugins runs wp-cli and parses the JSON listing.
func listActivePlugins(ctx context.Context, b *Base, fix FixContext) ([]installedPlugin, Evidence, error) {
	out, ev, err := b.run(ctx, fix, "list active plugins",
		"wp plugin list --status=active --format=json --path="+fix.WPPath)
	if err != nil {
		return nil, ev, err
	}
	if out.ExitCode != 0 {
		return nil, ev, fmt.Errorf("wp plugin list exited %d", out.ExitCode)
	}
	var plugins []installedPlugin
	if err := json.Unmarshal([]byte(out.Stdout), &plugins); err != nil {
		return nil, ev, fmt.Errorf("parse plugin list: %w", err)
	}
	return plugins, ev, nil
}

// pluginConflictDetection is read-only: it lists and categorises active
// plugins and records which ones the evidence implicates. It never
// applies a fix itself; plugin-deactivation acts on its findings.
type pluginConflictDetection struct {
	Base
}

func NewPluginConflictDetection(runner Runner, backups Backups) Playbook {
	return &pluginConflictDetection{
		Base: NewBase("plugin-conflict-detection", Tier3, PriorityCritical,
			"Identify which active plugins the failure evidence implicates",
			[]string{"fatal errors referencing plugin code"}, runner, backups),
	}
}

func (p *pluginConflictDetection) Hypothesis(_ FixContext, evidence []Evidence) string {
	if slugs := evidenceExtract(evidence, pluginFaultRe); len(slugs) > 0 {
		return fmt.Sprintf("Plugins %v appear in the failure evidence and are the likely fault", slugs)
	}
	return "A plugin is the likely fault; categorising the active set narrows the candidates"
}

func (p *pluginConflictDetection) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence, "fatal error", "wp-content/plugins/", "critical error on this website", "white screen"), nil
}

func (p *pluginConflictDetection) Apply(ctx context.Context, fix FixContext, evidence []Evidence) (*FixResult, error) {
	result := &FixResult{}
	plugins, listEv, err := listActivePlugins(ctx, &p.Base, fix)
	result.Evidence = append(result.Evidence, listEv)
	if err != nil {
		result.Err = err.Error()
		return result, err
	}

	categories := categorizePlugins(plugins, evidence)
	report, _ := json.Marshal(categories)
	result.Evidence = append(result.Evidence, NewEvidence(EvidenceSystemInfo,
		"active plugin categorisation", string(report), map[string]string{
			"activeCount": fmt.Sprintf("%d", len(plugins)),
		}))
	result.SetMeta("activePlugins", fmt.Sprintf("%d", len(plugins)))
	// Detection is diagnostic only: success without an applied fix lets the
	// tier walk continue to the deactivation playbook.
	result.Success = true
	return result, nil
}

func (p *pluginConflictDetection) Rollback(_ context.Context, _ FixContext, _ *RollbackPlan) error {
	return nil
}

// pluginDeactivation deactivates suspect plugins in batches, least
// trusted first, probing the site between batches. Essential plugins are
// never deactivated.
type pluginDeactivation struct {
	Base
	prober Prober
}

func NewPluginDeactivation(runner Runner, backups Backups, prober Prober) Playbook {
	return &pluginDeactivation{
		Base: NewBase("plugin-deactivation", Tier3, PriorityHigh,
			"Deactivate suspect plugins in batches until the site responds",
			[]string{"fatal errors referencing plugin code"}, runner, backups),
		prober: prober,
	}
}

func (p *pluginDeactivation) Hypothesis(_ FixContext, evidence []Evidence) string {
	if slugs := evidenceExtract(evidence, pluginFaultRe); len(slugs) > 0 {
		return fmt.Sprintf("Deactivating %v should stop the fatal error", slugs)
	}
	return "Deactivating non-essential plugins in batches should isolate the faulty one"
}

func (p *pluginDeactivation) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence, "fatal error", "wp-content/plugins/", "critical error on this website"), nil
}

func (p *pluginDeactivation) siteResponds(ctx context.Context, fix FixContext) bool {
	if p.prober == nil {
		return false
	}
	status, err := p.prober.Probe(ctx, "https://"+fix.Domain)
	return err == nil && status < 500
}

func (p *pluginDeactivation) Apply(ctx context.Context, fix FixContext, evidence []Evidence) (*FixResult, error) {
	result := &FixResult{}

	plugins, listEv, err := listActivePlugins(ctx, &p.Base, fix)
	result.Evidence = append(result.Evidence, listEv)
	if err != nil {
		result.Err = err.Error()
		return result, err
	}
	if len(plugins) == 0 {
		result.Success = true
		return result, nil
	}

	// Snapshot the active set before touching it.
	snapshot, _ := json.Marshal(map[string]interface{}{
		"active":     plugins,
		"incidentId": fix.IncidentID,
		"takenAtMs":  time.Now().UnixMilli(),
	})
	snapshotPath := fmt.Sprintf("%s/wp-content/.wp-autohealer-plugins-backup-%d", fix.WPPath, time.Now().UnixMilli())
	if err := p.runner.WriteFile(ctx, fix.ServerID, snapshotPath, snapshot); err != nil {
		result.Err = fmt.Sprintf("snapshot active plugins: %v", err)
		return result, err
	}
	result.SetMeta("pluginSnapshot", snapshotPath)

	categories := categorizePlugins(plugins, evidence)

	plan := NewRollbackPlan()
	batches := []pluginCategory{pluginProblematic, pluginUnknown, pluginStandard}
	for _, category := range batches {
		names := categories[category]
		if len(names) == 0 {
			continue
		}
		joined := strings.Join(names, " ")
		out, ev, runErr := p.run(ctx, fix, fmt.Sprintf("deactivate %s plugins", category),
			"wp plugin deactivate "+joined+" --path="+fix.WPPath)
		result.Evidence = append(result.Evidence, ev)
		if runErr != nil || out.ExitCode != 0 {
			p.logger.Printf("deactivation of %s batch failed, continuing", category)
			continue
		}
		plan.Add(RollbackExecuteCommand, fmt.Sprintf("reactivate %s plugins", category), map[string]string{
			"command": "wp plugin activate " + joined + " --path=" + fix.WPPath,
		})
		result.Changes = append(result.Changes, FixChange{
			Type:        ChangeCommand,
			Description: fmt.Sprintf("deactivated %s plugins: %s", category, joined),
			Command:     out.RedactedCommand,
			Idempotent:  false,
			Timestamp:   time.Now().UTC(),
		})
		result.Applied = true

		if p.siteResponds(ctx, fix) {
			result.Success = true
			result.SetMeta("resolvedAfterBatch", string(category))
			break
		}
	}

	if result.Applied {
		result.Rollback = plan
	}
	if !result.Success && result.Applied {
		result.Err = "site still failing with suspect plugins deactivated"
	}
	if !result.Applied {
		result.Err = "no plugin batch could be deactivated"
	}
	return result, nil
}

func (p *pluginDeactivation) Rollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error {
	return p.ExecuteRollback(ctx, fix, plan)
}
