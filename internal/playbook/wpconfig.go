package playbook

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const stopEditingMarker = "/* That's all, stop editing!"

// upsertConfigDefine replaces an existing define() for the constant or
// inserts one above WordPress's stop-editing marker. Returns the updated
// content and whether anything changed.
func upsertConfigDefine(content, name, phpValue string) (string, bool) {
	line := fmt.Sprintf("define( '%s', %s );", name, phpValue)
	re := regexp.MustCompile(`(?m)^[ \t]*define\(\s*['"]` + regexp.QuoteMeta(name) + `['"]\s*,\s*[^)]*\)\s*;.*$`)
	if re.MatchString(content) {
		updated := re.ReplaceAllString(content, line)
		return updated, updated != content
	}
	if i := strings.Index(content, stopEditingMarker); i >= 0 {
		return content[:i] + line + "\n\n" + content[i:], true
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + line + "\n", true
}

// configEdit is the shared shape of playbooks that set one wp-config.php
// constant: back up, edit, lint, roll back on a bad lint.
type configEdit struct {
	Base
	constant   string
	phpValue   string
	triggers   []string
	hypothesis string
}

func (p *configEdit) CanApply(_ context.Context, _ FixContext, evidence []Evidence) (bool, error) {
	return evidenceContains(evidence, p.triggers...), nil
}

func (p *configEdit) Hypothesis(_ FixContext, _ []Evidence) string {
	return p.hypothesis
}

func (p *configEdit) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	configPath := fix.WPPath + "/wp-config.php"
	original, err := p.runner.ReadFile(ctx, fix.ServerID, configPath)
	if err != nil {
		return failResult(fmt.Errorf("read %s: %w", configPath, err)), err
	}

	updated, changed := upsertConfigDefine(string(original), p.constant, p.phpValue)
	if !changed {
		return &FixResult{
			Success: true,
			Applied: false,
			Evidence: []Evidence{NewEvidence(EvidenceFileContent,
				p.constant+" already at target value", configPath, nil)},
		}, nil
	}

	plan := NewRollbackPlan()
	change, err := p.writeFileWithBackup(ctx, fix, configPath, []byte(updated), plan)
	if err != nil {
		return failResult(err), err
	}
	change.Type = ChangeConfig
	change.Description = fmt.Sprintf("set %s = %s in wp-config.php", p.constant, p.phpValue)

	// A config edit that breaks PHP parsing is worse than the incident.
	lint, lintEv, lintErr := p.run(ctx, fix, "lint wp-config.php after edit", "php -l "+configPath)
	if lintErr != nil || lint.ExitCode != 0 {
		p.logger.Printf("⚠️ wp-config.php failed lint after edit, rolling back")
		if rbErr := p.ExecuteRollback(ctx, fix, plan); rbErr != nil {
			return failResult(fmt.Errorf("lint failed and rollback failed: %v", rbErr)), rbErr
		}
		result := failResult(fmt.Errorf("wp-config.php failed php -l after edit"))
		result.Evidence = append(result.Evidence, lintEv)
		return result, nil
	}

	return &FixResult{
		Success:  true,
		Applied:  true,
		Changes:  []FixChange{change},
		Rollback: plan,
		Evidence: []Evidence{lintEv},
	}, nil
}

func (p *configEdit) Rollback(ctx context.Context, fix FixContext, plan *RollbackPlan) error {
	return p.ExecuteRollback(ctx, fix, plan)
}

// NewMemoryLimitIncrease raises WP_MEMORY_LIMIT when PHP reports memory
// exhaustion.
func NewMemoryLimitIncrease(runner Runner, backups Backups) Playbook {
	return &configEdit{
		Base: NewBase("memory-limit-increase", Tier1, PriorityHigh,
			"Raise WP_MEMORY_LIMIT when PHP exhausts its allocation",
			[]string{"memory exhaustion in PHP error logs"}, runner, backups),
		constant:   "WP_MEMORY_LIMIT",
		phpValue:   "'256M'",
		triggers:   []string{"allowed memory size", "memory exhausted", "out of memory"},
		hypothesis: "PHP is hitting the WordPress memory limit; raising it should restore page rendering",
	}
}

// NewPHPErrorVisibility routes PHP errors to the debug log instead of the
// page so later diagnosis has something to read.
func NewPHPErrorVisibility(runner Runner, backups Backups) Playbook {
	return &configEdit{
		Base: NewBase("php-error-visibility", Tier1, PriorityMedium,
			"Send PHP errors to the debug log instead of rendered pages",
			[]string{"PHP warnings or notices leaking into responses"}, runner, backups),
		constant:   "WP_DEBUG_DISPLAY",
		phpValue:   "false",
		triggers:   []string{"warning:", "notice:", "deprecated:", "headers already sent"},
		hypothesis: "PHP errors printed into responses are corrupting output; hiding them restores pages while logs capture the detail",
	}
}

// NewWPDebugEnable turns on WP_DEBUG_LOG so a recurring fault leaves a
// trace for the next incident.
func NewWPDebugEnable(runner Runner, backups Backups) Playbook {
	return &configEdit{
		Base: NewBase("wp-debug-enable", Tier3, PriorityLow,
			"Enable WP_DEBUG_LOG to capture diagnostics for a recurring fault",
			[]string{"undiagnosed recurring failures"}, runner, backups),
		constant:   "WP_DEBUG_LOG",
		phpValue:   "true",
		triggers:   []string{"fatal error", "white screen", "critical error on this website"},
		hypothesis: "The failure leaves no trace; enabling the debug log records the next occurrence",
	}
}
