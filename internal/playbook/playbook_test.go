package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner matches commands against ordered prefix rules; unmatched
// commands succeed with empty output.
type fakeRunner struct {
	mu       sync.Mutex
	rules    []runnerRule
	commands []string
	files    map[string][]byte
	writes   map[string][]byte
}

type runnerRule struct {
	prefix string
	stdout string
	exit   int
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{files: map[string][]byte{}, writes: map[string][]byte{}}
}

func (f *fakeRunner) stub(prefix, stdout string, exit int) *fakeRunner {
	f.rules = append(f.rules, runnerRule{prefix: prefix, stdout: stdout, exit: exit})
	return f
}

func (f *fakeRunner) Run(_ context.Context, _ string, cmd string) (*CommandOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	for _, r := range f.rules {
		if strings.HasPrefix(cmd, r.prefix) {
			if r.err != nil {
				return nil, r.err
			}
			return &CommandOutput{Stdout: r.stdout, ExitCode: r.exit, RedactedCommand: cmd}, nil
		}
	}
	return &CommandOutput{RedactedCommand: cmd}, nil
}

func (f *fakeRunner) ReadFile(_ context.Context, _ string, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("no such file %s", remotePath)
	}
	return content, nil
}

func (f *fakeRunner) WriteFile(_ context.Context, _ string, remotePath string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = content
	f.writes[remotePath] = content
	return nil
}

func (f *fakeRunner) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeBackups struct {
	mu       sync.Mutex
	created  []string
	restored [][2]string // backupPath, target
	latest   string
}

func (f *fakeBackups) CreateFileBackup(_ context.Context, _, _ string, path string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	backupPath := "/var/www/wp-content/.wp-autohealer-file-backup-1700000000000"
	f.created = append(f.created, path)
	return backupPath, nil
}

func (f *fakeBackups) Restore(_ context.Context, _ string, backupPath, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, [2]string{backupPath, target})
	return nil
}

func (f *fakeBackups) LatestBackup(_ context.Context, _, _, _ string) (string, error) {
	return f.latest, nil
}

type fakeProber struct {
	statuses []int
	calls    int
}

func (f *fakeProber) Probe(_ context.Context, _ string) (int, error) {
	if f.calls < len(f.statuses) {
		s := f.statuses[f.calls]
		f.calls++
		return s, nil
	}
	return 200, nil
}

func testFixContext() FixContext {
	return FixContext{
		IncidentID:    "inc-1",
		SiteID:        "site-1",
		ServerID:      "srv-1",
		SitePath:      "/var/www",
		WPPath:        "/var/www/html",
		Domain:        "example.com",
		CorrelationID: "corr-1",
		TraceID:       "trace-1",
	}
}

func logEvidence(content string) []Evidence {
	return []Evidence{NewEvidence(EvidenceLog, "error log excerpt", content, nil)}
}

// ---- registry ----

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	runner := newFakeRunner()
	backups := &fakeBackups{}

	require.NoError(t, r.Register(NewCachePurge(runner, backups)))
	err := r.Register(NewCachePurge(runner, backups))
	require.Error(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_TierOrderedByPriority(t *testing.T) {
	r, err := Catalog(newFakeRunner(), &fakeBackups{}, &fakeProber{})
	require.NoError(t, err)
	assert.Equal(t, 15, r.Len())

	tier1 := r.ForTier(Tier1)
	require.NotEmpty(t, tier1)
	assert.Equal(t, "disk-space-cleanup", tier1[0].Name(), "critical priority runs first")
	for i := 1; i < len(tier1); i++ {
		assert.LessOrEqual(t, tier1[i-1].Priority(), tier1[i].Priority())
	}
}

type panickyPlaybook struct{ Base }

func (p *panickyPlaybook) CanApply(context.Context, FixContext, []Evidence) (bool, error) {
	panic("broken CanApply")
}
func (p *panickyPlaybook) Apply(context.Context, FixContext, []Evidence) (*FixResult, error) {
	panic("broken Apply")
}
func (p *panickyPlaybook) Rollback(context.Context, FixContext, *RollbackPlan) error { return nil }
func (p *panickyPlaybook) Hypothesis(FixContext, []Evidence) string                  { return "" }

func TestRegistry_PanickyCanApplyIsSkipped(t *testing.T) {
	r := NewRegistry()
	runner := newFakeRunner()
	require.NoError(t, r.Register(&panickyPlaybook{
		Base: NewBase("broken", Tier1, PriorityCritical, "", nil, runner, &fakeBackups{}),
	}))
	require.NoError(t, r.Register(NewCachePurge(runner, &fakeBackups{})))

	applicable := r.Applicable(context.Background(), Tier1, testFixContext(), logEvidence("stale cache suspected"))
	require.Len(t, applicable, 1)
	assert.Equal(t, "cache-purge", applicable[0].Name())
}

// ---- wp-config editing ----

const sampleWPConfig = `<?php
define( 'DB_NAME', 'wp' );
define( 'WP_DEBUG', false );

/* That's all, stop editing! Happy publishing. */
require_once ABSPATH . 'wp-settings.php';
`

func TestUpsertConfigDefine_ReplacesExisting(t *testing.T) {
	updated, changed := upsertConfigDefine(sampleWPConfig, "WP_DEBUG", "true")
	assert.True(t, changed)
	assert.Contains(t, updated, "define( 'WP_DEBUG', true );")
	assert.NotContains(t, updated, "define( 'WP_DEBUG', false );")
}

func TestUpsertConfigDefine_InsertsBeforeMarker(t *testing.T) {
	updated, changed := upsertConfigDefine(sampleWPConfig, "WP_MEMORY_LIMIT", "'256M'")
	assert.True(t, changed)
	idx := strings.Index(updated, "define( 'WP_MEMORY_LIMIT', '256M' );")
	marker := strings.Index(updated, stopEditingMarker)
	require.Greater(t, idx, 0)
	assert.Less(t, idx, marker, "new define lands above the stop-editing marker")
}

func TestUpsertConfigDefine_NoChangeWhenAlreadySet(t *testing.T) {
	once, _ := upsertConfigDefine(sampleWPConfig, "WP_MEMORY_LIMIT", "'256M'")
	_, changed := upsertConfigDefine(once, "WP_MEMORY_LIMIT", "'256M'")
	assert.False(t, changed)
}

func TestMemoryLimitIncrease_AppliesWithRollback(t *testing.T) {
	runner := newFakeRunner().stub("php -l", "No syntax errors detected", 0)
	runner.files["/var/www/html/wp-config.php"] = []byte(sampleWPConfig)
	backups := &fakeBackups{}
	p := NewMemoryLimitIncrease(runner, backups)

	ok, err := p.CanApply(context.Background(), testFixContext(),
		logEvidence("PHP Fatal error: Allowed memory size of 134217728 bytes exhausted"))
	require.NoError(t, err)
	require.True(t, ok)

	result, err := p.Apply(context.Background(), testFixContext(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Applied)
	require.NotNil(t, result.Rollback)
	require.Len(t, result.Rollback.Steps, 1)
	assert.Equal(t, RollbackRestoreFile, result.Rollback.Steps[0].Kind)
	assert.Contains(t, string(runner.files["/var/www/html/wp-config.php"]), "WP_MEMORY_LIMIT")
	assert.Equal(t, []string{"/var/www/html/wp-config.php"}, backups.created)
	require.NoError(t, result.Validate())
}

func TestConfigEdit_RollsBackOnFailedLint(t *testing.T) {
	runner := newFakeRunner().stub("php -l", "Parse error: syntax error", 255)
	runner.files["/var/www/html/wp-config.php"] = []byte(sampleWPConfig)
	backups := &fakeBackups{}
	p := NewMemoryLimitIncrease(runner, backups)

	result, err := p.Apply(context.Background(), testFixContext(), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Applied)
	require.Len(t, backups.restored, 1, "failed lint restores the backup")
	assert.Equal(t, "/var/www/html/wp-config.php", backups.restored[0][1])
}

// ---- disk cleanup ----

const dfNearlyFull = `Filesystem     1K-blocks      Used Available Use% Mounted on
/dev/vda1       41152812  39095171   2057641  95% /
`

const dfHealthy = `Filesystem     1K-blocks      Used Available Use% Mounted on
/dev/vda1       41152812  28806968  12345844  70% /
`

func TestParseDiskUsage(t *testing.T) {
	assert.Equal(t, 95, parseDiskUsage(dfNearlyFull))
	assert.Equal(t, 70, parseDiskUsage(dfHealthy))
	assert.Equal(t, -1, parseDiskUsage("garbage"))
}

func TestDiskSpaceCleanup_FullDiskRemediation(t *testing.T) {
	runner := newFakeRunner().
		stub("df -k", dfNearlyFull, 0).
		stub("find /tmp", "", 0).
		stub("find /var/www/html/wp-content/cache", "", 0).
		stub("find /var/cache/apt/archives", "", 0).
		stub("find /var/log", "/var/log/site-huge.log\n", 0)
	p := NewDiskSpaceCleanup(runner, &fakeBackups{})

	ok, err := p.CanApply(context.Background(), testFixContext(),
		logEvidence("mysqli_real_connect(): No space left on device"))
	require.NoError(t, err)
	require.True(t, ok)

	result, err := p.Apply(context.Background(), testFixContext(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Applied)
	assert.Equal(t, "95", result.Metadata["initialDiskUsage"])
	assert.Equal(t, "1", result.Metadata["logsTruncated"])
	assert.Empty(t, runner.files["/var/log/site-huge.log"], "oversized log truncated, not deleted")
	for _, ch := range result.Changes {
		assert.True(t, ch.Idempotent, "cleanup changes are re-apply safe")
	}
	require.NoError(t, result.Validate())
}

func TestDiskSpaceCleanup_CanApplyFromLiveUsage(t *testing.T) {
	runner := newFakeRunner().stub("df -k", dfNearlyFull, 0)
	p := NewDiskSpaceCleanup(runner, &fakeBackups{})

	ok, err := p.CanApply(context.Background(), testFixContext(), nil)
	require.NoError(t, err)
	assert.True(t, ok, "df at 95%% is above the threshold")

	healthy := newFakeRunner().stub("df -k", dfHealthy, 0)
	ok, err = NewDiskSpaceCleanup(healthy, &fakeBackups{}).
		CanApply(context.Background(), testFixContext(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

// ---- tier execution ----

func TestTierExecutor_StopsAtFirstAppliedFix(t *testing.T) {
	// Web server restart applies; cache purge must never be attempted even
	// though its trigger is also present.
	runner := newFakeRunner().
		stub("systemctl is-active nginx", "active", 0).
		stub("systemctl restart nginx", "", 0)
	registry := NewRegistry()
	require.NoError(t, registry.Register(NewWebServerRestart(runner, &fakeBackups{})))
	require.NoError(t, registry.Register(NewCachePurge(runner, &fakeBackups{})))

	exec := NewTierExecutor(Tier1, registry, nil)
	outcome := exec.Execute(context.Background(), testFixContext(),
		logEvidence("502 Bad Gateway and a suspicious stale cache"))

	assert.True(t, outcome.FixApplied)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "web-server-restart", outcome.Results[0].Metadata["playbook"])
	assert.False(t, runner.ran("wp cache flush"), "one fix per tier")
}

type scriptedPlaybook struct {
	Base
	result *FixResult
	calls  int
}

func (p *scriptedPlaybook) CanApply(context.Context, FixContext, []Evidence) (bool, error) {
	return true, nil
}
func (p *scriptedPlaybook) Apply(context.Context, FixContext, []Evidence) (*FixResult, error) {
	p.calls++
	return p.result, nil
}
func (p *scriptedPlaybook) Rollback(context.Context, FixContext, *RollbackPlan) error { return nil }
func (p *scriptedPlaybook) Hypothesis(FixContext, []Evidence) string                  { return "scripted" }

func TestTierExecutor_AppliedWithoutSuccessContinues(t *testing.T) {
	// A playbook that changed the system but could not resolve the
	// incident must not end the tier; the next candidate still runs.
	inconclusive := &scriptedPlaybook{
		Base: NewBase("inconclusive", Tier3, PriorityCritical, "", nil, newFakeRunner(), &fakeBackups{}),
		result: &FixResult{
			Success: false,
			Applied: true,
			Changes: []FixChange{{Type: ChangeCommand, Description: "deactivated plugin batch", Idempotent: true}},
		},
	}
	resolving := &scriptedPlaybook{
		Base: NewBase("resolving", Tier3, PriorityHigh, "", nil, newFakeRunner(), &fakeBackups{}),
		result: &FixResult{
			Success: true,
			Applied: true,
			Changes: []FixChange{{Type: ChangeCommand, Description: "switched theme", Idempotent: true}},
		},
	}

	registry := NewRegistry()
	require.NoError(t, registry.Register(inconclusive))
	require.NoError(t, registry.Register(resolving))

	exec := NewTierExecutor(Tier3, registry, nil)
	outcome := exec.Execute(context.Background(), testFixContext(), logEvidence("critical error on this website"))

	assert.Equal(t, 1, inconclusive.calls)
	assert.Equal(t, 1, resolving.calls, "tier keeps going past an unsuccessful apply")
	require.Len(t, outcome.Results, 2)
	assert.True(t, outcome.FixApplied)
	assert.True(t, outcome.Results[1].Success)
}

func TestTierExecutor_PrereqSoftSkip(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(NewCachePurge(newFakeRunner(), &fakeBackups{})))

	exec := NewTierExecutor(Tier1, registry, func(context.Context, FixContext) (bool, Evidence) {
		return false, NewEvidence(EvidenceSystemInfo, "prerequisites not met", "db unreachable", nil)
	})
	outcome := exec.Execute(context.Background(), testFixContext(), logEvidence("cache"))

	assert.True(t, outcome.Skipped)
	assert.Empty(t, outcome.Results)
	require.NotNil(t, outcome.SkipEvidence)
}

func TestOrchestrator_StopsAtFirstApplyingTier(t *testing.T) {
	// Tier 1 fixes the incident; tier 2 and 3 must not run.
	runner := newFakeRunner().
		stub("systemctl is-active nginx", "active", 0).
		stub("systemctl restart nginx", "", 0)
	orchestrator, _, err := NewDefaultOrchestrator(runner, &fakeBackups{}, &fakeProber{})
	require.NoError(t, err)

	result, err := orchestrator.ExecuteWordPressFixes(context.Background(), testFixContext(),
		logEvidence("upstream timed out, 502 Bad Gateway"), MaxTier)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, Tier1, result.TierExecuted)
	assert.Equal(t, 1, result.TotalFixesApplied)
	assert.False(t, runner.ran("wp core verify-checksums"), "tier 2 never ran")
	assert.False(t, runner.ran("wp plugin list"), "tier 3 never ran")
}

func TestOrchestrator_RejectsIncompleteContext(t *testing.T) {
	orchestrator, _, err := NewDefaultOrchestrator(newFakeRunner(), &fakeBackups{}, &fakeProber{})
	require.NoError(t, err)

	fix := testFixContext()
	fix.Domain = ""
	_, err = orchestrator.ExecuteWordPressFixes(context.Background(), fix, nil, MaxTier)
	require.Error(t, err)
}

// ---- plugins ----

const activePluginsJSON = `[
  {"name":"broken-slider","status":"active","version":"1.2.0"},
  {"name":"wordfence","status":"active","version":"7.11.0"},
  {"name":"akismet","status":"active","version":"5.3"},
  {"name":"mystery-widget","status":"active","version":""}
]`

func TestCategorizePlugins(t *testing.T) {
	var plugins []installedPlugin
	require.NoError(t, json.Unmarshal([]byte(activePluginsJSON), &plugins))
	evidence := logEvidence("PHP Fatal error in /var/www/html/wp-content/plugins/broken-slider/init.php")

	categories := categorizePlugins(plugins, evidence)
	assert.Equal(t, []string{"broken-slider"}, categories[pluginProblematic])
	assert.Equal(t, []string{"wordfence"}, categories[pluginEssential])
	assert.Equal(t, []string{"mystery-widget"}, categories[pluginUnknown])
	assert.Equal(t, []string{"akismet"}, categories[pluginStandard])
}

func TestPluginDeactivation_StopsWhenSiteRecovers(t *testing.T) {
	runner := newFakeRunner().
		stub("wp plugin list", activePluginsJSON, 0).
		stub("wp plugin deactivate", "", 0)
	prober := &fakeProber{statuses: []int{200}}
	p := NewPluginDeactivation(runner, &fakeBackups{}, prober)
	evidence := logEvidence("PHP Fatal error in /var/www/html/wp-content/plugins/broken-slider/init.php")

	result, err := p.Apply(context.Background(), testFixContext(), evidence)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Applied)
	assert.Equal(t, "problematic", result.Metadata["resolvedAfterBatch"])

	// Only the problematic batch was deactivated; wordfence stays active.
	require.Len(t, result.Changes, 1)
	assert.Contains(t, result.Changes[0].Description, "broken-slider")
	assert.NotContains(t, result.Changes[0].Description, "wordfence")

	require.NotNil(t, result.Rollback)
	require.Len(t, result.Rollback.Steps, 1)
	assert.Contains(t, result.Rollback.Steps[0].Params["command"], "wp plugin activate broken-slider")

	// The pre-change snapshot landed in wp-content.
	found := false
	for path := range runner.writes {
		if strings.Contains(path, ".wp-autohealer-plugins-backup-") {
			found = true
		}
	}
	assert.True(t, found, "active plugin set snapshotted before deactivation")
	require.NoError(t, result.Validate())
}

func TestPluginDeactivation_EscalatesThroughBatches(t *testing.T) {
	runner := newFakeRunner().
		stub("wp plugin list", activePluginsJSON, 0).
		stub("wp plugin deactivate", "", 0)
	// Site stays broken through every batch.
	prober := &fakeProber{statuses: []int{500, 500, 500}}
	p := NewPluginDeactivation(runner, &fakeBackups{}, prober)
	evidence := logEvidence("PHP Fatal error in /var/www/html/wp-content/plugins/broken-slider/init.php")

	result, err := p.Apply(context.Background(), testFixContext(), evidence)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Applied)
	// problematic, unknown, standard batches, never the essential one.
	require.Len(t, result.Changes, 3)
	for _, ch := range result.Changes {
		assert.NotContains(t, ch.Description, "wordfence")
	}
	require.NotNil(t, result.Rollback)
	assert.Len(t, result.Rollback.Steps, 3)
}

// ---- db repair ----

func TestDBTableRepair_DumpsBeforeRepair(t *testing.T) {
	runner := newFakeRunner().
		stub("mysqldump", "", 0).
		stub("wp db repair", "Success: Database repaired", 0).
		stub("wp db optimize", "", 0).
		stub("wp db check", "", 0)
	p := NewDBTableRepair(runner, &fakeBackups{})
	evidence := logEvidence("Table 'wp.wp_posts' is marked as crashed and should be repaired")

	ok, err := p.CanApply(context.Background(), testFixContext(), evidence)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := p.Apply(context.Background(), testFixContext(), evidence)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Applied)
	assert.Contains(t, result.Metadata["dumpPath"], "/tmp/db-backup-inc-1-")

	// The dump ran before the repair.
	var dumpIdx, repairIdx int
	for i, cmd := range runner.commands {
		if strings.HasPrefix(cmd, "mysqldump") {
			dumpIdx = i
		}
		if strings.HasPrefix(cmd, "wp db repair") {
			repairIdx = i
		}
	}
	assert.Less(t, dumpIdx, repairIdx)
	require.NoError(t, result.Validate())
}

func TestDBTableRepair_RefusesWithoutDump(t *testing.T) {
	runner := newFakeRunner().stub("mysqldump", "mysqldump: Got error: 1045", 2)
	p := NewDBTableRepair(runner, &fakeBackups{})

	result, err := p.Apply(context.Background(), testFixContext(),
		logEvidence("Table 'wp.wp_posts' is marked as crashed"))
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.False(t, result.Success)
	assert.False(t, runner.ran("wp db repair"), "no repair without a dump")
}

// ---- rollback ordering ----

func TestRollbackPlan_ExecutesDescending(t *testing.T) {
	runner := newFakeRunner().stub("wp", "", 0)
	backups := &fakeBackups{}
	base := NewBase("test", Tier1, PriorityLow, "", nil, runner, backups)

	plan := NewRollbackPlan()
	plan.Add(RollbackExecuteCommand, "first applied", map[string]string{"command": "wp plugin activate alpha"})
	plan.Add(RollbackRestoreFile, "second applied", map[string]string{"backupPath": "/b", "target": "/t"})

	require.NoError(t, base.ExecuteRollback(context.Background(), testFixContext(), plan))

	// The file restore (step 2) happened before the command (step 1).
	require.Len(t, backups.restored, 1)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "wp plugin activate alpha", runner.commands[0])
}
