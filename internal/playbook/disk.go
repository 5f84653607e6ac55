package playbook

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// diskUsageThreshold is the df use% at or above which cleanup is worth
// attempting even without an explicit out-of-space error in the evidence.
const diskUsageThreshold = 90

// maxLogTruncations caps how many oversized logs one run will truncate.
const maxLogTruncations = 5

var dfUsageRe = regexp.MustCompile(`(\d+)%`)

// parseDiskUsage pulls the use% out of df output. Returns -1 when the
// output has no percentage column.
func parseDiskUsage(dfOutput string) int {
	lines := strings.Split(strings.TrimSpace(dfOutput), "\n")
	if len(lines) < 2 {
		return -1
	}
	m := dfUsageRe.FindStringSubmatch(lines[len(lines)-1])
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// diskSpaceCleanup frees space without deleting anything a site depends
// on: stale tmp files, cache directories, package archives, and oversized
// logs (truncated, never deleted).
type diskSpaceCleanup struct {
	Base
}

func NewDiskSpaceCleanup(runner Runner, backups Backups) Playbook {
	return &diskSpaceCleanup{
		Base: NewBase("disk-space-cleanup", Tier1, PriorityCritical,
			"Free disk space from tmp files, caches, package archives, and oversized logs",
			[]string{"disk at or above threshold", "out-of-space errors"}, runner, backups),
	}
}

func (p *diskSpaceCleanup) Hypothesis(_ FixContext, _ []Evidence) string {
	return "The filesystem is full or nearly full; reclaiming space should let WordPress write again"
}

func (p *diskSpaceCleanup) CanApply(ctx context.Context, fix FixContext, evidence []Evidence) (bool, error) {
	if evidenceContains(evidence, "no space left on device", "disk full", "enospc", "failed to write") {
		return true, nil
	}
	out, err := p.runner.Run(ctx, fix.ServerID, "df -k "+fix.SitePath)
	if err != nil || out.ExitCode != 0 {
		return false, err
	}
	usage := parseDiskUsage(out.Stdout)
	return usage >= diskUsageThreshold, nil
}

func (p *diskSpaceCleanup) Apply(ctx context.Context, fix FixContext, _ []Evidence) (*FixResult, error) {
	result := &FixResult{Success: true}

	before, beforeEv, err := p.run(ctx, fix, "disk usage before cleanup", "df -k "+fix.SitePath)
	if err != nil {
		return failResult(err), err
	}
	result.Evidence = append(result.Evidence, beforeEv)
	initial := parseDiskUsage(before.Stdout)
	result.SetMeta("initialDiskUsage", fmt.Sprintf("%d", initial))

	// Each sweep is idempotent; a sweep whose target directory does not
	// exist simply exits non-zero and is skipped.
	sweeps := []struct {
		description string
		command     string
	}{
		{"delete tmp files untouched for a day", "find /tmp -type f -mtime +1 -delete"},
		{"empty the WordPress object cache directory", "find " + fix.WPPath + "/wp-content/cache -type f -delete"},
		{"delete cached package archives", "find /var/cache/apt/archives -maxdepth 1 -type f -name *.deb -delete"},
	}
	for _, sweep := range sweeps {
		out, ev, runErr := p.run(ctx, fix, sweep.description, sweep.command)
		result.Evidence = append(result.Evidence, ev)
		if runErr != nil || out.ExitCode != 0 {
			p.logger.Printf("sweep skipped (%s)", sweep.description)
			continue
		}
		result.Changes = append(result.Changes, FixChange{
			Type:        ChangeCommand,
			Description: sweep.description,
			Command:     out.RedactedCommand,
			Idempotent:  true,
			Timestamp:   time.Now().UTC(),
		})
	}

	p.truncateOversizedLogs(ctx, fix, result)

	after, afterEv, err := p.run(ctx, fix, "disk usage after cleanup", "df -k "+fix.SitePath)
	if err == nil {
		result.Evidence = append(result.Evidence, afterEv)
		final := parseDiskUsage(after.Stdout)
		result.SetMeta("finalDiskUsage", fmt.Sprintf("%d", final))
	}

	result.Applied = len(result.Changes) > 0
	return result, nil
}

// truncateOversizedLogs zeroes logs over 100M that have not been written
// for a week. Logs are truncated through SFTP, never deleted, so open file
// handles stay valid.
func (p *diskSpaceCleanup) truncateOversizedLogs(ctx context.Context, fix FixContext, result *FixResult) {
	out, ev, err := p.run(ctx, fix, "locate oversized stale logs",
		"find /var/log -type f -name *.log -size +100M -mtime +7")
	result.Evidence = append(result.Evidence, ev)
	if err != nil || out.ExitCode != 0 {
		return
	}
	truncated := 0
	for _, line := range strings.Split(strings.TrimSpace(out.Stdout), "\n") {
		logPath := strings.TrimSpace(line)
		if logPath == "" || truncated >= maxLogTruncations {
			break
		}
		if writeErr := p.runner.WriteFile(ctx, fix.ServerID, logPath, nil); writeErr != nil {
			p.logger.Printf("could not truncate %s: %v", logPath, writeErr)
			continue
		}
		truncated++
		result.Changes = append(result.Changes, FixChange{
			Type:        ChangeFile,
			Description: "truncated oversized log",
			Path:        logPath,
			NewValue:    "",
			Idempotent:  true,
			Timestamp:   time.Now().UTC(),
		})
	}
	if truncated > 0 {
		result.SetMeta("logsTruncated", fmt.Sprintf("%d", truncated))
	}
}

// Rollback is a no-op: every change this playbook makes is an idempotent
// space reclaim with nothing meaningful to restore.
func (p *diskSpaceCleanup) Rollback(_ context.Context, _ FixContext, _ *RollbackPlan) error {
	return nil
}
