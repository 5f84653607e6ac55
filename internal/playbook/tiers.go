package playbook

import (
	"context"
	"fmt"
	"log"

	"github.com/wpautohealer/backend/internal/metrics"
)

// PrereqCheck validates that a tier's preconditions hold before any of its
// playbooks run. A failed check soft-skips the tier.
type PrereqCheck func(ctx context.Context, fix FixContext) (bool, Evidence)

// TierExecutor runs one tier's applicable playbooks in priority order and
// stops at the first fix that applies successfully.
type TierExecutor struct {
	tier     Tier
	registry *Registry
	prereq   PrereqCheck
	logger   *log.Logger
}

func NewTierExecutor(tier Tier, registry *Registry, prereq PrereqCheck) *TierExecutor {
	return &TierExecutor{
		tier:     tier,
		registry: registry,
		prereq:   prereq,
		logger:   log.New(log.Writer(), fmt.Sprintf("[TIER-%d] ", tier), log.LstdFlags),
	}
}

// TierOutcome is what one tier execution produced.
type TierOutcome struct {
	Tier         Tier
	Skipped      bool // prerequisites not met
	SkipEvidence *Evidence
	Results      []*FixResult
	FixApplied   bool
}

// Execute walks the tier's applicable playbooks. At most one successful fix
// per tier; later candidates are not attempted once a playbook reports both
// Success and Applied. A fix that applied changes but did not succeed does
// not stop the walk.
func (t *TierExecutor) Execute(ctx context.Context, fix FixContext, evidence []Evidence) *TierOutcome {
	outcome := &TierOutcome{Tier: t.tier}

	if t.prereq != nil {
		ok, ev := t.prereq(ctx, fix)
		if !ok {
			t.logger.Printf("prerequisites not met for incident %s, skipping tier", fix.IncidentID)
			outcome.Skipped = true
			outcome.SkipEvidence = &ev
			return outcome
		}
	}

	candidates := t.registry.Applicable(ctx, t.tier, fix, evidence)
	t.logger.Printf("incident %s: %d applicable playbook(s)", fix.IncidentID, len(candidates))

	for _, p := range candidates {
		t.logger.Printf("attempting %s: %s", p.Name(), p.Hypothesis(fix, evidence))
		result := t.safeApply(ctx, p, fix, evidence)
		result.SetMeta("playbook", p.Name())
		result.SetMeta("tier", fmt.Sprintf("%d", t.tier))
		result.SetMeta("priority", p.Priority().String())
		if err := result.Validate(); err != nil {
			t.logger.Printf("playbook %s produced an invalid result, discarding: %v", p.Name(), err)
			result = failResult(err)
			result.SetMeta("playbook", p.Name())
		}
		outcome.Results = append(outcome.Results, result)

		if result.Success && result.Applied {
			metrics.FixesApplied.WithLabelValues(fmt.Sprintf("%d", t.tier), p.Name()).Inc()
			outcome.FixApplied = true
			t.logger.Printf("playbook %s applied a fix, stopping tier", p.Name())
			return outcome
		}
		if result.Applied {
			// Changed the system but did not resolve it (e.g. batch
			// deactivation exhausted its batches). Keep trying.
			t.logger.Printf("playbook %s applied changes without success, continuing", p.Name())
		}
	}
	return outcome
}

// safeApply isolates a playbook panic to a failed result.
func (t *TierExecutor) safeApply(ctx context.Context, p Playbook, fix FixContext, evidence []Evidence) (result *FixResult) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Printf("⚠️ panic in playbook %s: %v", p.Name(), rec)
			result = failResult(fmt.Errorf("panic: %v", rec))
		}
	}()
	result, err := p.Apply(ctx, fix, evidence)
	if err != nil {
		if result == nil {
			result = failResult(err)
		} else {
			result.Success = false
			if result.Err == "" {
				result.Err = err.Error()
			}
		}
	}
	if result == nil {
		result = failResult(fmt.Errorf("playbook %s returned no result", p.Name()))
	}
	return result
}

// OrchestratorResult summarises one full fix pass over the tiers.
type OrchestratorResult struct {
	Success           bool         `json:"success"`
	TierExecuted      Tier         `json:"tierExecuted"` // 0 when no tier applied a fix
	TotalFixesApplied int          `json:"totalFixesApplied"`
	Results           []*FixResult `json:"results"`
	SkippedTiers      []Tier       `json:"skippedTiers,omitempty"`
}

// Orchestrator escalates tier by tier, least invasive first, and stops at
// the first tier that applies a fix. Verification of the overall outcome
// belongs to the caller, not to the orchestrator.
type Orchestrator struct {
	executors map[Tier]*TierExecutor
	logger    *log.Logger
}

func NewOrchestrator(executors ...*TierExecutor) *Orchestrator {
	m := make(map[Tier]*TierExecutor, len(executors))
	for _, e := range executors {
		m[e.tier] = e
	}
	return &Orchestrator{
		executors: m,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
}

// ExecuteWordPressFixes walks tiers 1..maxTier in order. The first tier
// that applies a fix ends the walk; higher, more invasive tiers never run
// in the same pass.
func (o *Orchestrator) ExecuteWordPressFixes(ctx context.Context, fix FixContext, evidence []Evidence, maxTier Tier) (*OrchestratorResult, error) {
	if err := fix.Validate(); err != nil {
		return nil, err
	}
	if maxTier <= 0 || maxTier > MaxTier {
		maxTier = MaxTier
	}

	out := &OrchestratorResult{}
	for tier := Tier1; tier <= maxTier; tier++ {
		exec, ok := o.executors[tier]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		outcome := exec.Execute(ctx, fix, evidence)
		if outcome.Skipped {
			out.SkippedTiers = append(out.SkippedTiers, tier)
			if outcome.SkipEvidence != nil {
				evidence = append(evidence, *outcome.SkipEvidence)
			}
			continue
		}
		out.Results = append(out.Results, outcome.Results...)
		for _, r := range outcome.Results {
			evidence = append(evidence, r.Evidence...)
		}
		if outcome.FixApplied {
			out.Success = true
			out.TierExecuted = tier
			out.TotalFixesApplied = 1
			o.logger.Printf("incident %s: tier %d applied a fix, not escalating further", fix.IncidentID, tier)
			return out, nil
		}
	}
	o.logger.Printf("incident %s: no tier applied a fix (walked up to tier %d)", fix.IncidentID, maxTier)
	return out, nil
}
