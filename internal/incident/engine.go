package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wpautohealer/backend/internal/errs"
	"github.com/wpautohealer/backend/internal/idempotency"
	"github.com/wpautohealer/backend/internal/metrics"
	"github.com/wpautohealer/backend/internal/playbook"
	"github.com/wpautohealer/backend/internal/ports"
	"github.com/wpautohealer/backend/internal/redact"
	"github.com/wpautohealer/backend/internal/safety"
)

// EngineConfig bounds the engine's behaviour. Zero values fall back to
// the documented defaults.
type EngineConfig struct {
	MaxFixAttempts int           // default 15
	MaxRetries     int           // per-state retries, default 10
	MaxConcurrent  int           // concurrent incidents, default 16
	RetryBaseDelay time.Duration // exponential backoff base, default 1s
	MaxRetryDelay  time.Duration // backoff cap, default 30s
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxFixAttempts <= 0 {
		c.MaxFixAttempts = DefaultMaxFixAttempts
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	return c
}

// Engine drives incidents through the state machine. Incidents run
// concurrently; each incident's states execute strictly sequentially.
type Engine struct {
	cfg EngineConfig

	store        Store
	jobs         idempotency.Store
	breakers     *safety.BreakerRegistry
	flapping     *safety.FlappingController
	loops        *safety.LoopGuard
	runner       playbook.Runner
	orchestrator *playbook.Orchestrator
	registry     *playbook.Registry
	backups      playbook.Backups
	verifier     ports.VerificationService
	evidence     ports.EvidenceSink
	escalation   ports.EscalationSink

	logger *log.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps carries the engine's collaborators.
type Deps struct {
	Store        Store
	Jobs         idempotency.Store
	Breakers     *safety.BreakerRegistry
	Flapping     *safety.FlappingController
	Loops        *safety.LoopGuard
	Runner       playbook.Runner
	Orchestrator *playbook.Orchestrator
	Registry     *playbook.Registry
	Backups      playbook.Backups
	Verifier     ports.VerificationService
	Evidence     ports.EvidenceSink
	Escalation   ports.EscalationSink
}

func NewEngine(cfg EngineConfig, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:          cfg,
		store:        deps.Store,
		jobs:         deps.Jobs,
		breakers:     deps.Breakers,
		flapping:     deps.Flapping,
		loops:        deps.Loops,
		runner:       deps.Runner,
		orchestrator: deps.Orchestrator,
		registry:     deps.Registry,
		backups:      deps.Backups,
		verifier:     deps.Verifier,
		evidence:     deps.Evidence,
		escalation:   deps.Escalation,
		logger:       log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		sem:          make(chan struct{}, cfg.MaxConcurrent),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run resumes persisted incidents and then consumes the incident source
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context, source ports.IncidentSource) error {
	if err := e.Resume(ctx); err != nil {
		e.logger.Printf("⚠️ resume failed: %v", err)
	}
	err := source.Receive(ctx, e.Handle)
	e.wg.Wait()
	return err
}

// Resume picks up every incident left in a non-terminal state, e.g. after
// a crash-restart. Completed jobs replay from the idempotency store.
func (e *Engine) Resume(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active incidents: %w", err)
	}
	for _, inc := range active {
		e.logger.Printf("resuming incident %s from state %s", inc.ID, inc.State)
		e.spawn(ctx, inc)
	}
	return nil
}

// Handle admits one inbound incident, subject to the flapping controller,
// and starts driving it.
func (e *Engine) Handle(ctx context.Context, msg ports.IncidentCreated) error {
	if msg.IncidentID == "" || msg.SiteID == "" || msg.ServerID == "" {
		return errs.NewValidation("incident", msg.IncidentID, "incidentId, siteId, and serverId are required")
	}

	admission := e.flapping.CanCreateIncident(msg.SiteID)
	if !admission.Allowed {
		e.logger.Printf("incident %s refused for site %s: %s", msg.IncidentID, msg.SiteID, admission.Reason)
		if e.flapping.IsEscalated(msg.SiteID) {
			reason := fmt.Sprintf("site is flapping beyond the escalation threshold: %s", admission.Reason)
			if err := e.escalation.Escalate(ctx, msg.IncidentID, reason, nil); err != nil {
				e.logger.Printf("⚠️ escalation of refused incident %s failed: %v", msg.IncidentID, err)
			}
		}
		metrics.IncidentsTotal.WithLabelValues("refused").Inc()
		return nil
	}

	inc := &Incident{
		ID:            msg.IncidentID,
		SiteID:        msg.SiteID,
		ServerID:      msg.ServerID,
		SitePath:      msg.SitePath,
		WPPath:        msg.WPPath,
		Domain:        msg.Domain,
		CorrelationID: orUUID(msg.CorrelationID),
		TraceID:       orUUID(msg.TraceID),
		State:         StateNew,
		CreatedAt:     time.Now().UTC(),
		Metadata:      msg.Metadata,
	}
	if err := e.store.SaveIncident(ctx, inc); err != nil {
		return fmt.Errorf("persist incident %s: %w", inc.ID, err)
	}
	e.flapping.RecordIncident(inc.SiteID, inc.ID)
	e.spawn(ctx, inc)
	return nil
}

func orUUID(s string) string {
	if s != "" {
		return s
	}
	return uuid.New().String()
}

func (e *Engine) spawn(ctx context.Context, inc *Incident) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.drive(ctx, inc)
	}()
}

// session is the in-memory working set for one incident drive.
type session struct {
	inc      *Incident
	fix      playbook.FixContext
	evidence []playbook.Evidence
	// pendingRollback is the plan of the last applied fix, consumed by the
	// ROLLBACK state.
	pendingRollback *rollbackRef
	// lastReason is the most recent transition reason, reported on
	// escalation.
	lastReason string
	// escalationNotified marks that the sink already saw this incident.
	escalationNotified bool
	// visits counts entries into each state, seeded from the event log so
	// a resumed incident derives the same job keys it used before the
	// restart. Revisiting a state (VERIFY after ROLLBACK, repeated
	// FIX_ATTEMPTs) gets a fresh key.
	visits map[State]int
}

type rollbackRef struct {
	Playbook string                 `json:"playbook"`
	Plan     *playbook.RollbackPlan `json:"plan"`
}

func (e *Engine) newSession(inc *Incident) *session {
	return &session{
		inc:    inc,
		visits: map[State]int{},
		fix: playbook.FixContext{
			IncidentID:    inc.ID,
			SiteID:        inc.SiteID,
			ServerID:      inc.ServerID,
			SitePath:      inc.SitePath,
			WPPath:        inc.WPPath,
			Domain:        inc.Domain,
			CorrelationID: inc.CorrelationID,
			TraceID:       inc.TraceID,
			Metadata:      inc.Metadata,
		},
	}
}

// drive runs one incident's state machine sequentially to a terminal
// state. The loop guard bounds it even if a state misbehaves.
func (e *Engine) drive(ctx context.Context, inc *Incident) {
	s := e.newSession(inc)
	if events, err := e.store.Events(ctx, inc.ID); err == nil {
		for _, ev := range events {
			s.visits[ev.To]++
		}
	}
	guardID := "incident:" + inc.ID
	e.loops.StartLoop(guardID, "incident_drive")
	defer e.loops.CompleteLoop(guardID, inc.State == StateFixed)
	retries := 0

	for !inc.State.Terminal() {
		if ctx.Err() != nil {
			e.logger.Printf("incident %s suspended in state %s (shutdown)", inc.ID, inc.State)
			return
		}
		if c := e.loops.CanContinue(guardID); !c.CanContinue {
			e.forceEscalate(ctx, s, fmt.Sprintf("incident loop exceeded its %s bound", c.Bound))
			break
		}
		e.loops.RecordIteration(guardID)

		next, reason, err := e.executeState(ctx, s)
		if err != nil {
			retry, escalateReason := e.recoveryPolicy(err)
			if !retry {
				e.forceEscalate(ctx, s, escalateReason)
				break
			}
			retries++
			e.loops.RecordRetry(guardID)
			if c := e.loops.CanContinue(guardID); !c.CanContinue {
				e.forceEscalate(ctx, s, fmt.Sprintf("retries exhausted in state %s: %s", inc.State, redact.Err(err)))
				break
			}
			delay := e.backoff(retries)
			e.logger.Printf("incident %s: state %s failed (%s), retrying in %s", inc.ID, inc.State, redact.Err(err), delay)
			if e.sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		s.lastReason = reason

		if next == StateFixAttempt {
			if blocked, why := e.fixAttemptBlocked(s); blocked {
				e.forceEscalate(ctx, s, why)
				break
			}
		}
		if err := e.transition(ctx, s, next, reason); err != nil {
			e.logger.Printf("⚠️ incident %s: illegal transition %s → %s: %v", inc.ID, inc.State, next, err)
			e.forceEscalate(ctx, s, "internal state machine fault")
			break
		}
		s.visits[next]++
	}

	switch inc.State {
	case StateFixed:
		metrics.IncidentsTotal.WithLabelValues("fixed").Inc()
	case StateEscalated:
		metrics.IncidentsTotal.WithLabelValues("escalated").Inc()
		if !s.escalationNotified {
			if err := e.escalation.Escalate(ctx, inc.ID, s.lastReason, s.evidence); err != nil {
				e.logger.Printf("⚠️ escalation sink failed for incident %s: %v", inc.ID, err)
			}
		}
	}
}

// backoff is exponential with jitter in [d/2, d], capped.
func (e *Engine) backoff(retries int) time.Duration {
	d := e.cfg.RetryBaseDelay << uint(retries)
	if d <= 0 || d > e.cfg.MaxRetryDelay {
		d = e.cfg.MaxRetryDelay
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

// recoveryPolicy maps an error to either a bounded in-state retry or an
// escalation.
func (e *Engine) recoveryPolicy(err error) (retry bool, escalateReason string) {
	switch {
	case errs.IsHostKey(err):
		return false, "host key verification failed; server marked untrusted"
	case errs.IsAuth(err):
		return false, "authentication rejected by server"
	case errs.IsValidation(err):
		return false, "validation failure: " + redact.Err(err)
	case errs.IsConnection(err):
		return true, ""
	case errs.IsCommand(err):
		return true, ""
	default:
		var stateErr *errs.StateError
		if errors.As(err, &stateErr) {
			return false, "internal state machine fault"
		}
		return true, ""
	}
}

// transition applies the edge, persists the incident, and emits the
// append-only event.
func (e *Engine) transition(ctx context.Context, s *session, to State, reason string) error {
	from := s.inc.State
	if err := s.inc.Transition(to); err != nil {
		return err
	}
	if err := e.store.SaveIncident(ctx, s.inc); err != nil {
		return err
	}
	ev := &Event{
		IncidentID:    s.inc.ID,
		From:          from,
		To:            to,
		Actor:         "engine",
		Reason:        reason,
		CorrelationID: s.inc.CorrelationID,
		TraceID:       s.inc.TraceID,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	e.logger.Printf("incident %s: %s → %s (%s)", s.inc.ID, from, to, reason)
	return nil
}

// forceEscalate drives the incident to ESCALATED from any state, walking
// legal edges, and notifies the escalation sink.
func (e *Engine) forceEscalate(ctx context.Context, s *session, reason string) {
	s.lastReason = reason
	if !s.inc.State.Terminal() {
		if err := e.transition(ctx, s, StateEscalated, reason); err != nil {
			// NEW has no direct edge to ESCALATED; walk through DISCOVERY.
			if s.inc.State == StateNew {
				_ = e.transition(ctx, s, StateDiscovery, "escalating")
				_ = e.transition(ctx, s, StateEscalated, reason)
			}
		}
	}
	s.escalationNotified = true
	if err := e.escalation.Escalate(ctx, s.inc.ID, reason, s.evidence); err != nil {
		e.logger.Printf("⚠️ escalation sink failed for incident %s: %v", s.inc.ID, err)
	}
}

// stateJobResult is what a state job memoises.
type stateJobResult struct {
	Next     State        `json:"next"`
	Reason   string       `json:"reason,omitempty"`
	Rollback *rollbackRef `json:"rollback,omitempty"`
}

// executeState runs the current state's job exactly once per
// (incident, state, attempt): a crash-restart replays the recorded
// outcome instead of re-executing side effects.
func (e *Engine) executeState(ctx context.Context, s *session) (State, string, error) {
	state := s.inc.State
	fn, ok := e.stateJob(state)
	if !ok {
		return "", "", &errs.StateError{IncidentID: s.inc.ID, From: string(state), To: "?"}
	}

	key, err := idempotency.Key(s.inc.ID, string(state), s.visits[state], map[string]string{
		"siteId":   s.inc.SiteID,
		"serverId": s.inc.ServerID,
		"domain":   s.inc.Domain,
	})
	if err != nil {
		return "", "", err
	}

	raw, replayed, err := idempotency.RunOnce(ctx, e.jobs, key, func(ctx context.Context) (json.RawMessage, error) {
		res, jobErr := fn(ctx, s)
		if jobErr != nil {
			return nil, jobErr
		}
		return json.Marshal(res)
	})
	if err != nil {
		return "", "", err
	}
	var res stateJobResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", "", fmt.Errorf("decode job result for %s/%s: %w", s.inc.ID, state, err)
	}
	if replayed {
		e.logger.Printf("incident %s: state %s replayed from the job store", s.inc.ID, state)
	}
	if res.Rollback != nil {
		s.pendingRollback = res.Rollback
	}
	return res.Next, res.Reason, nil
}

type stateJobFn func(ctx context.Context, s *session) (stateJobResult, error)

func (e *Engine) stateJob(state State) (stateJobFn, bool) {
	switch state {
	case StateNew:
		return e.jobNew, true
	case StateDiscovery:
		return e.jobDiscovery, true
	case StateBaseline:
		return e.jobBaseline, true
	case StateBackup:
		return e.jobBackup, true
	case StateObservability:
		return e.jobObservability, true
	case StateFixAttempt:
		return e.jobFixAttempt, true
	case StateVerify:
		return e.jobVerify, true
	case StateRollback:
		return e.jobRollback, true
	default:
		return nil, false
	}
}

// appendEvidence records an item in the session and the sink. Sink
// failures are logged, not fatal: losing one evidence copy must not stop
// remediation.
func (e *Engine) appendEvidence(ctx context.Context, s *session, items ...playbook.Evidence) {
	for _, item := range items {
		s.evidence = append(s.evidence, item)
		if err := e.evidence.Append(ctx, s.inc.ID, item); err != nil {
			e.logger.Printf("⚠️ evidence sink append failed for incident %s: %v", s.inc.ID, err)
		}
	}
}

func (e *Engine) jobNew(_ context.Context, _ *session) (stateJobResult, error) {
	return stateJobResult{Next: StateDiscovery, Reason: "incident admitted"}, nil
}

// jobDiscovery establishes SSH reachability and gathers basic host facts.
// A host-key or auth failure here escalates before any command runs.
func (e *Engine) jobDiscovery(ctx context.Context, s *session) (stateJobResult, error) {
	facts := []struct {
		description string
		command     string
	}{
		{"host uptime", "uptime"},
		{"disk usage of the site filesystem", "df -k " + s.inc.SitePath},
		{"memory pressure", "free -m"},
	}
	for _, fact := range facts {
		out, err := e.runner.Run(ctx, s.inc.ServerID, fact.command)
		if err != nil {
			e.breakers.OnFailure(s.inc.ServerID, err)
			return stateJobResult{}, err
		}
		e.appendEvidence(ctx, s, playbook.NewEvidence(playbook.EvidenceSystemInfo,
			fact.description, out.Stdout, map[string]string{"command": out.RedactedCommand}))
	}
	e.breakers.OnSuccess(s.inc.ServerID)
	return stateJobResult{Next: StateBaseline, Reason: "server reachable, host facts collected"}, nil
}

// jobBaseline records the site's health before any change is made.
func (e *Engine) jobBaseline(ctx context.Context, s *session) (stateJobResult, error) {
	report, err := e.verifier.VerifySiteHealth(ctx, s.inc.Domain)
	if err != nil {
		return stateJobResult{}, err
	}
	blob, _ := json.Marshal(report)
	e.appendEvidence(ctx, s, playbook.NewEvidence(playbook.EvidenceSystemInfo,
		"baseline site health", string(blob), nil))
	return stateJobResult{Next: StateBackup, Reason: fmt.Sprintf("baseline recorded (healthy=%v)", report.Healthy)}, nil
}

// jobBackup snapshots wp-config.php before anything may modify the site.
// A failed backup escalates: no fix runs without a restore path.
func (e *Engine) jobBackup(ctx context.Context, s *session) (stateJobResult, error) {
	configPath := s.inc.WPPath + "/wp-config.php"
	backupPath, err := e.backups.CreateFileBackup(ctx, s.inc.ID, s.inc.ServerID, configPath,
		map[string]string{"reason": "pre-remediation baseline"})
	if err != nil {
		return stateJobResult{
			Next:   StateEscalated,
			Reason: "pre-remediation backup failed: " + redact.Err(err),
		}, nil
	}
	e.appendEvidence(ctx, s, playbook.NewEvidence(playbook.EvidenceSystemInfo,
		"pre-remediation backup created", backupPath, map[string]string{"source": configPath}))
	return stateJobResult{Next: StateObservability, Reason: "backup secured at " + backupPath}, nil
}

// jobObservability pulls recent log evidence and short-circuits to FIXED
// when the site already recovered on its own.
func (e *Engine) jobObservability(ctx context.Context, s *session) (stateJobResult, error) {
	logSources := []struct {
		description string
		command     string
	}{
		{"WordPress debug log tail", "tail -n 100 " + s.inc.WPPath + "/wp-content/debug.log"},
		{"web server error log tail", "tail -n 100 /var/log/nginx/error.log"},
		{"recent web server journal", "journalctl -u nginx -n 50 --no-pager"},
	}
	for _, src := range logSources {
		out, err := e.runner.Run(ctx, s.inc.ServerID, src.command)
		if err != nil || out.ExitCode != 0 {
			continue // absent log files are normal
		}
		e.appendEvidence(ctx, s, playbook.NewEvidence(playbook.EvidenceLog,
			src.description, out.Stdout, map[string]string{"command": out.RedactedCommand}))
	}

	report, err := e.verifier.VerifySiteHealth(ctx, s.inc.Domain)
	if err == nil && report.Healthy {
		return stateJobResult{Next: StateFixed, Reason: "site healthy before any fix was needed"}, nil
	}
	return stateJobResult{Next: StateFixAttempt, Reason: "site unhealthy, proceeding to remediation"}, nil
}

// fixAttemptBlocked applies the breaker and flapping gates before the
// incident enters FIX_ATTEMPT, so a blocked attempt never consumes an
// attempt slot.
func (e *Engine) fixAttemptBlocked(s *session) (bool, string) {
	if !e.breakers.CanExecute(s.inc.ServerID) {
		return true, "circuit breaker open for server " + s.inc.ServerID
	}
	if e.flapping.IsEscalated(s.inc.SiteID) {
		return true, "site exceeded the flapping escalation threshold"
	}
	return false, ""
}

// jobFixAttempt runs the tiered orchestrator once. The breaker and
// flapping gates were already checked before entry; only the attempt cap
// is re-checked here, against the counter the transition incremented.
func (e *Engine) jobFixAttempt(ctx context.Context, s *session) (stateJobResult, error) {
	if s.inc.FixAttempts > e.cfg.MaxFixAttempts {
		return stateJobResult{
			Next:   StateEscalated,
			Reason: fmt.Sprintf("fix attempt cap reached (%d)", e.cfg.MaxFixAttempts),
		}, nil
	}

	orch, err := e.orchestrator.ExecuteWordPressFixes(ctx, s.fix, s.evidence, playbook.MaxTier)
	if err != nil {
		e.breakers.OnFailure(s.inc.ServerID, err)
		return stateJobResult{}, err
	}
	e.breakers.OnSuccess(s.inc.ServerID)

	var rollback *rollbackRef
	for _, r := range orch.Results {
		e.appendEvidence(ctx, s, r.Evidence...)
		if r.Applied && r.Rollback != nil {
			rollback = &rollbackRef{Playbook: r.Metadata["playbook"], Plan: r.Rollback}
		}
	}

	if !orch.Success {
		return stateJobResult{
			Next:   StateEscalated,
			Reason: "no playbook could apply a fix",
		}, nil
	}
	return stateJobResult{
		Next:     StateVerify,
		Reason:   fmt.Sprintf("tier %d applied a fix", orch.TierExecuted),
		Rollback: rollback,
	}, nil
}

// jobVerify checks site health after a fix. Unhealthy outcomes prefer
// rolling back a reversible fix; otherwise they retry or escalate.
func (e *Engine) jobVerify(ctx context.Context, s *session) (stateJobResult, error) {
	report, err := e.verifier.VerifySiteHealth(ctx, s.inc.Domain)
	if err != nil {
		return stateJobResult{}, err
	}
	blob, _ := json.Marshal(report)
	e.appendEvidence(ctx, s, playbook.NewEvidence(playbook.EvidenceSystemInfo,
		"post-fix site health", string(blob), nil))

	if report.Healthy {
		return stateJobResult{Next: StateFixed, Reason: "site verified healthy"}, nil
	}
	if s.pendingRollback != nil {
		return stateJobResult{Next: StateRollback, Reason: "site still unhealthy, reverting the applied fix"}, nil
	}
	if s.inc.FixAttempts < e.cfg.MaxFixAttempts {
		return stateJobResult{Next: StateFixAttempt, Reason: "site still unhealthy, attempting the next fix"}, nil
	}
	return stateJobResult{Next: StateEscalated, Reason: "site unhealthy and fix attempts exhausted"}, nil
}

// jobRollback reverts the last applied fix. Rollback is uncancellable:
// it runs on a context detached from the caller's cancellation and either
// completes or fails explicitly.
func (e *Engine) jobRollback(ctx context.Context, s *session) (stateJobResult, error) {
	ref := s.pendingRollback
	s.pendingRollback = nil
	if ref == nil || ref.Plan == nil {
		return stateJobResult{Next: StateEscalated, Reason: "rollback requested but no plan is pending"}, nil
	}
	pb, ok := e.registry.ByName(ref.Playbook)
	if !ok {
		return stateJobResult{Next: StateEscalated, Reason: "rollback plan references unknown playbook " + ref.Playbook}, nil
	}

	rbCtx := context.WithoutCancel(ctx)
	if err := pb.Rollback(rbCtx, s.fix, ref.Plan); err != nil {
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		e.appendEvidence(ctx, s, playbook.NewEvidence(playbook.EvidenceSystemInfo,
			"rollback failed", redact.Err(err), map[string]string{"playbook": ref.Playbook}))
		return stateJobResult{Next: StateEscalated, Reason: "rollback failed: " + redact.Err(err)}, nil
	}
	metrics.RollbacksTotal.WithLabelValues("succeeded").Inc()
	e.appendEvidence(ctx, s, playbook.NewEvidence(playbook.EvidenceSystemInfo,
		"rollback completed", "reverted changes from "+ref.Playbook, nil))
	return stateJobResult{Next: StateVerify, Reason: "rollback completed, re-verifying"}, nil
}
