// Package executor runs validated plans through to a terminal status. One
// supervisor goroutine per plan walks the DAG, fanning ready actions out to
// child goroutines bounded by a per-plan cap and a process-wide semaphore,
// and joins them through a completion channel so the ready set is
// recomputed as each child terminates.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/llmos/llmosd/internal/approval"
	"github.com/llmos/llmosd/internal/audit"
	"github.com/llmos/llmosd/internal/capability"
	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/metrics"
	"github.com/llmos/llmosd/internal/rollback"
	"github.com/llmos/llmosd/internal/security"
	"github.com/llmos/llmosd/internal/state"
	"github.com/llmos/llmosd/pkg/iml"
)

// Config carries the executor's tunables.
type Config struct {
	// MaxConcurrentActions caps actions in flight across all plans.
	MaxConcurrentActions int
	// MaxActionsPerPlan caps actions in flight within one plan.
	MaxActionsPerPlan int
	// MaxResultBytes is the serialized-result budget before truncation.
	MaxResultBytes int
	// EnvAccess gates the env template namespace.
	EnvAccess bool
	// RequireApproval lists "module.action" (or "module.*") pairs that
	// always go through the approval gate.
	RequireApproval []string
	// ApprovalTimeout is the default wait before the gate resolves
	// synthetically; per-action approval specs override it.
	ApprovalTimeout time.Duration
	// ApprovalTimeoutBehavior selects the synthetic decision on timeout.
	ApprovalTimeoutBehavior iml.TimeoutBehavior
	// CancelGracePeriod is how long running actions get after cancellation
	// before they are abandoned.
	CancelGracePeriod time.Duration
	// RollbackMaxDepth bounds compensations per failure.
	RollbackMaxDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentActions <= 0 {
		c.MaxConcurrentActions = 16
	}
	if c.MaxActionsPerPlan <= 0 {
		c.MaxActionsPerPlan = 4
	}
	if c.MaxResultBytes <= 0 {
		c.MaxResultBytes = 256 * 1024
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 5 * time.Minute
	}
	if c.ApprovalTimeoutBehavior == "" {
		c.ApprovalTimeoutBehavior = iml.TimeoutReject
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 5 * time.Second
	}
	return c
}

// Executor is the plan orchestration core.
type Executor struct {
	cfg       Config
	registry  *capability.Registry
	store     state.Store
	perms     *security.PermissionManager
	gate      *approval.Gate
	scanners  *security.Chain
	verifier  *security.Verifier
	sanitizer *security.Sanitizer
	rollback  *rollback.Engine
	auditLog  audit.Logger
	bus       *events.Bus
	log       *zap.Logger

	globalSem       *semaphore.Weighted
	requireApproval map[string]bool

	mu   sync.Mutex
	runs map[string]*planRun
	wg   sync.WaitGroup
}

// planRun is the supervisor-side handle for one executing plan.
type planRun struct {
	plan       *iml.Plan
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	userCancel bool
}

// New wires an executor.
func New(cfg Config, registry *capability.Registry, store state.Store, perms *security.PermissionManager, gate *approval.Gate, scanners *security.Chain, verifier *security.Verifier, sanitizer *security.Sanitizer, auditLog audit.Logger, bus *events.Bus, log *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:             cfg,
		registry:        registry,
		store:           store,
		perms:           perms,
		gate:            gate,
		scanners:        scanners,
		verifier:        verifier,
		sanitizer:       sanitizer,
		rollback:        rollback.NewEngine(registry, store, auditLog, bus, log, cfg.RollbackMaxDepth),
		auditLog:        auditLog,
		bus:             bus,
		log:             log,
		globalSem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentActions)),
		requireApproval: toSet(cfg.RequireApproval),
		runs:            map[string]*planRun{},
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

func (e *Executor) publish(topic, eventType string, fields map[string]any) {
	metrics.EventsPublished.WithLabelValues(topic).Inc()
	e.bus.Publish(topic, eventType, fields)
}

// ─── Submission ──────────────────────────────────────────────────────────────

// SubmitAsync admits the plan and starts execution in the background.
func (e *Executor) SubmitAsync(ctx context.Context, plan *iml.Plan, user string) error {
	_, err := e.submit(ctx, plan, user)
	return err
}

// SubmitSync admits the plan, waits up to wait for the terminal state, and
// returns the full projection. On timeout the plan keeps running and the
// error advises polling asynchronously.
func (e *Executor) SubmitSync(ctx context.Context, plan *iml.Plan, user string, wait time.Duration) (*state.ExecutionState, error) {
	run, err := e.submit(ctx, plan, user)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-run.done:
		st, _, err := e.store.GetExecutionState(plan.PlanID)
		return st, err
	case <-timer.C:
		return nil, errdefs.Orchestration(errdefs.CodeSyncTimeout,
			"plan %q did not finish within %gs; resubmit with async_execution or poll the plan endpoint",
			plan.PlanID, wait.Seconds()).
			WithDetail("plan_id", plan.PlanID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// submit runs the pre-execution pipeline, persists the initial state, and
// spawns the supervisor.
func (e *Executor) submit(ctx context.Context, plan *iml.Plan, user string) (*planRun, error) {
	for module, constraint := range plan.ModuleRequirements {
		if !e.registry.SupportsVersion(module, constraint) {
			return nil, errdefs.Capability(errdefs.CodeModuleVersionUnsupported,
				"plan requires module %q version %q, which is not available", module, constraint).
				WithDetail("module", module).
				WithDetail("constraint", constraint)
		}
	}

	if err := e.admit(ctx, plan); err != nil {
		return nil, err
	}

	if err := e.persistInitial(plan); err != nil {
		return nil, err
	}
	_ = e.auditLog.LogPlanSubmitted(ctx, plan.PlanID, user)
	e.publish(events.TopicPlans, "plan.submitted", map[string]any{
		"plan_id": plan.PlanID,
		"actions": len(plan.Actions),
		"mode":    string(plan.Mode()),
	})

	var runCtx context.Context
	var cancel context.CancelFunc
	if plan.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), time.Duration(plan.TimeoutSeconds*float64(time.Second)))
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	run := &planRun{plan: plan, ctx: runCtx, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if _, exists := e.runs[plan.PlanID]; exists {
		e.mu.Unlock()
		cancel()
		return nil, errdefs.Orchestration(errdefs.CodeValidationFailed,
			"plan %q is already running", plan.PlanID)
	}
	e.runs[plan.PlanID] = run
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(run)
		e.mu.Lock()
		delete(e.runs, plan.PlanID)
		e.mu.Unlock()
	}()
	return run, nil
}

// admit runs the scanner chain and the intent verifier. A rejection is
// recorded as a failed plan with rejection_details before the error returns.
func (e *Executor) admit(ctx context.Context, plan *iml.Plan) error {
	chain := e.scanners.Scan(plan)
	metrics.ScannerVerdicts.WithLabelValues(string(chain.Verdict)).Inc()
	switch chain.Verdict {
	case security.ScanReject:
		details := map[string]any{
			"source":      "scanner_pipeline",
			"rejected_by": chain.RejectedBy,
			"labels":      chain.Labels,
			"risk_score":  chain.RiskScore,
		}
		e.persistRejected(ctx, plan, details)
		return errdefs.Security(errdefs.CodeScanRejected,
			"plan rejected by input scanner %q", chain.RejectedBy).
			WithDetail("labels", chain.Labels).
			WithDetail("risk_score", chain.RiskScore)
	case security.ScanWarn:
		e.log.Warn("input scanner flagged plan",
			zap.String("plan_id", plan.PlanID),
			zap.Strings("labels", chain.Labels),
			zap.Float64("risk_score", chain.RiskScore))
		e.publish(events.TopicSecurity, "security.warned", map[string]any{
			"plan_id": plan.PlanID,
			"source":  "scanner_pipeline",
			"labels":  chain.Labels,
		})
	}

	result, err := e.verifier.Verify(ctx, plan)
	if err != nil {
		details := map[string]any{"source": "intent_verifier", "reason": err.Error()}
		e.persistRejected(ctx, plan, details)
		return err
	}
	metrics.VerifierVerdicts.WithLabelValues(string(result.Verdict)).Inc()
	switch result.Verdict {
	case security.VerdictReject:
		details := map[string]any{
			"source":           "intent_verifier",
			"reasoning":        result.Reasoning,
			"affected_actions": result.AffectedActions,
			"categories":       result.Categories,
		}
		e.persistRejected(ctx, plan, details)
		return errdefs.Security(errdefs.CodeIntentRejected,
			"plan rejected by intent verification: %s", result.Reasoning).
			WithDetail("affected_actions", result.AffectedActions).
			WithDetail("categories", result.Categories)
	case security.VerdictClarify:
		if e.verifier.Strict() {
			details := map[string]any{
				"source":    "intent_verifier",
				"reasoning": result.Reasoning,
				"verdict":   "clarify",
			}
			e.persistRejected(ctx, plan, details)
			return errdefs.Security(errdefs.CodeIntentRejected,
				"plan requires clarification under strict verification: %s", result.Reasoning)
		}
		e.log.Warn("intent verifier asked for clarification, continuing in permissive mode",
			zap.String("plan_id", plan.PlanID),
			zap.String("reasoning", result.Reasoning))
	case security.VerdictWarn:
		e.log.Warn("intent verifier flagged plan",
			zap.String("plan_id", plan.PlanID),
			zap.String("reasoning", result.Reasoning))
		e.publish(events.TopicSecurity, "security.warned", map[string]any{
			"plan_id": plan.PlanID,
			"source":  "intent_verifier",
		})
	}
	return nil
}

func (e *Executor) persistRejected(ctx context.Context, plan *iml.Plan, details map[string]any) {
	rec := state.PlanRecord{
		PlanID:      plan.PlanID,
		Status:      iml.PlanFailed,
		Description: plan.Description,
		SessionID:   plan.SessionID,
		Document:    planDocument(plan),
	}
	if err := e.store.CreatePlan(rec); err != nil {
		e.log.Error("persisting rejected plan failed", zap.String("plan_id", plan.PlanID), zap.Error(err))
		return
	}
	if err := e.store.SetRejectionDetails(plan.PlanID, details); err != nil {
		e.log.Error("persisting rejection details failed", zap.String("plan_id", plan.PlanID), zap.Error(err))
	}
	source, _ := details["source"].(string)
	reason := fmt.Sprintf("%v", details)
	_ = e.auditLog.LogSecurityRejected(ctx, plan.PlanID, source, reason)
	e.publish(events.TopicSecurity, "security.rejected", map[string]any{
		"plan_id": plan.PlanID,
		"source":  source,
	})
	metrics.PlansTotal.WithLabelValues(string(iml.PlanFailed)).Inc()
}

func (e *Executor) persistInitial(plan *iml.Plan) error {
	rec := state.PlanRecord{
		PlanID:      plan.PlanID,
		Status:      iml.PlanPending,
		Description: plan.Description,
		SessionID:   plan.SessionID,
		Document:    planDocument(plan),
	}
	if err := e.store.CreatePlan(rec); err != nil {
		return errdefs.State("creating plan %q", plan.PlanID).WithCause(err)
	}
	actions := make([]state.ActionRecord, 0, len(plan.Actions))
	for i := range plan.Actions {
		a := &plan.Actions[i]
		actions = append(actions, state.ActionRecord{
			PlanID:   plan.PlanID,
			ActionID: a.ID,
			Status:   iml.ActionPending,
			Module:   a.Module,
			Action:   a.Action,
		})
	}
	if err := e.store.CreateActions(plan.PlanID, actions); err != nil {
		return errdefs.State("creating action records for plan %q", plan.PlanID).WithCause(err)
	}
	return nil
}

func planDocument(plan *iml.Plan) map[string]any {
	raw, err := json.Marshal(plan)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

// ─── Control ─────────────────────────────────────────────────────────────────

// Cancel requests cancellation of a running plan. Running actions get the
// configured grace period before being abandoned.
func (e *Executor) Cancel(planID string) error {
	e.mu.Lock()
	run, ok := e.runs[planID]
	if ok {
		run.userCancel = true
	}
	e.mu.Unlock()
	if !ok {
		if _, found, err := e.store.GetPlan(planID); err == nil && found {
			return errdefs.Orchestration(errdefs.CodePlanNotRunning,
				"plan %q is not running", planID)
		}
		return errdefs.Orchestration(errdefs.CodePlanNotFound,
			"plan %q is not known", planID)
	}
	run.cancel()
	return nil
}

// Running reports whether the plan has an active supervisor.
func (e *Executor) Running(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[planID]
	return ok
}

// Shutdown cancels every running plan and waits for the supervisors to
// finish or ctx to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, run := range e.runs {
		run.userCancel = true
		run.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Supervisor ──────────────────────────────────────────────────────────────

// actionOutcome is what a child goroutine reports back to the supervisor.
type actionOutcome struct {
	id      string
	status  iml.ActionStatus // completed, failed, or skipped
	result  any
	err     error
	policy  iml.OnError
	cascade bool // skipped via on_error=skip: descendants are ineligible
}

func (e *Executor) run(run *planRun) {
	defer close(run.done)
	plan := run.plan
	started := time.Now()

	metrics.PlansRunning.Inc()
	defer metrics.PlansRunning.Dec()

	if err := e.store.UpdatePlanStatus(plan.PlanID, iml.PlanRunning); err != nil {
		e.log.Error("marking plan running failed", zap.String("plan_id", plan.PlanID), zap.Error(err))
	}
	_ = e.auditLog.LogPlanStarted(run.ctx, plan.PlanID)
	e.publish(events.TopicPlans, "plan.started", map[string]any{"plan_id": plan.PlanID})

	g := newDAG(plan)
	statuses := make(map[string]iml.ActionStatus, len(plan.Actions))
	for _, id := range g.order {
		statuses[id] = iml.ActionPending
	}
	results := make(map[string]any, len(plan.Actions))
	var completedOrder []string

	// Buffered to plan size so abandoned children never block on send.
	outcomes := make(chan actionOutcome, len(plan.Actions))
	inFlight := 0
	aborted := false
	cancelled := false

	perPlanCap := e.cfg.MaxActionsPerPlan
	if plan.Mode() == iml.ModeSequential {
		perPlanCap = 1
	}

	schedule := func() {
		if aborted || cancelled {
			return
		}
		for _, id := range g.ready(statuses) {
			if inFlight >= perPlanCap {
				return
			}
			act := plan.GetAction(id)
			statuses[id] = iml.ActionWaiting
			e.persistStatus(plan.PlanID, act, iml.ActionWaiting, 0)

			// Dependencies are settled here; snapshot the results the child
			// may reference.
			snapshot := make(map[string]any, len(results))
			for k, v := range results {
				snapshot[k] = v
			}
			inFlight++
			go func(act *iml.Action) {
				if err := e.globalSem.Acquire(run.ctx, 1); err != nil {
					outcomes <- actionOutcome{
						id: act.ID, status: iml.ActionFailed, policy: act.OnError,
						err: errdefs.Orchestration(errdefs.CodePlanCancelled,
							"plan cancelled before action %q started", act.ID),
					}
					return
				}
				defer e.globalSem.Release(1)
				outcomes <- e.runAction(run.ctx, plan, act, snapshot)
			}(act)
		}
	}

	handle := func(out actionOutcome) {
		statuses[out.id] = out.status
		switch out.status {
		case iml.ActionCompleted:
			results[out.id] = out.result
			completedOrder = append(completedOrder, out.id)
		case iml.ActionSkipped:
			if out.cascade {
				e.skipDescendants(plan, g, statuses, out.id, "upstream action was skipped")
			}
		case iml.ActionFailed:
			if out.result != nil {
				results[out.id] = out.result // partial result
			}
			switch out.policy {
			case iml.OnErrorRollback:
				rolled := e.rollback.Rollback(run.ctx, plan, out.id, completedOrder, results, e.store, e.cfg.EnvAccess)
				for _, id := range rolled {
					statuses[id] = iml.ActionRolledBack
				}
				aborted = true
			case iml.OnErrorContinue:
				// Other branches keep running; descendants of the failure
				// never become ready and are skipped at finalization.
			default:
				// abort, and retry exhausted, terminate the plan.
				aborted = true
			}
		}
	}

	schedule()
	for inFlight > 0 {
		select {
		case out := <-outcomes:
			inFlight--
			handle(out)
			schedule()
		case <-run.ctx.Done():
			cancelled = true
			timer := time.NewTimer(e.cfg.CancelGracePeriod)
			for inFlight > 0 {
				select {
				case out := <-outcomes:
					inFlight--
					handle(out)
				case <-timer.C:
					inFlight = 0 // abandoned; marked failed below
				}
			}
			timer.Stop()
		}
	}

	e.finalize(run, g, statuses, started)
}

// skipDescendants cascades a skip to every transitive dependent that has not
// settled yet.
func (e *Executor) skipDescendants(plan *iml.Plan, g *dag, statuses map[string]iml.ActionStatus, id, reason string) {
	for _, desc := range g.descendants(id) {
		if statuses[desc].Terminal() || statuses[desc] == iml.ActionRunning {
			continue
		}
		statuses[desc] = iml.ActionSkipped
		act := plan.GetAction(desc)
		now := time.Now().UTC()
		_ = e.store.UpdateAction(state.ActionRecord{
			PlanID:     plan.PlanID,
			ActionID:   desc,
			Status:     iml.ActionSkipped,
			Module:     act.Module,
			Action:     act.Action,
			Error:      reason,
			FinishedAt: &now,
		})
		_ = e.auditLog.Log(context.Background(), audit.NewEvent(audit.EventActionSkipped).
			WithPlan(plan.PlanID).
			WithAction(desc, act.Module, act.Action).
			WithResult(audit.ResultSuccess).
			WithDescription(reason))
		e.publish(events.TopicActions, "action.skipped", map[string]any{
			"plan_id":   plan.PlanID,
			"action_id": desc,
			"reason":    reason,
		})
	}
}

// finalize settles leftover actions and writes the terminal plan status.
func (e *Executor) finalize(run *planRun, g *dag, statuses map[string]iml.ActionStatus, started time.Time) {
	plan := run.plan
	cancelled := run.ctx.Err() != nil && run.userCancel
	timedOut := run.ctx.Err() != nil && !run.userCancel

	for _, id := range g.order {
		act := plan.GetAction(id)
		now := time.Now().UTC()
		switch statuses[id] {
		case iml.ActionRunning, iml.ActionWaiting, iml.ActionAwaitingApproval:
			// Abandoned after the grace period.
			reason := "plan cancelled while action was in flight"
			if timedOut {
				reason = "plan timed out while action was in flight"
			}
			statuses[id] = iml.ActionFailed
			_ = e.store.UpdateAction(state.ActionRecord{
				PlanID: plan.PlanID, ActionID: id, Status: iml.ActionFailed,
				Module: act.Module, Action: act.Action,
				Error: reason, FinishedAt: &now,
			})
		case iml.ActionPending:
			reason := "dependencies did not complete"
			if cancelled || timedOut {
				reason = "plan terminated before the action became ready"
			}
			statuses[id] = iml.ActionSkipped
			_ = e.store.UpdateAction(state.ActionRecord{
				PlanID: plan.PlanID, ActionID: id, Status: iml.ActionSkipped,
				Module: act.Module, Action: act.Action,
				Error: reason, FinishedAt: &now,
			})
		}
	}

	status := iml.PlanCompleted
	for _, s := range statuses {
		if s == iml.ActionFailed || s == iml.ActionRolledBack {
			status = iml.PlanFailed
			break
		}
	}
	if timedOut {
		status = iml.PlanFailed
	}
	if cancelled {
		status = iml.PlanCancelled
	}

	if err := e.store.UpdatePlanStatus(plan.PlanID, status); err != nil {
		e.log.Error("writing terminal plan status failed",
			zap.String("plan_id", plan.PlanID), zap.Error(err))
	}

	eventType := audit.EventPlanCompleted
	switch status {
	case iml.PlanFailed:
		eventType = audit.EventPlanFailed
	case iml.PlanCancelled:
		eventType = audit.EventPlanCancelled
	}
	duration := time.Since(started)
	_ = e.auditLog.LogPlanFinished(context.Background(), plan.PlanID, eventType, duration)
	e.publish(events.TopicPlans, "plan."+string(status), map[string]any{
		"plan_id":     plan.PlanID,
		"duration_ms": duration.Milliseconds(),
	})
	metrics.PlansTotal.WithLabelValues(string(status)).Inc()
	metrics.PlanDuration.WithLabelValues(string(plan.Mode())).Observe(duration.Seconds())
	e.log.Info("plan finished",
		zap.String("plan_id", plan.PlanID),
		zap.String("status", string(status)),
		zap.Duration("duration", duration))
}

func (e *Executor) persistStatus(planID string, act *iml.Action, status iml.ActionStatus, attempt int) {
	if err := e.store.UpdateAction(state.ActionRecord{
		PlanID:   planID,
		ActionID: act.ID,
		Status:   status,
		Module:   act.Module,
		Action:   act.Action,
		Attempt:  attempt,
	}); err != nil {
		e.log.Error("persisting action status failed",
			zap.String("plan_id", planID),
			zap.String("action_id", act.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
