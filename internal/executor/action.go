package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/approval"
	"github.com/llmos/llmosd/internal/audit"
	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/metrics"
	"github.com/llmos/llmosd/internal/state"
	"github.com/llmos/llmosd/internal/template"
	"github.com/llmos/llmosd/pkg/iml"
)

// runAction drives one action through its attempt budget and returns the
// settled outcome to the supervisor.
func (e *Executor) runAction(ctx context.Context, plan *iml.Plan, act *iml.Action, results map[string]any) actionOutcome {
	maxAttempts := act.MaxAttempts()
	for attempt := 1; ; attempt++ {
		out, retryable := e.attempt(ctx, plan, act, results, attempt)
		if out.status != iml.ActionFailed || act.OnError != iml.OnErrorRetry {
			return out
		}
		if !retryable || attempt >= maxAttempts || !e.retryableCode(act, out.err) {
			// Retry budget exhausted: abort semantics.
			out.policy = iml.OnErrorAbort
			return out
		}
		metrics.ActionRetries.WithLabelValues(act.Module).Inc()
		delay := time.Duration(act.Retry.Delay(attempt) * float64(time.Second))
		e.log.Info("retrying action",
			zap.String("plan_id", plan.PlanID),
			zap.String("action_id", act.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			out.err = errdefs.Orchestration(errdefs.CodePlanCancelled,
				"plan cancelled while action %q waited to retry", act.ID)
			out.policy = iml.OnErrorAbort
			return out
		}
	}
}

// retryableCode honors retry_on: when set, only the listed error codes are
// retried.
func (e *Executor) retryableCode(act *iml.Action, err error) bool {
	if act.Retry == nil || len(act.Retry.RetryOn) == 0 {
		return true
	}
	code := errdefs.CodeOf(err)
	for _, want := range act.Retry.RetryOn {
		if want == code {
			return true
		}
	}
	return false
}

// attempt executes the per-action sequence once. The second return value
// reports whether a failure may be retried; approval decisions and
// cancellation are final.
func (e *Executor) attempt(ctx context.Context, plan *iml.Plan, act *iml.Action, results map[string]any, attempt int) (actionOutcome, bool) {
	startedAt := time.Now().UTC()
	e.markRunning(plan.PlanID, act, attempt, startedAt)

	// Template resolution, once per attempt, immediately before dispatch.
	resolver := template.NewResolver(results, e.store, e.cfg.EnvAccess)
	params, err := resolver.Resolve(act.Params)
	if err != nil {
		return e.fail(ctx, plan, act, attempt, startedAt, err), true
	}

	// Approval gate.
	params, outcome, decided := e.maybeApprove(ctx, plan, act, params, attempt, startedAt)
	if decided {
		return outcome, false
	}

	// OS-level permission checks against the capability's declared needs.
	if spec, specErr := e.registry.ActionSpec(act.Module, act.Action); specErr == nil {
		for _, perm := range spec.Permissions {
			if err := e.perms.CheckOrRaise(perm, act.Module, act.Action); err != nil {
				metrics.PermissionChecks.WithLabelValues("denied").Inc()
				_ = e.auditLog.LogPermissionDenied(ctx, act.Module, perm)
				e.publish(events.TopicPermissions, "permission.denied", map[string]any{
					"plan_id":    plan.PlanID,
					"action_id":  act.ID,
					"module":     act.Module,
					"permission": perm,
				})
				return e.fail(ctx, plan, act, attempt, startedAt, err), true
			}
			metrics.PermissionChecks.WithLabelValues("granted").Inc()
		}
	}

	// Resolved params must satisfy the declared schema; directives are
	// attached afterwards so they stay outside the declared surface.
	if err := e.registry.ValidateParams(act.Module, act.Action, params); err != nil {
		return e.fail(ctx, plan, act, attempt, startedAt,
			errdefs.Capability(errdefs.CodeValidationFailed, "%v", err)), true
	}

	params = e.attachDirectives(act, params)

	cap, err := e.registry.Get(act.Module)
	if err != nil {
		return e.fail(ctx, plan, act, attempt, startedAt, err), true
	}

	timeout := time.Duration(act.EffectiveTimeout() * float64(time.Second))
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	result, execErr := cap.Execute(dispatchCtx, act.Action, params)
	cancel()

	if execErr != nil {
		switch {
		case ctx.Err() != nil:
			execErr = errdefs.Orchestration(errdefs.CodePlanCancelled,
				"plan cancelled while action %q was running", act.ID).WithCause(execErr)
			out := e.fail(ctx, plan, act, attempt, startedAt, execErr)
			out.policy = iml.OnErrorAbort
			return out, false
		case errors.Is(execErr, context.DeadlineExceeded):
			execErr = errdefs.Orchestration(errdefs.CodeActionTimeout,
				"action %q timed out after %gs", act.ID, act.EffectiveTimeout())
		case errdefs.AsError(execErr) == nil:
			execErr = errdefs.Capability(errdefs.CodeExecutionFailed,
				"action %s.%s failed", act.Module, act.Action).WithCause(execErr)
		}
		return e.fail(ctx, plan, act, attempt, startedAt, execErr), true
	}

	result = e.sanitizer.Sanitize(result, act.Module, act.Action)
	result = e.truncateResult(result)

	if act.Memory != nil && act.Memory.WriteKey != "" {
		if err := e.store.MemorySet(act.Memory.WriteKey, result); err != nil {
			e.log.Error("memory write failed",
				zap.String("plan_id", plan.PlanID),
				zap.String("action_id", act.ID),
				zap.String("key", act.Memory.WriteKey),
				zap.Error(err))
		}
	}

	finishedAt := time.Now().UTC()
	if err := e.store.UpdateAction(state.ActionRecord{
		PlanID:     plan.PlanID,
		ActionID:   act.ID,
		Status:     iml.ActionCompleted,
		Module:     act.Module,
		Action:     act.Action,
		Result:     result,
		Attempt:    attempt,
		FinishedAt: &finishedAt,
	}); err != nil {
		e.log.Error("persisting action result failed",
			zap.String("plan_id", plan.PlanID),
			zap.String("action_id", act.ID),
			zap.Error(err))
	}

	duration := finishedAt.Sub(startedAt)
	_ = e.auditLog.LogActionCompleted(ctx, plan.PlanID, act.ID, act.Module, act.Action, duration)
	e.publish(events.TopicActions, "action.completed", map[string]any{
		"plan_id":     plan.PlanID,
		"action_id":   act.ID,
		"module":      act.Module,
		"duration_ms": duration.Milliseconds(),
	})
	metrics.ActionsTotal.WithLabelValues(act.Module, string(iml.ActionCompleted)).Inc()
	metrics.ActionDuration.WithLabelValues(act.Module).Observe(duration.Seconds())

	return actionOutcome{id: act.ID, status: iml.ActionCompleted, result: result, policy: act.OnError}, false
}

func (e *Executor) markRunning(planID string, act *iml.Action, attempt int, startedAt time.Time) {
	if err := e.store.UpdateAction(state.ActionRecord{
		PlanID:    planID,
		ActionID:  act.ID,
		Status:    iml.ActionRunning,
		Module:    act.Module,
		Action:    act.Action,
		Attempt:   attempt,
		StartedAt: &startedAt,
	}); err != nil {
		e.log.Error("marking action running failed",
			zap.String("plan_id", planID),
			zap.String("action_id", act.ID),
			zap.Error(err))
	}
	_ = e.auditLog.LogActionStarted(context.Background(), planID, act.ID, act.Module, act.Action)
	e.publish(events.TopicActions, "action.started", map[string]any{
		"plan_id":   planID,
		"action_id": act.ID,
		"module":    act.Module,
		"action":    act.Action,
		"attempt":   attempt,
	})
}

// fail records a failed attempt and returns its outcome. Under
// on_error=skip the failure settles as skipped and makes descendants
// ineligible.
func (e *Executor) fail(ctx context.Context, plan *iml.Plan, act *iml.Action, attempt int, startedAt time.Time, err error) actionOutcome {
	status := iml.ActionFailed
	cascade := false
	if act.OnError == iml.OnErrorSkip {
		status = iml.ActionSkipped
		cascade = true
	}

	finishedAt := time.Now().UTC()
	finished := &finishedAt
	if act.OnError == iml.OnErrorRetry && attempt < act.MaxAttempts() {
		finished = nil // a retry may still settle this action
	}
	if perr := e.store.UpdateAction(state.ActionRecord{
		PlanID:     plan.PlanID,
		ActionID:   act.ID,
		Status:     status,
		Module:     act.Module,
		Action:     act.Action,
		Error:      err.Error(),
		Attempt:    attempt,
		FinishedAt: finished,
	}); perr != nil {
		e.log.Error("persisting action failure failed",
			zap.String("plan_id", plan.PlanID),
			zap.String("action_id", act.ID),
			zap.Error(perr))
	}

	if status == iml.ActionSkipped {
		_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventActionSkipped).
			WithPlan(plan.PlanID).
			WithAction(act.ID, act.Module, act.Action).
			WithResult(audit.ResultSuccess).
			WithDescription("action failed and was skipped by policy: "+err.Error()))
		e.publish(events.TopicActions, "action.skipped", map[string]any{
			"plan_id":   plan.PlanID,
			"action_id": act.ID,
			"module":    act.Module,
			"reason":    err.Error(),
		})
	} else {
		_ = e.auditLog.LogActionFailed(ctx, plan.PlanID, act.ID, act.Module, act.Action, err)
		e.publish(events.TopicActions, "action.failed", map[string]any{
			"plan_id":   plan.PlanID,
			"action_id": act.ID,
			"module":    act.Module,
			"error":     err.Error(),
			"code":      errdefs.CodeOf(err),
		})
	}
	metrics.ActionsTotal.WithLabelValues(act.Module, string(status)).Inc()
	return actionOutcome{id: act.ID, status: status, err: err, policy: act.OnError, cascade: cascade}
}

// ─── Approval ────────────────────────────────────────────────────────────────

// maybeApprove runs the approval gate when the action requires it. The
// returned params replace the resolved ones (the modify decision). decided
// is true when the outcome settles the action here.
func (e *Executor) maybeApprove(ctx context.Context, plan *iml.Plan, act *iml.Action, params map[string]any, attempt int, startedAt time.Time) (map[string]any, actionOutcome, bool) {
	reason, required := e.approvalReason(act)
	if !required || e.gate.IsAutoApproved(act.Module, act.Action) {
		return params, actionOutcome{}, false
	}

	e.persistStatus(plan.PlanID, act, iml.ActionAwaitingApproval, attempt)
	req := approval.Request{
		PlanID:      plan.PlanID,
		ActionID:    act.ID,
		Module:      act.Module,
		ActionName:  act.Action,
		Params:      params,
		RiskLevel:   e.actionRisk(act),
		Description: act.Label,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	}
	timeout := e.cfg.ApprovalTimeout
	behavior := e.cfg.ApprovalTimeoutBehavior
	if act.Approval != nil {
		if act.Approval.Message != "" {
			req.Description = act.Approval.Message
		}
		if len(act.Approval.ClarificationOptions) > 0 {
			req.ClarificationOptions = act.Approval.ClarificationOptions
		}
		if act.Approval.TimeoutSeconds > 0 {
			timeout = time.Duration(act.Approval.TimeoutSeconds * float64(time.Second))
		}
		if act.Approval.TimeoutBehavior != "" {
			behavior = act.Approval.TimeoutBehavior
		}
	}

	_ = e.auditLog.LogApprovalRequested(ctx, plan.PlanID, act.ID, reason)
	e.publish(events.TopicActions, "approval.requested", map[string]any{
		"plan_id":    plan.PlanID,
		"action_id":  act.ID,
		"module":     act.Module,
		"action":     act.Action,
		"risk_level": string(req.RiskLevel),
		"reason":     reason,
	})
	metrics.ApprovalsPending.Inc()
	resp, err := e.gate.RequestApproval(ctx, req, timeout, behavior)
	metrics.ApprovalsPending.Dec()
	if err != nil {
		cancelErr := errdefs.Orchestration(errdefs.CodePlanCancelled,
			"plan cancelled while action %q awaited approval", act.ID).WithCause(err)
		out := e.fail(ctx, plan, act, attempt, startedAt, cancelErr)
		out.policy = iml.OnErrorAbort
		return params, out, true
	}

	_ = e.auditLog.LogApprovalDecided(ctx, plan.PlanID, act.ID, string(resp.Decision), resp.ApprovedBy)
	e.publish(events.TopicActions, "approval.decided", map[string]any{
		"plan_id":     plan.PlanID,
		"action_id":   act.ID,
		"decision":    string(resp.Decision),
		"approved_by": resp.ApprovedBy,
	})
	metrics.ApprovalDecisions.WithLabelValues(string(resp.Decision)).Inc()

	meta := map[string]any{
		"decision":    string(resp.Decision),
		"approved_by": resp.ApprovedBy,
		"timestamp":   resp.Timestamp,
	}
	if resp.Reason != "" {
		meta["reason"] = resp.Reason
	}
	_ = e.store.UpdateAction(state.ActionRecord{
		PlanID:           plan.PlanID,
		ActionID:         act.ID,
		Status:           iml.ActionAwaitingApproval,
		Module:           act.Module,
		Action:           act.Action,
		Attempt:          attempt,
		ApprovalMetadata: meta,
	})

	switch resp.Decision {
	case approval.DecisionApprove, approval.DecisionApproveAlways:
		e.persistStatus(plan.PlanID, act, iml.ActionRunning, attempt)
		return params, actionOutcome{}, false
	case approval.DecisionModify:
		e.persistStatus(plan.PlanID, act, iml.ActionRunning, attempt)
		if resp.ModifiedParams != nil {
			return resp.ModifiedParams, actionOutcome{}, false
		}
		return params, actionOutcome{}, false
	case approval.DecisionSkip:
		finishedAt := time.Now().UTC()
		_ = e.store.UpdateAction(state.ActionRecord{
			PlanID: plan.PlanID, ActionID: act.ID, Status: iml.ActionSkipped,
			Module: act.Module, Action: act.Action,
			Error: resp.Reason, Attempt: attempt, FinishedAt: &finishedAt,
		})
		e.publish(events.TopicActions, "action.skipped", map[string]any{
			"plan_id":   plan.PlanID,
			"action_id": act.ID,
			"reason":    resp.Reason,
		})
		metrics.ActionsTotal.WithLabelValues(act.Module, string(iml.ActionSkipped)).Inc()
		return params, actionOutcome{id: act.ID, status: iml.ActionSkipped, policy: act.OnError}, true
	default: // reject
		reason := resp.Reason
		if reason == "" {
			reason = "rejected by approver"
		}
		rejectErr := errdefs.Security(errdefs.CodeApprovalRejected,
			"action %q was not approved: %s", act.ID, reason).
			WithDetail("approved_by", resp.ApprovedBy)
		return params, e.fail(ctx, plan, act, attempt, startedAt, rejectErr), true
	}
}

// approvalReason reports whether the action must pass the gate and why.
func (e *Executor) approvalReason(act *iml.Action) (string, bool) {
	if act.RequiresApproval {
		return "action_flag", true
	}
	if e.requireApproval[act.Module+"."+act.Action] || e.requireApproval[act.Module+".*"] {
		return "config_rule", true
	}
	if e.actionRisk(act).AtLeast(iml.RiskHigh) {
		return "config_rule", true
	}
	return "", false
}

// actionRisk combines the capability's declared risk with the plan's own
// approval annotation, whichever is higher.
func (e *Executor) actionRisk(act *iml.Action) iml.RiskLevel {
	risk := iml.RiskMedium
	if spec, err := e.registry.ActionSpec(act.Module, act.Action); err == nil && spec.RiskLevel != "" {
		risk = spec.RiskLevel
	}
	if act.Approval != nil && act.Approval.RiskLevel != "" {
		risk = risk.Max(act.Approval.RiskLevel)
	}
	return risk
}

// ─── Dispatch helpers ────────────────────────────────────────────────────────

// attachDirectives passes perception directives and prefetched memory reads
// through to the capability under reserved keys.
func (e *Executor) attachDirectives(act *iml.Action, params map[string]any) map[string]any {
	if act.Perception == nil && (act.Memory == nil || len(act.Memory.ReadKeys) == 0) {
		return params
	}
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	if act.Perception != nil {
		if raw, err := json.Marshal(act.Perception); err == nil {
			var doc map[string]any
			if json.Unmarshal(raw, &doc) == nil {
				out["_perception"] = doc
			}
		}
	}
	if act.Memory != nil && len(act.Memory.ReadKeys) > 0 {
		reads := map[string]any{}
		for _, key := range act.Memory.ReadKeys {
			val, ok, err := e.store.MemoryGet(key)
			if err != nil || !ok {
				continue
			}
			reads[key] = val
		}
		if len(reads) > 0 {
			out["_memory"] = reads
		}
	}
	return out
}

// truncateResult enforces the serialized-result budget. Oversized results
// are replaced with a marker object carrying a prefix of the data.
func (e *Executor) truncateResult(result any) any {
	if e.cfg.MaxResultBytes <= 0 {
		return result
	}
	raw, err := json.Marshal(result)
	if err != nil || len(raw) <= e.cfg.MaxResultBytes {
		return result
	}
	return map[string]any{
		"_truncated":     true,
		"_original_size": len(raw),
		"_max_size":      e.cfg.MaxResultBytes,
		"data":           string(raw[:e.cfg.MaxResultBytes]),
		"warning": fmt.Sprintf("Result truncated from %d to %d bytes",
			len(raw), e.cfg.MaxResultBytes),
	}
}
