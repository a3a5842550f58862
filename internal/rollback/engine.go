// Package rollback runs compensating actions after a failure. A rollback
// reference names another action in the same plan; the engine resolves its
// params, dispatches it through the capability registry outside the DAG,
// and marks the originating action rolled_back. Compensation is best
// effort: rollback failures are logged and absorbed, never cascaded.
package rollback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/audit"
	"github.com/llmos/llmosd/internal/capability"
	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/metrics"
	"github.com/llmos/llmosd/internal/state"
	"github.com/llmos/llmosd/internal/template"
	"github.com/llmos/llmosd/pkg/iml"
)

// DefaultMaxDepth bounds how many compensations one failure may trigger.
const DefaultMaxDepth = 3

// Engine dispatches compensating actions.
type Engine struct {
	registry *capability.Registry
	store    state.ActionStore
	auditLog audit.Logger
	bus      *events.Bus
	log      *zap.Logger
	maxDepth int
}

// NewEngine builds a rollback engine. maxDepth <= 0 selects the default.
func NewEngine(registry *capability.Registry, store state.ActionStore, auditLog audit.Logger, bus *events.Bus, log *zap.Logger, maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{
		registry: registry,
		store:    store,
		auditLog: auditLog,
		bus:      bus,
		log:      log,
		maxDepth: maxDepth,
	}
}

// Rollback compensates failedID and then its completed ancestors in reverse
// completion order, bounded by the engine's depth. Only actions that declare
// a rollback reference are compensated. results includes everything produced
// so far, the failing action's partial result included, so the compensating
// params can reference it. Returns the ids whose status moved to
// rolled_back.
func (e *Engine) Rollback(ctx context.Context, plan *iml.Plan, failedID string, completedOrder []string, results map[string]any, memory template.MemoryReader, envOK bool) []string {
	targets := e.targets(plan, failedID, completedOrder)

	var rolledBack []string
	for _, id := range targets {
		if len(rolledBack) >= e.maxDepth {
			e.log.Warn("rollback depth limit reached",
				zap.String("plan_id", plan.PlanID),
				zap.Int("max_depth", e.maxDepth))
			break
		}
		if e.compensate(ctx, plan, id, results, memory, envOK) {
			rolledBack = append(rolledBack, id)
		}
	}
	return rolledBack
}

// targets lists the actions to compensate: the failed action first, then its
// completed transitive dependencies in reverse completion order. Actions
// without a rollback reference are filtered out.
func (e *Engine) targets(plan *iml.Plan, failedID string, completedOrder []string) []string {
	ancestors := map[string]bool{}
	var mark func(id string)
	mark = func(id string) {
		act := plan.GetAction(id)
		if act == nil {
			return
		}
		for _, dep := range act.DependsOn {
			if !ancestors[dep] {
				ancestors[dep] = true
				mark(dep)
			}
		}
	}
	mark(failedID)

	var out []string
	if act := plan.GetAction(failedID); act != nil && act.Rollback != nil {
		out = append(out, failedID)
	}
	for i := len(completedOrder) - 1; i >= 0; i-- {
		id := completedOrder[i]
		if !ancestors[id] {
			continue
		}
		if act := plan.GetAction(id); act != nil && act.Rollback != nil {
			out = append(out, id)
		}
	}
	return out
}

// compensate runs one action's compensating reference. Returns true when the
// originating action's status moved to rolled_back.
func (e *Engine) compensate(ctx context.Context, plan *iml.Plan, actionID string, results map[string]any, memory template.MemoryReader, envOK bool) bool {
	act := plan.GetAction(actionID)
	if act == nil || act.Rollback == nil {
		return false
	}
	ref := plan.GetAction(act.Rollback.Action)
	if ref == nil {
		e.log.Error("rollback reference names an unknown action",
			zap.String("plan_id", plan.PlanID),
			zap.String("action_id", actionID),
			zap.String("rollback_action", act.Rollback.Action))
		metrics.RollbacksTotal.WithLabelValues("failure").Inc()
		return false
	}

	// The compensating params are the referenced action's params with the
	// reference's overrides on top.
	params := map[string]any{}
	for k, v := range ref.Params {
		params[k] = v
	}
	for k, v := range act.Rollback.Params {
		params[k] = v
	}

	resolver := template.NewResolver(results, memory, envOK)
	resolved, err := resolver.Resolve(params)
	if err != nil {
		e.log.Error("rollback param resolution failed",
			zap.String("plan_id", plan.PlanID),
			zap.String("action_id", actionID),
			zap.Error(err))
		metrics.RollbacksTotal.WithLabelValues("failure").Inc()
		return false
	}

	cap, err := e.registry.Get(ref.Module)
	if err != nil {
		e.log.Error("rollback module not registered",
			zap.String("plan_id", plan.PlanID),
			zap.String("module", ref.Module),
			zap.Error(err))
		metrics.RollbacksTotal.WithLabelValues("failure").Inc()
		return false
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, time.Duration(ref.EffectiveTimeout()*float64(time.Second)))
	defer cancel()

	if _, err := cap.Execute(dispatchCtx, ref.Action, resolved); err != nil {
		e.log.Error("rollback dispatch failed",
			zap.String("plan_id", plan.PlanID),
			zap.String("action_id", actionID),
			zap.String("rollback_action", ref.ID),
			zap.Error(err))
		metrics.RollbacksTotal.WithLabelValues("failure").Inc()
		return false
	}

	now := time.Now().UTC()
	rec := state.ActionRecord{
		PlanID:     plan.PlanID,
		ActionID:   actionID,
		Status:     iml.ActionRolledBack,
		Module:     act.Module,
		Action:     act.Action,
		FinishedAt: &now,
	}
	if err := e.store.UpdateAction(rec); err != nil {
		e.log.Error("rollback status persist failed",
			zap.String("plan_id", plan.PlanID),
			zap.String("action_id", actionID),
			zap.Error(err))
	}

	_ = e.auditLog.LogActionRolledBack(ctx, plan.PlanID, actionID, ref.ID)
	e.bus.Publish(events.TopicActions, "action.rolled_back", map[string]any{
		"plan_id":         plan.PlanID,
		"action_id":       actionID,
		"rollback_action": ref.ID,
	})
	metrics.RollbacksTotal.WithLabelValues("success").Inc()
	return true
}
