package rollback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/audit"
	"github.com/llmos/llmosd/internal/capability"
	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/state"
	"github.com/llmos/llmosd/pkg/iml"
)

type recordedCall struct {
	action string
	params map[string]any
}

type stubCapability struct {
	module  string
	actions []capability.ActionSpec
	err     error

	mu    sync.Mutex
	calls []recordedCall
}

func (s *stubCapability) Execute(_ context.Context, action string, params map[string]any) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{action: action, params: params})
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return map[string]any{"undone": true}, nil
}

func (s *stubCapability) Manifest() capability.Manifest {
	return capability.Manifest{Module: s.module, Version: "1.0.0", Actions: s.actions}
}

func newTestEngine(t *testing.T, maxDepth int, caps ...capability.Capability) (*Engine, state.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := state.NewSQLiteStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: filepath.Join(dir, "audit.log"),
		AppLogPath:   filepath.Join(dir, "app.log"),
		MaxSize:      10,
		MaxBackups:   1,
		LogLevel:     "info",
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	registry := capability.NewRegistry()
	if err := registry.Rebuild(caps); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	log := zap.NewNop()
	return NewEngine(registry, store, auditLog, events.NewBus(log, nil), log, maxDepth), store
}

// seedPlan persists the plan and its action rows the way the scheduler does
// before any rollback can happen.
func seedPlan(t *testing.T, store state.Store, plan *iml.Plan, statuses map[string]iml.ActionStatus) {
	t.Helper()
	now := time.Now().UTC()
	if err := store.CreatePlan(state.PlanRecord{
		PlanID:    plan.PlanID,
		Status:    iml.PlanRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	recs := make([]state.ActionRecord, 0, len(plan.Actions))
	for i := range plan.Actions {
		a := &plan.Actions[i]
		status := iml.ActionPending
		if s, ok := statuses[a.ID]; ok {
			status = s
		}
		recs = append(recs, state.ActionRecord{
			PlanID:   plan.PlanID,
			ActionID: a.ID,
			Status:   status,
			Module:   a.Module,
			Action:   a.Action,
		})
	}
	if err := store.CreateActions(plan.PlanID, recs); err != nil {
		t.Fatalf("CreateActions failed: %v", err)
	}
}

func actionStatus(t *testing.T, store state.Store, planID, actionID string) iml.ActionStatus {
	t.Helper()
	recs, err := store.GetActions(planID)
	if err != nil {
		t.Fatalf("GetActions failed: %v", err)
	}
	for _, rec := range recs {
		if rec.ActionID == actionID {
			return rec.Status
		}
	}
	t.Fatalf("action %s not found", actionID)
	return ""
}

func TestRollbackWalksAncestorsInReverseCompletionOrder(t *testing.T) {
	undo := &stubCapability{
		module:  "deploy",
		actions: []capability.ActionSpec{{Name: "apply"}, {Name: "revert"}},
	}
	engine, store := newTestEngine(t, 0, undo)

	plan := &iml.Plan{
		PlanID: "plan-reverse",
		Actions: []iml.Action{
			{ID: "base", Module: "deploy", Action: "apply",
				Params:   map[string]any{"layer": "base"},
				Rollback: &iml.RollbackRef{Action: "undo_base"}},
			{ID: "app", Module: "deploy", Action: "apply", DependsOn: []string{"base"},
				Params:   map[string]any{"layer": "app"},
				Rollback: &iml.RollbackRef{Action: "undo_app"}},
			{ID: "smoke", Module: "deploy", Action: "apply", DependsOn: []string{"app"},
				Rollback: &iml.RollbackRef{Action: "undo_smoke"}},
			{ID: "undo_base", Module: "deploy", Action: "revert",
				Params: map[string]any{"layer": "base"}},
			{ID: "undo_app", Module: "deploy", Action: "revert",
				Params: map[string]any{"layer": "app"}},
			{ID: "undo_smoke", Module: "deploy", Action: "revert",
				Params: map[string]any{"layer": "smoke"}},
		},
	}
	seedPlan(t, store, plan, map[string]iml.ActionStatus{
		"base":  iml.ActionCompleted,
		"app":   iml.ActionCompleted,
		"smoke": iml.ActionFailed,
	})

	rolled := engine.Rollback(context.Background(), plan, "smoke",
		[]string{"base", "app"}, map[string]any{}, store, false)

	want := []string{"smoke", "app", "base"}
	if len(rolled) != len(want) {
		t.Fatalf("Expected %v rolled back, got %v", want, rolled)
	}
	for i, id := range want {
		if rolled[i] != id {
			t.Fatalf("Expected rollback order %v, got %v", want, rolled)
		}
	}

	// Dispatch order mirrors the returned order: failed action first, then
	// ancestors newest first.
	undo.mu.Lock()
	layers := make([]any, 0, len(undo.calls))
	for _, c := range undo.calls {
		layers = append(layers, c.params["layer"])
	}
	undo.mu.Unlock()
	if len(layers) != 3 || layers[0] != "smoke" || layers[1] != "app" || layers[2] != "base" {
		t.Fatalf("Expected compensations smoke, app, base; got %v", layers)
	}

	for _, id := range want {
		if got := actionStatus(t, store, "plan-reverse", id); got != iml.ActionRolledBack {
			t.Errorf("Expected %s rolled_back, got %s", id, got)
		}
	}
}

func TestRollbackDepthLimit(t *testing.T) {
	undo := &stubCapability{
		module:  "deploy",
		actions: []capability.ActionSpec{{Name: "apply"}, {Name: "revert"}},
	}
	engine, store := newTestEngine(t, 1, undo)

	plan := &iml.Plan{
		PlanID: "plan-depth",
		Actions: []iml.Action{
			{ID: "a", Module: "deploy", Action: "apply",
				Rollback: &iml.RollbackRef{Action: "undo"}},
			{ID: "b", Module: "deploy", Action: "apply", DependsOn: []string{"a"},
				Rollback: &iml.RollbackRef{Action: "undo"}},
			{ID: "undo", Module: "deploy", Action: "revert"},
		},
	}
	seedPlan(t, store, plan, map[string]iml.ActionStatus{
		"a": iml.ActionCompleted,
		"b": iml.ActionFailed,
	})

	rolled := engine.Rollback(context.Background(), plan, "b",
		[]string{"a"}, map[string]any{}, store, false)

	if len(rolled) != 1 || rolled[0] != "b" {
		t.Fatalf("Expected only the failed action within depth 1, got %v", rolled)
	}
	if got := actionStatus(t, store, "plan-depth", "a"); got != iml.ActionCompleted {
		t.Errorf("Expected a untouched beyond the depth limit, got %s", got)
	}
}

func TestRollbackOverlaysReferenceParams(t *testing.T) {
	undo := &stubCapability{
		module:  "filesystem",
		actions: []capability.ActionSpec{{Name: "write_file"}, {Name: "delete_file"}},
	}
	engine, store := newTestEngine(t, 0, undo)

	plan := &iml.Plan{
		PlanID: "plan-overlay",
		Actions: []iml.Action{
			{ID: "write", Module: "filesystem", Action: "write_file",
				Rollback: &iml.RollbackRef{
					Action: "cleanup",
					Params: map[string]any{"force": true, "path": "{{result.write.path}}"},
				}},
			{ID: "cleanup", Module: "filesystem", Action: "delete_file",
				Params: map[string]any{"path": "/tmp/default", "force": false}},
		},
	}
	seedPlan(t, store, plan, map[string]iml.ActionStatus{"write": iml.ActionFailed})

	results := map[string]any{
		"write": map[string]any{"path": "/tmp/partial-output"},
	}
	rolled := engine.Rollback(context.Background(), plan, "write", nil, results, store, false)
	if len(rolled) != 1 {
		t.Fatalf("Expected one compensation, got %v", rolled)
	}

	undo.mu.Lock()
	defer undo.mu.Unlock()
	if len(undo.calls) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(undo.calls))
	}
	call := undo.calls[0]
	if call.action != "delete_file" {
		t.Errorf("Expected delete_file dispatch, got %s", call.action)
	}
	// Overrides win over the referenced action's own params, and templates
	// resolve against the partial results.
	if call.params["force"] != true {
		t.Errorf("Expected force=true override, got %v", call.params["force"])
	}
	if call.params["path"] != "/tmp/partial-output" {
		t.Errorf("Expected templated path, got %v", call.params["path"])
	}
}

func TestRollbackIgnoresUnknownReference(t *testing.T) {
	undo := &stubCapability{
		module:  "deploy",
		actions: []capability.ActionSpec{{Name: "apply"}},
	}
	engine, store := newTestEngine(t, 0, undo)

	plan := &iml.Plan{
		PlanID: "plan-unknown-ref",
		Actions: []iml.Action{
			{ID: "a", Module: "deploy", Action: "apply",
				Rollback: &iml.RollbackRef{Action: "no_such_action"}},
		},
	}
	seedPlan(t, store, plan, map[string]iml.ActionStatus{"a": iml.ActionFailed})

	rolled := engine.Rollback(context.Background(), plan, "a", nil, map[string]any{}, store, false)
	if len(rolled) != 0 {
		t.Fatalf("Expected no compensation for an unknown reference, got %v", rolled)
	}
	if got := actionStatus(t, store, "plan-unknown-ref", "a"); got != iml.ActionFailed {
		t.Errorf("Expected a to stay failed, got %s", got)
	}
}

func TestRollbackAbsorbsDispatchFailures(t *testing.T) {
	undo := &stubCapability{
		module:  "deploy",
		actions: []capability.ActionSpec{{Name: "apply"}, {Name: "revert"}},
		err:     errors.New("revert endpoint unreachable"),
	}
	engine, store := newTestEngine(t, 0, undo)

	plan := &iml.Plan{
		PlanID: "plan-absorb",
		Actions: []iml.Action{
			{ID: "a", Module: "deploy", Action: "apply",
				Rollback: &iml.RollbackRef{Action: "undo"}},
			{ID: "undo", Module: "deploy", Action: "revert"},
		},
	}
	seedPlan(t, store, plan, map[string]iml.ActionStatus{"a": iml.ActionFailed})

	rolled := engine.Rollback(context.Background(), plan, "a", nil, map[string]any{}, store, false)
	if len(rolled) != 0 {
		t.Fatalf("Expected no rolled_back ids when compensation fails, got %v", rolled)
	}
	// The failed compensation never rewrites the action's status.
	if got := actionStatus(t, store, "plan-absorb", "a"); got != iml.ActionFailed {
		t.Errorf("Expected a to stay failed, got %s", got)
	}
}

func TestRollbackSkipsActionsWithoutReferences(t *testing.T) {
	undo := &stubCapability{
		module:  "deploy",
		actions: []capability.ActionSpec{{Name: "apply"}, {Name: "revert"}},
	}
	engine, store := newTestEngine(t, 0, undo)

	plan := &iml.Plan{
		PlanID: "plan-no-refs",
		Actions: []iml.Action{
			{ID: "a", Module: "deploy", Action: "apply"},
			{ID: "b", Module: "deploy", Action: "apply", DependsOn: []string{"a"},
				Rollback: &iml.RollbackRef{Action: "undo"}},
			{ID: "undo", Module: "deploy", Action: "revert"},
		},
	}
	seedPlan(t, store, plan, map[string]iml.ActionStatus{
		"a": iml.ActionCompleted,
		"b": iml.ActionFailed,
	})

	rolled := engine.Rollback(context.Background(), plan, "b",
		[]string{"a"}, map[string]any{}, store, false)

	// Only b declares a reference; a completed without one and is left alone.
	if len(rolled) != 1 || rolled[0] != "b" {
		t.Fatalf("Expected only b rolled back, got %v", rolled)
	}
	if got := actionStatus(t, store, "plan-no-refs", "a"); got != iml.ActionCompleted {
		t.Errorf("Expected a to stay completed, got %s", got)
	}
}
