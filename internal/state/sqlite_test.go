package state

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/security"
	"github.com/llmos/llmosd/pkg/iml"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPlanLifecycle(t *testing.T) {
	store := newTestStore(t)

	rec := PlanRecord{
		PlanID:      "p1",
		Description: "demo",
		SessionID:   "s1",
		Document:    map[string]any{"plan_id": "p1"},
	}
	if err := store.CreatePlan(rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := store.GetPlan("p1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != iml.PlanPending {
		t.Errorf("default status = %q", got.Status)
	}
	if got.Description != "demo" || got.SessionID != "s1" {
		t.Errorf("fields lost: %+v", got)
	}
	if got.Document["plan_id"] != "p1" {
		t.Errorf("document = %v", got.Document)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}

	if err := store.UpdatePlanStatus("p1", iml.PlanRunning); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _, _ = store.GetPlan("p1")
	if got.Status != iml.PlanRunning {
		t.Errorf("status = %q", got.Status)
	}

	if _, ok, err := store.GetPlan("ghost"); err != nil || ok {
		t.Errorf("missing plan: ok=%v err=%v", ok, err)
	}
}

func TestDuplicatePlanRejected(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreatePlan(PlanRecord{PlanID: "p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreatePlan(PlanRecord{PlanID: "p1"}); err == nil {
		t.Error("duplicate plan_id accepted")
	}
}

func TestRejectionDetailsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreatePlan(PlanRecord{PlanID: "p1", Status: iml.PlanFailed}); err != nil {
		t.Fatalf("create: %v", err)
	}
	details := map[string]any{"source": "scanner_pipeline", "risk_score": 0.9}
	if err := store.SetRejectionDetails("p1", details); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _, _ := store.GetPlan("p1")
	if got.RejectionDetails["source"] != "scanner_pipeline" {
		t.Errorf("rejection_details = %v", got.RejectionDetails)
	}
}

func TestListPlansFilterAndLimit(t *testing.T) {
	store := newTestStore(t)
	for i, status := range []iml.PlanStatus{iml.PlanCompleted, iml.PlanFailed, iml.PlanCompleted} {
		rec := PlanRecord{
			PlanID:    []string{"p1", "p2", "p3"}[i],
			Status:    status,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.CreatePlan(rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	completed, err := store.ListPlans(iml.PlanCompleted, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("completed = %d, want 2", len(completed))
	}
	// Newest first.
	if completed[0].PlanID != "p3" {
		t.Errorf("order = %v", completed)
	}

	all, _ := store.ListPlans("", 2)
	if len(all) != 2 {
		t.Errorf("limited list = %d, want 2", len(all))
	}
}

func TestActionRecords(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreatePlan(PlanRecord{PlanID: "p1"}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	recs := []ActionRecord{
		{PlanID: "p1", ActionID: "a", Module: "system", Action: "info"},
		{PlanID: "p1", ActionID: "b", Module: "system", Action: "time"},
	}
	if err := store.CreateActions("p1", recs); err != nil {
		t.Fatalf("create actions: %v", err)
	}

	started := time.Now().UTC()
	if err := store.UpdateAction(ActionRecord{
		PlanID: "p1", ActionID: "a", Status: iml.ActionRunning,
		Module: "system", Action: "info", Attempt: 1, StartedAt: &started,
	}); err != nil {
		t.Fatalf("update running: %v", err)
	}
	finished := started.Add(time.Second)
	if err := store.UpdateAction(ActionRecord{
		PlanID: "p1", ActionID: "a", Status: iml.ActionCompleted,
		Module: "system", Action: "info", Attempt: 1,
		Result:     map[string]any{"os": "linux"},
		FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("update completed: %v", err)
	}

	actions, err := store.GetActions("p1")
	if err != nil {
		t.Fatalf("get actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %d", len(actions))
	}
	a := actions[0]
	if a.ActionID != "a" || a.Status != iml.ActionCompleted || a.Attempt != 1 {
		t.Errorf("record = %+v", a)
	}
	if a.StartedAt == nil || a.FinishedAt == nil {
		t.Error("timestamps missing")
	}
	if result, ok := a.Result.(map[string]any); !ok || result["os"] != "linux" {
		t.Errorf("result = %v", a.Result)
	}
	if actions[1].Status != iml.ActionPending {
		t.Errorf("untouched action status = %q", actions[1].Status)
	}
}

func TestUpdateActionKeepsFirstStartedAt(t *testing.T) {
	store := newTestStore(t)
	store.CreatePlan(PlanRecord{PlanID: "p1"})
	store.CreateActions("p1", []ActionRecord{{PlanID: "p1", ActionID: "a"}})

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store.UpdateAction(ActionRecord{PlanID: "p1", ActionID: "a", Status: iml.ActionRunning, StartedAt: &first, Attempt: 1})

	// A retry marks the action running again; started_at must not move.
	second := first.Add(time.Minute)
	store.UpdateAction(ActionRecord{PlanID: "p1", ActionID: "a", Status: iml.ActionRunning, StartedAt: &second, Attempt: 2})

	actions, _ := store.GetActions("p1")
	if !actions[0].StartedAt.Equal(first) {
		t.Errorf("started_at = %v, want %v", actions[0].StartedAt, first)
	}
	if actions[0].Attempt != 2 {
		t.Errorf("attempt = %d", actions[0].Attempt)
	}
}

func TestGetExecutionState(t *testing.T) {
	store := newTestStore(t)
	store.CreatePlan(PlanRecord{PlanID: "p1", Status: iml.PlanCompleted})
	store.CreateActions("p1", []ActionRecord{
		{PlanID: "p1", ActionID: "a", Status: iml.ActionCompleted},
		{PlanID: "p1", ActionID: "b", Status: iml.ActionSkipped},
	})

	st, ok, err := store.GetExecutionState("p1")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if st.Plan.PlanID != "p1" || len(st.Actions) != 2 {
		t.Errorf("state = %+v", st)
	}
	if !st.AllSettled() {
		t.Error("AllSettled = false for completed+skipped")
	}

	if _, ok, _ := store.GetExecutionState("ghost"); ok {
		t.Error("missing plan reported present")
	}
}

func TestPurgeTerminalPlans(t *testing.T) {
	store := newTestStore(t)
	past := time.Now().UTC().Add(-time.Hour)
	store.CreatePlan(PlanRecord{PlanID: "old-done", Status: iml.PlanCompleted, CreatedAt: past, UpdatedAt: past})
	store.CreatePlan(PlanRecord{PlanID: "old-failed", Status: iml.PlanFailed, CreatedAt: past, UpdatedAt: past})
	store.CreatePlan(PlanRecord{PlanID: "old-running", Status: iml.PlanRunning, CreatedAt: past, UpdatedAt: past})
	store.CreatePlan(PlanRecord{PlanID: "fresh", Status: iml.PlanCompleted})

	n, err := store.PurgeTerminalPlansBefore(time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2 (old terminal plans only)", n)
	}
	if _, ok, _ := store.GetPlan("old-running"); !ok {
		t.Error("running plan was purged")
	}
	if _, ok, _ := store.GetPlan("fresh"); !ok {
		t.Error("fresh plan was purged")
	}
	if _, ok, _ := store.GetPlan("old-done"); ok {
		t.Error("old terminal plan survived purge")
	}
}

func TestSweeperPurges(t *testing.T) {
	store := newTestStore(t)
	store.CreatePlan(PlanRecord{
		PlanID:    "ancient",
		Status:    iml.PlanCompleted,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		UpdatedAt: time.Now().UTC().Add(-48 * time.Hour),
	})
	store.CreatePlan(PlanRecord{PlanID: "recent", Status: iml.PlanCompleted})

	sweeper := NewSweeper(store, zap.NewNop(), time.Hour, 24*time.Hour)
	sweeper.SweepOnce()

	if _, ok, _ := store.GetPlan("ancient"); ok {
		t.Error("expired plan survived sweep")
	}
	if _, ok, _ := store.GetPlan("recent"); !ok {
		t.Error("recent plan was swept")
	}
}

func TestGrantStore(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	grants := []security.Grant{
		{Permission: "fs.read", ModuleID: "filesystem", Scope: security.ScopeSession, GrantedAt: now, GrantedBy: "user"},
		{Permission: "fs.write", ModuleID: "filesystem", Scope: security.ScopePermanent, GrantedAt: now.Add(time.Second), GrantedBy: "user"},
		{Permission: "net.fetch", ModuleID: "network", Scope: security.ScopeSession, GrantedAt: now.Add(2 * time.Second), GrantedBy: "user"},
	}
	for _, g := range grants {
		if err := store.SaveGrant(g); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	fsGrants, err := store.ListGrants("filesystem")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fsGrants) != 2 {
		t.Errorf("filesystem grants = %d", len(fsGrants))
	}

	// Upsert replaces, never duplicates.
	expiry := now.Add(time.Hour)
	if err := store.SaveGrant(security.Grant{
		Permission: "fs.read", ModuleID: "filesystem",
		Scope: security.ScopePermanent, GrantedAt: now, GrantedBy: "admin", ExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	fsGrants, _ = store.ListGrants("filesystem")
	if len(fsGrants) != 2 {
		t.Errorf("grants after upsert = %d", len(fsGrants))
	}
	for _, g := range fsGrants {
		if g.Permission == "fs.read" {
			if g.Scope != security.ScopePermanent || g.ExpiresAt == nil {
				t.Errorf("upserted grant = %+v", g)
			}
		}
	}

	if err := store.DeleteGrant("fs.write", "filesystem"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fsGrants, _ = store.ListGrants("filesystem")
	if len(fsGrants) != 1 {
		t.Errorf("grants after delete = %d", len(fsGrants))
	}

	n, err := store.PurgeSessionGrants()
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 { // network net.fetch; fs.read is permanent now
		t.Errorf("purged sessions = %d, want 1", n)
	}

	if n, _ := store.DeleteGrantsForModule("filesystem"); n != 1 {
		t.Errorf("module delete = %d, want 1", n)
	}
	if rest, _ := store.ListGrants(""); len(rest) != 0 {
		t.Errorf("grants remaining = %v", rest)
	}
}

func TestMemoryStore(t *testing.T) {
	store := newTestStore(t)

	if _, ok, err := store.MemoryGet("missing"); ok || err != nil {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}

	if err := store.MemorySet("config", map[string]any{"retries": float64(3)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.MemorySet("token", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, ok, err := store.MemoryGet("config")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v.(map[string]any)["retries"] != float64(3) {
		t.Errorf("value = %v", v)
	}

	// Overwrite.
	store.MemorySet("token", "xyz")
	v, _, _ = store.MemoryGet("token")
	if v != "xyz" {
		t.Errorf("overwritten value = %v", v)
	}

	keys, err := store.MemoryKeys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "config" || keys[1] != "token" {
		t.Errorf("keys = %v", keys)
	}

	if err := store.MemoryDelete("token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.MemoryGet("token"); ok {
		t.Error("deleted key still present")
	}
}

func TestDeletingPlanCascadesActions(t *testing.T) {
	store := newTestStore(t)
	store.CreatePlan(PlanRecord{
		PlanID:    "p1",
		Status:    iml.PlanCompleted,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})
	store.CreateActions("p1", []ActionRecord{{PlanID: "p1", ActionID: "a"}})

	if _, err := store.PurgeTerminalPlansBefore(time.Now()); err != nil {
		t.Fatalf("purge: %v", err)
	}
	actions, err := store.GetActions("p1")
	if err != nil {
		t.Fatalf("get actions: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("orphaned actions = %d", len(actions))
	}
}
