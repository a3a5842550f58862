package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/llmos/llmosd/internal/security"
	"github.com/llmos/llmosd/pkg/iml"
)

// Schema versions are tracked in the schema_versions table; each entry
// runs at most once, in order.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plans (
    plan_id           TEXT PRIMARY KEY,
    status            TEXT NOT NULL DEFAULT 'pending',
    description       TEXT NOT NULL DEFAULT '',
    session_id        TEXT NOT NULL DEFAULT '',
    document          TEXT NOT NULL DEFAULT '{}',
    rejection_details TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
CREATE INDEX IF NOT EXISTS idx_plans_updated_at ON plans(updated_at DESC);

CREATE TABLE IF NOT EXISTS actions (
    plan_id           TEXT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
    action_id         TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    module            TEXT NOT NULL DEFAULT '',
    action            TEXT NOT NULL DEFAULT '',
    started_at        DATETIME,
    finished_at       DATETIME,
    result            TEXT NOT NULL DEFAULT '',
    error             TEXT NOT NULL DEFAULT '',
    attempt           INTEGER NOT NULL DEFAULT 0,
    approval_metadata TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (plan_id, action_id)
);
CREATE INDEX IF NOT EXISTS idx_actions_plan ON actions(plan_id);

CREATE TABLE IF NOT EXISTS grants (
    permission  TEXT NOT NULL,
    module_id   TEXT NOT NULL,
    scope       TEXT NOT NULL DEFAULT 'session',
    granted_at  DATETIME NOT NULL,
    granted_by  TEXT NOT NULL DEFAULT 'user',
    reason      TEXT NOT NULL DEFAULT '',
    expires_at  DATETIME,
    PRIMARY KEY (permission, module_id)
);

CREATE TABLE IF NOT EXISTS memory (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL DEFAULT 'null',
    updated_at DATETIME NOT NULL
);
`,
	},
}

// sqliteStore implements Store on embedded SQLite. Writes serialize
// through a per-plan mutex so concurrent action updates for one plan never
// interleave.
type sqliteStore struct {
	db *sql.DB

	mu      sync.Mutex
	planMus map[string]*sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path and applies
// pending migrations. Use ":memory:" for tests.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// A single writer keeps the per-plan mutexes meaningful and avoids
	// SQLITE_BUSY under concurrent plans.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &sqliteStore{db: db, planMus: map[string]*sync.Mutex{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_versions: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking schema version %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// planMu returns the mutex for a plan, creating it on first use.
func (s *sqliteStore) planMu(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.planMus[planID]
	if !ok {
		mu = &sync.Mutex{}
		s.planMus[planID] = mu
	}
	return mu
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// ─── PlanStore ───────────────────────────────────────────────────────────────

func (s *sqliteStore) CreatePlan(rec PlanRecord) error {
	mu := s.planMu(rec.PlanID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = iml.PlanPending
	}
	_, err := s.db.Exec(`
		INSERT INTO plans (plan_id, status, description, session_id, document, rejection_details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PlanID, string(rec.Status), rec.Description, rec.SessionID,
		marshalJSON(rec.Document), marshalJSON(rec.RejectionDetails),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting plan %s: %w", rec.PlanID, err)
	}
	return nil
}

func (s *sqliteStore) UpdatePlanStatus(planID string, status iml.PlanStatus) error {
	mu := s.planMu(planID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.Exec(`UPDATE plans SET status = ?, updated_at = ? WHERE plan_id = ?`,
		string(status), time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("updating plan %s status: %w", planID, err)
	}
	return nil
}

func (s *sqliteStore) SetRejectionDetails(planID string, details map[string]any) error {
	mu := s.planMu(planID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.Exec(`UPDATE plans SET rejection_details = ?, updated_at = ? WHERE plan_id = ?`,
		marshalJSON(details), time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("setting rejection details for plan %s: %w", planID, err)
	}
	return nil
}

func (s *sqliteStore) GetPlan(planID string) (PlanRecord, bool, error) {
	var (
		rec       PlanRecord
		status    string
		document  string
		rejection string
	)
	err := s.db.QueryRow(`
		SELECT plan_id, status, description, session_id, document, rejection_details, created_at, updated_at
		FROM plans WHERE plan_id = ?`, planID).
		Scan(&rec.PlanID, &status, &rec.Description, &rec.SessionID,
			&document, &rejection, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return PlanRecord{}, false, nil
	}
	if err != nil {
		return PlanRecord{}, false, fmt.Errorf("reading plan %s: %w", planID, err)
	}
	rec.Status = iml.PlanStatus(status)
	rec.Document = unmarshalMap(document)
	rec.RejectionDetails = unmarshalMap(rejection)
	return rec, true, nil
}

func (s *sqliteStore) ListPlans(status iml.PlanStatus, limit int) ([]PlanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT plan_id, status, description, session_id, document, rejection_details, created_at, updated_at
		FROM plans`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRecord
	for rows.Next() {
		var (
			rec       PlanRecord
			st        string
			document  string
			rejection string
		)
		if err := rows.Scan(&rec.PlanID, &st, &rec.Description, &rec.SessionID,
			&document, &rejection, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = iml.PlanStatus(st)
		rec.Document = unmarshalMap(document)
		rec.RejectionDetails = unmarshalMap(rejection)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeTerminalPlansBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM plans
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging terminal plans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ─── ActionStore ─────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateActions(planID string, recs []ActionRecord) error {
	mu := s.planMu(planID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range recs {
		status := rec.Status
		if status == "" {
			status = iml.ActionPending
		}
		if _, err := tx.Exec(`
			INSERT INTO actions (plan_id, action_id, status, module, action, attempt, result, error, approval_metadata)
			VALUES (?, ?, ?, ?, ?, ?, '', '', '')`,
			planID, rec.ActionID, string(status), rec.Module, rec.Action, rec.Attempt); err != nil {
			return fmt.Errorf("inserting action %s/%s: %w", planID, rec.ActionID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateAction(rec ActionRecord) error {
	mu := s.planMu(rec.PlanID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	var started, finished any
	if rec.Status == iml.ActionRunning {
		started = now
	}
	if rec.Status.Terminal() {
		finished = now
	}
	if rec.StartedAt != nil {
		started = rec.StartedAt.UTC()
	}
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UTC()
	}

	// COALESCE keeps the first started_at across retries and never
	// clears a finished_at once set.
	_, err := s.db.Exec(`
		UPDATE actions SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(?, finished_at),
			result = ?,
			error = ?,
			attempt = ?,
			approval_metadata = CASE WHEN ? = '' THEN approval_metadata ELSE ? END
		WHERE plan_id = ? AND action_id = ?`,
		string(rec.Status), started, finished,
		marshalJSON(rec.Result), rec.Error, rec.Attempt,
		marshalJSON(rec.ApprovalMetadata), marshalJSON(rec.ApprovalMetadata),
		rec.PlanID, rec.ActionID)
	if err != nil {
		return fmt.Errorf("updating action %s/%s: %w", rec.PlanID, rec.ActionID, err)
	}

	if _, err := s.db.Exec(`UPDATE plans SET updated_at = ? WHERE plan_id = ?`, now, rec.PlanID); err != nil {
		return fmt.Errorf("touching plan %s: %w", rec.PlanID, err)
	}
	return nil
}

func (s *sqliteStore) GetActions(planID string) ([]ActionRecord, error) {
	rows, err := s.db.Query(`
		SELECT plan_id, action_id, status, module, action, started_at, finished_at, result, error, attempt, approval_metadata
		FROM actions WHERE plan_id = ? ORDER BY rowid`, planID)
	if err != nil {
		return nil, fmt.Errorf("listing actions for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var (
			rec      ActionRecord
			status   string
			started  sql.NullTime
			finished sql.NullTime
			result   string
			approval string
		)
		if err := rows.Scan(&rec.PlanID, &rec.ActionID, &status, &rec.Module, &rec.Action,
			&started, &finished, &result, &rec.Error, &rec.Attempt, &approval); err != nil {
			return nil, err
		}
		rec.Status = iml.ActionStatus(status)
		if started.Valid {
			t := started.Time
			rec.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		if result != "" {
			var v any
			if err := json.Unmarshal([]byte(result), &v); err == nil {
				rec.Result = v
			}
		}
		rec.ApprovalMetadata = unmarshalMap(approval)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetExecutionState returns the full plan projection.
func (s *sqliteStore) GetExecutionState(planID string) (*ExecutionState, bool, error) {
	plan, ok, err := s.GetPlan(planID)
	if err != nil || !ok {
		return nil, ok, err
	}
	actions, err := s.GetActions(planID)
	if err != nil {
		return nil, false, err
	}
	return &ExecutionState{Plan: plan, Actions: actions}, true, nil
}

// ─── GrantStore ──────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveGrant(g security.Grant) error {
	var expires any
	if g.ExpiresAt != nil {
		expires = g.ExpiresAt.UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO grants (permission, module_id, scope, granted_at, granted_by, reason, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(permission, module_id) DO UPDATE SET
			scope = excluded.scope,
			granted_at = excluded.granted_at,
			granted_by = excluded.granted_by,
			reason = excluded.reason,
			expires_at = excluded.expires_at`,
		g.Permission, g.ModuleID, string(g.Scope), g.GrantedAt.UTC(), g.GrantedBy, g.Reason, expires)
	if err != nil {
		return fmt.Errorf("saving grant %s/%s: %w", g.Permission, g.ModuleID, err)
	}
	return nil
}

func (s *sqliteStore) DeleteGrant(permission, moduleID string) error {
	_, err := s.db.Exec(`DELETE FROM grants WHERE permission = ? AND module_id = ?`, permission, moduleID)
	if err != nil {
		return fmt.Errorf("deleting grant %s/%s: %w", permission, moduleID, err)
	}
	return nil
}

func (s *sqliteStore) DeleteGrantsForModule(moduleID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM grants WHERE module_id = ?`, moduleID)
	if err != nil {
		return 0, fmt.Errorf("deleting grants for module %s: %w", moduleID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListGrants(moduleID string) ([]security.Grant, error) {
	query := `SELECT permission, module_id, scope, granted_at, granted_by, reason, expires_at FROM grants`
	args := []any{}
	if moduleID != "" {
		query += ` WHERE module_id = ?`
		args = append(args, moduleID)
	}
	query += ` ORDER BY granted_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	defer rows.Close()

	var out []security.Grant
	for rows.Next() {
		var (
			g       security.Grant
			scope   string
			expires sql.NullTime
		)
		if err := rows.Scan(&g.Permission, &g.ModuleID, &scope, &g.GrantedAt, &g.GrantedBy, &g.Reason, &expires); err != nil {
			return nil, err
		}
		g.Scope = security.GrantScope(scope)
		if expires.Valid {
			t := expires.Time
			g.ExpiresAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeSessionGrants() (int, error) {
	res, err := s.db.Exec(`DELETE FROM grants WHERE scope = 'session'`)
	if err != nil {
		return 0, fmt.Errorf("purging session grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ─── MemoryStore ─────────────────────────────────────────────────────────────

func (s *sqliteStore) MemoryGet(key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM memory WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading memory key %q: %w", key, err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("decoding memory key %q: %w", key, err)
	}
	return v, true, nil
}

func (s *sqliteStore) MemorySet(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding memory key %q: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO memory (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing memory key %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) MemoryDelete(key string) error {
	_, err := s.db.Exec(`DELETE FROM memory WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting memory key %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) MemoryKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM memory ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing memory keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func (s *sqliteStore) Ping() error { return s.db.Ping() }

func (s *sqliteStore) Close() error { return s.db.Close() }
