// Package state is the durable persistence layer: plans, per-action
// execution records, permission grants, and the key-value memory exposed
// to templates. Backed by embedded SQLite with versioned migrations.
package state

import (
	"time"

	"github.com/llmos/llmosd/internal/security"
	"github.com/llmos/llmosd/pkg/iml"
)

// ─── Records ─────────────────────────────────────────────────────────────────

// PlanRecord is the durable projection of a plan's execution state.
type PlanRecord struct {
	PlanID           string         `json:"plan_id"`
	Status           iml.PlanStatus `json:"status"`
	Description      string         `json:"description,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Document         map[string]any `json:"document,omitempty"`
	RejectionDetails map[string]any `json:"rejection_details,omitempty"`
}

// ActionRecord is the durable projection of one action's state.
type ActionRecord struct {
	PlanID           string           `json:"plan_id"`
	ActionID         string           `json:"action_id"`
	Status           iml.ActionStatus `json:"status"`
	Module           string           `json:"module"`
	Action           string           `json:"action"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
	Result           any              `json:"result,omitempty"`
	Error            string           `json:"error,omitempty"`
	Attempt          int              `json:"attempt"`
	ApprovalMetadata map[string]any   `json:"approval_metadata,omitempty"`
}

// ExecutionState is the full projection served to clients.
type ExecutionState struct {
	Plan    PlanRecord     `json:"plan"`
	Actions []ActionRecord `json:"actions"`
}

// AllSettled reports whether every action ended in completed or skipped
// (the condition for a completed plan).
func (s *ExecutionState) AllSettled() bool {
	for _, a := range s.Actions {
		if a.Status != iml.ActionCompleted && a.Status != iml.ActionSkipped {
			return false
		}
	}
	return true
}

// ─── Store interfaces ────────────────────────────────────────────────────────

// PlanStore persists plan-level records.
type PlanStore interface {
	CreatePlan(rec PlanRecord) error
	UpdatePlanStatus(planID string, status iml.PlanStatus) error
	SetRejectionDetails(planID string, details map[string]any) error
	GetPlan(planID string) (PlanRecord, bool, error)
	ListPlans(status iml.PlanStatus, limit int) ([]PlanRecord, error)
	PurgeTerminalPlansBefore(cutoff time.Time) (int, error)
}

// ActionStore persists per-action records.
type ActionStore interface {
	CreateActions(planID string, recs []ActionRecord) error
	UpdateAction(rec ActionRecord) error
	GetActions(planID string) ([]ActionRecord, error)
}

// MemoryStore is the key-value memory surface used by templates and the
// executor's read_keys/write_key directives.
type MemoryStore interface {
	MemoryGet(key string) (any, bool, error)
	MemorySet(key string, value any) error
	MemoryDelete(key string) error
	MemoryKeys() ([]string, error)
}

// Store composes the persistence surfaces the daemon needs.
type Store interface {
	PlanStore
	ActionStore
	MemoryStore
	security.GrantStore

	GetExecutionState(planID string) (*ExecutionState, bool, error)
	Ping() error
	Close() error
}
