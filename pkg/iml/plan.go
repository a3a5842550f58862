// Package iml defines the wire model for the Intent Markup Language (IML):
// the JSON plan protocol that agents use to describe work for the daemon.
//
// A Plan is a DAG of Actions. Each Action names a capability module, an
// operation within it, and a parameter map that may contain template
// expressions resolved at execution time. The types here are pure data;
// parsing, migration, and validation live in internal/protocol.
package iml

import (
	"encoding/json"
	"regexp"
)

// CurrentProtocolVersion is the protocol version produced by migration and
// expected by the executor.
const CurrentProtocolVersion = "2.0"

// ─── Enums ───────────────────────────────────────────────────────────────────

// ExecutionMode controls how independent actions are scheduled.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// OnError is the per-action failure policy.
type OnError string

const (
	OnErrorAbort    OnError = "abort"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
	OnErrorRollback OnError = "rollback"
	OnErrorSkip     OnError = "skip"
)

// RiskLevel classifies actions and permissions.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// rank orders risk levels for comparisons; unknown levels rank as medium.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 1
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(other RiskLevel) bool { return r.rank() >= other.rank() }

// Max returns the higher of two risk levels.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.rank() > r.rank() {
		return other
	}
	return r
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCancelled
}

// ActionStatus is the lifecycle state of a single action.
type ActionStatus string

const (
	ActionPending          ActionStatus = "pending"
	ActionWaiting          ActionStatus = "waiting"
	ActionRunning          ActionStatus = "running"
	ActionAwaitingApproval ActionStatus = "awaiting_approval"
	ActionCompleted        ActionStatus = "completed"
	ActionFailed           ActionStatus = "failed"
	ActionSkipped          ActionStatus = "skipped"
	ActionRolledBack       ActionStatus = "rolled_back"
)

// Terminal reports whether the status is final.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionSkipped, ActionRolledBack:
		return true
	}
	return false
}

// TimeoutBehavior selects the synthetic decision on approval timeout.
type TimeoutBehavior string

const (
	TimeoutReject TimeoutBehavior = "reject"
	TimeoutSkip   TimeoutBehavior = "skip"
)

// ─── Identifier grammar ──────────────────────────────────────────────────────

var (
	// IDPattern constrains plan and action identifiers.
	IDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	// NamePattern constrains module identifiers and action operation names.
	NamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ─── Action sub-specs ────────────────────────────────────────────────────────

// RetrySpec configures the retry policy for on_error=retry.
type RetrySpec struct {
	MaxAttempts   int      `json:"max_attempts"`
	DelaySeconds  float64  `json:"delay_seconds"`
	BackoffFactor float64  `json:"backoff_factor"`
	RetryOn       []string `json:"retry_on,omitempty"`
}

// Delay returns the pause before the given 1-based attempt number.
func (r RetrySpec) Delay(attempt int) float64 {
	delay := r.DelaySeconds
	if delay <= 0 {
		delay = 1
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		delay *= factor
	}
	return delay
}

// RollbackRef names a compensating action within the same plan, with
// optional parameter overrides applied on top of that action's params.
type RollbackRef struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// PerceptionSpec carries capability-adjacent perception directives. The
// scheduler passes them through to the capability untouched.
type PerceptionSpec struct {
	CaptureBefore  bool    `json:"capture_before,omitempty"`
	CaptureAfter   bool    `json:"capture_after,omitempty"`
	OCREnabled     bool    `json:"ocr_enabled,omitempty"`
	ValidateOutput string  `json:"validate_output,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// MemorySpec declares key-value memory interactions for an action.
type MemorySpec struct {
	ReadKeys []string `json:"read_keys,omitempty"`
	WriteKey string   `json:"write_key,omitempty"`
}

// ApprovalSpec customizes the human approval request for an action.
type ApprovalSpec struct {
	Message              string          `json:"message,omitempty"`
	RiskLevel            RiskLevel       `json:"risk_level,omitempty"`
	TimeoutSeconds       float64         `json:"timeout_seconds,omitempty"`
	TimeoutBehavior      TimeoutBehavior `json:"timeout_behavior,omitempty"`
	ClarificationOptions []string        `json:"clarification_options,omitempty"`
}

// ─── Action ──────────────────────────────────────────────────────────────────

// Action is one node in a plan: a capability invocation with params,
// dependencies, and an error policy.
type Action struct {
	ID               string          `json:"id"`
	Module           string          `json:"module"`
	Action           string          `json:"action"`
	Params           map[string]any  `json:"params,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	OnError          OnError         `json:"on_error,omitempty"`
	TimeoutSeconds   float64         `json:"timeout,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	Retry            *RetrySpec      `json:"retry,omitempty"`
	Rollback         *RollbackRef    `json:"rollback,omitempty"`
	Perception       *PerceptionSpec `json:"perception,omitempty"`
	Memory           *MemorySpec     `json:"memory,omitempty"`
	Approval         *ApprovalSpec   `json:"approval,omitempty"`
	Label            string          `json:"label,omitempty"`
	Tags             []string        `json:"tags,omitempty"`

	// TargetNode is reserved for a future multi-node dispatcher. It must be
	// empty or "local"; no other value is accepted.
	TargetNode string `json:"target_node,omitempty"`
}

// EffectiveTimeout returns the action timeout in seconds, defaulting to 60.
func (a *Action) EffectiveTimeout() float64 {
	if a.TimeoutSeconds > 0 {
		return a.TimeoutSeconds
	}
	return 60
}

// MaxAttempts returns the total attempt budget (first try included).
func (a *Action) MaxAttempts() int {
	if a.OnError != OnErrorRetry || a.Retry == nil || a.Retry.MaxAttempts < 1 {
		return 1
	}
	return a.Retry.MaxAttempts
}

// ─── Plan ────────────────────────────────────────────────────────────────────

// Plan is a declarative document describing a DAG of actions. It is
// immutable once submitted.
type Plan struct {
	PlanID             string            `json:"plan_id"`
	ProtocolVersion    string            `json:"protocol_version"`
	Description        string            `json:"description,omitempty"`
	SessionID          string            `json:"session_id,omitempty"`
	ExecutionMode      ExecutionMode     `json:"execution_mode,omitempty"`
	TimeoutSeconds     float64           `json:"timeout,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	ModuleRequirements map[string]string `json:"module_requirements,omitempty"`
	Actions            []Action          `json:"actions"`
}

// GetAction returns the action with the given id, or nil.
func (p *Plan) GetAction(id string) *Action {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i]
		}
	}
	return nil
}

// Mode returns the execution mode, defaulting to sequential.
func (p *Plan) Mode() ExecutionMode {
	if p.ExecutionMode == ModeParallel {
		return ModeParallel
	}
	return ModeSequential
}

// Clone returns a deep copy of the plan via JSON round-trip. Used when a
// caller needs to mutate params (approval modify) without touching the
// submitted document.
func (p *Plan) Clone() (*Plan, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out Plan
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
