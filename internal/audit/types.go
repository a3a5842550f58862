package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Plan lifecycle events
	EventPlanSubmitted EventType = "plan.submitted"
	EventPlanStarted   EventType = "plan.started"
	EventPlanCompleted EventType = "plan.completed"
	EventPlanFailed    EventType = "plan.failed"
	EventPlanCancelled EventType = "plan.cancelled"

	// Action lifecycle events
	EventActionRequested  EventType = "action.requested"
	EventActionStarted    EventType = "action.started"
	EventActionCompleted  EventType = "action.completed"
	EventActionFailed     EventType = "action.failed"
	EventActionSkipped    EventType = "action.skipped"
	EventActionRolledBack EventType = "action.rolled_back"

	// Approval events
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalDecided   EventType = "approval.decided"

	// Security events
	EventSecurityRejected  EventType = "security.rejected"
	EventSecurityWarned    EventType = "security.warned"
	EventPermissionGranted EventType = "permission.granted"
	EventPermissionDenied  EventType = "permission.denied"
	EventPermissionRevoked EventType = "permission.revoked"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
	EventConfigReload   EventType = "system.config_reload"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp time.Time `json:"timestamp"`
	PlanID    string    `json:"plan_id,omitempty"`
	EventType EventType `json:"event_type"`
	Result    Result    `json:"result"`

	// Actor information
	User     string `json:"user,omitempty"`
	SourceIP string `json:"source_ip,omitempty"`

	// Action details
	ActionID    string                 `json:"action_id,omitempty"`
	Module      string                 `json:"module,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithPlan sets the plan this event belongs to
func (e *Event) WithPlan(planID string) *Event {
	e.PlanID = planID
	return e
}

// WithUser sets the user who triggered the event
func (e *Event) WithUser(user string) *Event {
	e.User = user
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(actionID, module, action string) *Event {
	e.ActionID = actionID
	e.Module = module
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
