package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogPlan logs plan lifecycle events
	LogPlanSubmitted(ctx context.Context, planID, user string) error
	LogPlanStarted(ctx context.Context, planID string) error
	LogPlanFinished(ctx context.Context, planID string, eventType EventType, duration time.Duration) error

	// LogAction logs action lifecycle events
	LogActionStarted(ctx context.Context, planID, actionID, module, action string) error
	LogActionCompleted(ctx context.Context, planID, actionID, module, action string, duration time.Duration) error
	LogActionFailed(ctx context.Context, planID, actionID, module, action string, err error) error
	LogActionRolledBack(ctx context.Context, planID, actionID, rollbackAction string) error

	// LogApproval logs approval gate events
	LogApprovalRequested(ctx context.Context, planID, actionID, reason string) error
	LogApprovalDecided(ctx context.Context, planID, actionID, decision, approver string) error

	// LogSecurity logs security pipeline and permission events
	LogSecurityRejected(ctx context.Context, planID, source, reason string) error
	LogPermissionDenied(ctx context.Context, module, permission string) error

	// AppLogger returns the structured application logger
	AppLogger() *zap.Logger

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Application logger with rotation
	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit trail with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	auditZapLogger := zap.New(auditCore)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("plan_id", event.PlanID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogPlanSubmitted logs when a plan is accepted for execution
func (l *auditLogger) LogPlanSubmitted(ctx context.Context, planID, user string) error {
	event := NewEvent(EventPlanSubmitted).
		WithPlan(planID).
		WithUser(user).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Plan %s submitted", planID))

	return l.Log(ctx, event)
}

// LogPlanStarted logs when execution of a plan begins
func (l *auditLogger) LogPlanStarted(ctx context.Context, planID string) error {
	event := NewEvent(EventPlanStarted).
		WithPlan(planID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Plan %s started", planID))

	return l.Log(ctx, event)
}

// LogPlanFinished logs the terminal event of a plan (completed, failed, or
// cancelled, per eventType)
func (l *auditLogger) LogPlanFinished(ctx context.Context, planID string, eventType EventType, duration time.Duration) error {
	result := ResultSuccess
	if eventType != EventPlanCompleted {
		result = ResultFailure
	}
	event := NewEvent(eventType).
		WithPlan(planID).
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Plan %s finished: %s", planID, eventType))

	return l.Log(ctx, event)
}

// LogActionStarted logs when an action is dispatched
func (l *auditLogger) LogActionStarted(ctx context.Context, planID, actionID, module, action string) error {
	event := NewEvent(EventActionStarted).
		WithPlan(planID).
		WithAction(actionID, module, action).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Action %s (%s.%s) started", actionID, module, action))

	return l.Log(ctx, event)
}

// LogActionCompleted logs a successful action
func (l *auditLogger) LogActionCompleted(ctx context.Context, planID, actionID, module, action string, duration time.Duration) error {
	event := NewEvent(EventActionCompleted).
		WithPlan(planID).
		WithAction(actionID, module, action).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Action %s (%s.%s) completed", actionID, module, action))

	return l.Log(ctx, event)
}

// LogActionFailed logs a failed action
func (l *auditLogger) LogActionFailed(ctx context.Context, planID, actionID, module, action string, err error) error {
	event := NewEvent(EventActionFailed).
		WithPlan(planID).
		WithAction(actionID, module, action).
		WithError(err, "action_execution_failed").
		WithDescription(fmt.Sprintf("Action %s (%s.%s) failed", actionID, module, action))

	return l.Log(ctx, event)
}

// LogActionRolledBack logs a compensating rollback
func (l *auditLogger) LogActionRolledBack(ctx context.Context, planID, actionID, rollbackAction string) error {
	event := NewEvent(EventActionRolledBack).
		WithPlan(planID).
		WithAction(actionID, "", "").
		WithResult(ResultSuccess).
		WithMetadata("rollback_action", rollbackAction).
		WithDescription(fmt.Sprintf("Action %s rolled back via %s", actionID, rollbackAction))

	return l.Log(ctx, event)
}

// LogApprovalRequested logs when an action suspends on the approval gate
func (l *auditLogger) LogApprovalRequested(ctx context.Context, planID, actionID, reason string) error {
	event := NewEvent(EventApprovalRequested).
		WithPlan(planID).
		WithAction(actionID, "", "").
		WithResult(ResultPending).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Approval requested for action %s", actionID))

	return l.Log(ctx, event)
}

// LogApprovalDecided logs a decision arriving at the gate
func (l *auditLogger) LogApprovalDecided(ctx context.Context, planID, actionID, decision, approver string) error {
	result := ResultSuccess
	if decision == "reject" {
		result = ResultDenied
	}
	event := NewEvent(EventApprovalDecided).
		WithPlan(planID).
		WithAction(actionID, "", "").
		WithUser(approver).
		WithResult(result).
		WithMetadata("decision", decision).
		WithDescription(fmt.Sprintf("Approval for action %s decided: %s", actionID, decision))

	return l.Log(ctx, event)
}

// LogSecurityRejected logs a security pipeline rejection
func (l *auditLogger) LogSecurityRejected(ctx context.Context, planID, source, reason string) error {
	event := NewEvent(EventSecurityRejected).
		WithPlan(planID).
		WithResult(ResultDenied).
		WithMetadata("source", source).
		WithDescription(fmt.Sprintf("Plan %s rejected by %s: %s", planID, source, reason))

	return l.Log(ctx, event)
}

// LogPermissionDenied logs a permission check failure
func (l *auditLogger) LogPermissionDenied(ctx context.Context, module, permission string) error {
	event := NewEvent(EventPermissionDenied).
		WithResult(ResultDenied).
		WithMetadata("module", module).
		WithMetadata("permission", permission).
		WithDescription(fmt.Sprintf("Permission %s denied for module %s", permission, module))

	return l.Log(ctx, event)
}

// AppLogger returns the structured application logger
func (l *auditLogger) AppLogger() *zap.Logger {
	return l.appLogger
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	if err := l.Sync(); err != nil {
		return err
	}

	return nil
}
