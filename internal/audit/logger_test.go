package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestConfig(t *testing.T) *Config {
	tmpDir := t.TempDir()
	return &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		LogLevel:     "info",
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	config := newTestConfig(t)
	config.LogLevel = "invalid"

	_, err := NewLogger(config)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}

	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}

	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}

	if config.LogLevel != "info" {
		t.Errorf("Expected log level 'info', got %s", config.LogLevel)
	}
}

func TestLogEvent(t *testing.T) {
	config := newTestConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	event := NewEvent(EventPlanStarted).
		WithPlan("plan-123").
		WithUser("test-user").
		WithResult(ResultSuccess)

	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	if !strings.Contains(logContent, "plan-123") {
		t.Error("Log does not contain plan ID")
	}

	if !strings.Contains(logContent, "plan.started") {
		t.Error("Log does not contain event type")
	}

	if !strings.Contains(logContent, "test-user") {
		t.Error("Log does not contain user")
	}
}

func TestLogPlanLifecycle(t *testing.T) {
	config := newTestConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	planID := "plan-456"

	if err := logger.LogPlanSubmitted(ctx, planID, "agent"); err != nil {
		t.Fatalf("LogPlanSubmitted failed: %v", err)
	}

	if err := logger.LogPlanStarted(ctx, planID); err != nil {
		t.Fatalf("LogPlanStarted failed: %v", err)
	}

	if err := logger.LogPlanFinished(ctx, planID, EventPlanCompleted, 5*time.Second); err != nil {
		t.Fatalf("LogPlanFinished failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	for _, want := range []string{planID, "plan.submitted", "plan.started", "plan.completed"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogActionLifecycle(t *testing.T) {
	config := newTestConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()

	if err := logger.LogActionStarted(ctx, "plan-1", "a1", "filesystem", "read_file"); err != nil {
		t.Fatalf("LogActionStarted failed: %v", err)
	}

	if err := logger.LogApprovalDecided(ctx, "plan-1", "a1", "approve", "admin"); err != nil {
		t.Fatalf("LogApprovalDecided failed: %v", err)
	}

	if err := logger.LogActionCompleted(ctx, "plan-1", "a1", "filesystem", "read_file", 2*time.Second); err != nil {
		t.Fatalf("LogActionCompleted failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	for _, want := range []string{"action.started", "approval.decided", "action.completed", "admin"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogSecurityRejected(t *testing.T) {
	config := newTestConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()

	if err := logger.LogSecurityRejected(ctx, "plan-9", "scanner_pipeline", "injection pattern"); err != nil {
		t.Fatalf("LogSecurityRejected failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	if !strings.Contains(logContent, "security.rejected") {
		t.Error("Log does not contain security rejection event")
	}

	if !strings.Contains(logContent, "scanner_pipeline") {
		t.Error("Log does not contain rejection source")
	}

	if !strings.Contains(logContent, "denied") {
		t.Error("Log does not contain denied result")
	}
}

func TestBufferAutoFlush(t *testing.T) {
	config := newTestConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := NewEvent(EventActionCompleted).
			WithPlan("plan-flush").
			WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Wait for auto-flush (1 second ticker)
	time.Sleep(1500 * time.Millisecond)

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	if len(content) == 0 {
		t.Error("Audit log is empty after auto-flush")
	}
}

func TestBufferFullFlush(t *testing.T) {
	config := newTestConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()

	// 100+ events trigger the size-based flush
	for i := 0; i < 105; i++ {
		event := NewEvent(EventActionCompleted).
			WithPlan("plan-full").
			WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	lines := strings.Split(string(content), "\n")
	eventCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}

	if eventCount < 105 {
		t.Errorf("Expected at least 105 events, got %d", eventCount)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventActionCompleted).
		WithPlan("plan-777").
		WithUser("admin").
		WithAction("a1", "filesystem", "write_file").
		WithDescription("Writing report").
		WithResult(ResultSuccess).
		WithDuration(3 * time.Second).
		WithMetadata("reason", "scheduled export")

	if event.PlanID != "plan-777" {
		t.Errorf("Expected plan ID 'plan-777', got %s", event.PlanID)
	}

	if event.User != "admin" {
		t.Errorf("Expected user 'admin', got %s", event.User)
	}

	if event.ActionID != "a1" || event.Module != "filesystem" || event.Action != "write_file" {
		t.Errorf("Action fields not set: %+v", event)
	}

	if event.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", event.Result)
	}

	if event.DurationMs != 3000 {
		t.Errorf("Expected duration 3000ms, got %d", event.DurationMs)
	}

	if reason, ok := event.Metadata["reason"].(string); !ok || reason != "scheduled export" {
		t.Errorf("Expected metadata reason 'scheduled export', got %v", event.Metadata["reason"])
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventPlanSubmitted).
		WithPlan("plan-789").
		WithUser("system").
		WithResult(ResultSuccess)

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	if decoded.PlanID != "plan-789" {
		t.Errorf("Expected plan ID 'plan-789', got %s", decoded.PlanID)
	}

	if decoded.EventType != EventPlanSubmitted {
		t.Errorf("Expected event type 'plan.submitted', got %s", decoded.EventType)
	}

	if decoded.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", decoded.Result)
	}
}
