package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	if c.Server.SyncWaitSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.sync_wait_seconds",
			Message: fmt.Sprintf("sync_wait_seconds must be at least 1, got %d", c.Server.SyncWaitSeconds),
		})
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	if c.Database.RetentionDays < 0 {
		errs = append(errs, &ValidationError{
			Field:   "database.retention_days",
			Message: fmt.Sprintf("retention_days cannot be negative, got %d", c.Database.RetentionDays),
		})
	}

	// Validate security configuration
	validProfiles := map[string]bool{
		"permissive": true,
		"standard":   true,
		"restricted": true,
	}
	if !validProfiles[c.Security.Profile] {
		errs = append(errs, &ValidationError{
			Field:   "security.profile",
			Message: fmt.Sprintf("invalid profile '%s', must be one of: permissive, standard, restricted", c.Security.Profile),
		})
	}

	if c.Security.Verifier.Enabled {
		if c.Security.Verifier.BaseURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "security.verifier.base_url",
				Message: "base_url is required when the verifier is enabled",
			})
		}
		if c.Security.Verifier.Model == "" {
			errs = append(errs, &ValidationError{
				Field:   "security.verifier.model",
				Message: "model is required when the verifier is enabled",
			})
		}
		if c.Security.Verifier.TimeoutSeconds < 1 {
			errs = append(errs, &ValidationError{
				Field:   "security.verifier.timeout_seconds",
				Message: fmt.Sprintf("timeout_seconds must be at least 1, got %d", c.Security.Verifier.TimeoutSeconds),
			})
		}
	}

	// Validate approval configuration
	if c.Approval.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "approval.timeout_seconds",
			Message: fmt.Sprintf("timeout_seconds must be at least 1, got %d", c.Approval.TimeoutSeconds),
		})
	}

	validBehaviors := map[string]bool{
		"reject": true,
		"skip":   true,
	}
	if !validBehaviors[c.Approval.TimeoutBehavior] {
		errs = append(errs, &ValidationError{
			Field:   "approval.timeout_behavior",
			Message: fmt.Sprintf("invalid timeout_behavior '%s', must be one of: reject, skip", c.Approval.TimeoutBehavior),
		})
	}

	for _, entry := range c.Approval.RequireApproval {
		parts := strings.Split(entry, ".")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			errs = append(errs, &ValidationError{
				Field:   "approval.require_approval",
				Message: fmt.Sprintf("entry %q must look like 'module.action' or 'module.*'", entry),
			})
		}
	}

	// Validate executor configuration
	if c.Executor.MaxConcurrentActions < 1 {
		errs = append(errs, &ValidationError{
			Field:   "executor.max_concurrent_actions",
			Message: fmt.Sprintf("max_concurrent_actions must be at least 1, got %d", c.Executor.MaxConcurrentActions),
		})
	}

	if c.Executor.MaxActionsPerPlan < 1 {
		errs = append(errs, &ValidationError{
			Field:   "executor.max_actions_per_plan",
			Message: fmt.Sprintf("max_actions_per_plan must be at least 1, got %d", c.Executor.MaxActionsPerPlan),
		})
	}

	if c.Executor.MaxResultBytes < 0 {
		errs = append(errs, &ValidationError{
			Field:   "executor.max_result_bytes",
			Message: fmt.Sprintf("max_result_bytes cannot be negative, got %d", c.Executor.MaxResultBytes),
		})
	}

	if c.Executor.RollbackMaxDepth < 1 {
		errs = append(errs, &ValidationError{
			Field:   "executor.rollback_max_depth",
			Message: fmt.Sprintf("rollback_max_depth must be at least 1, got %d", c.Executor.RollbackMaxDepth),
		})
	}

	// Validate events configuration
	if c.Events.FileSinkEnabled && c.Events.FileSinkPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "events.file_sink_path",
			Message: "file_sink_path is required when file_sink_enabled is true",
		})
	}

	// Validate rate limit configuration
	validBackends := map[string]bool{
		"memory": true,
		"redis":  true,
	}
	if !validBackends[c.RateLimit.Backend] {
		errs = append(errs, &ValidationError{
			Field:   "rate_limit.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: memory, redis", c.RateLimit.Backend),
		})
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, &ValidationError{
			Field:   "rate_limit.requests_per_minute",
			Message: fmt.Sprintf("requests_per_minute must be at least 1, got %d", c.RateLimit.RequestsPerMinute),
		})
	}

	if c.RateLimit.Backend == "redis" {
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, &ValidationError{
				Field:   "rate_limit.redis_addr",
				Message: "redis_addr is required when backend is redis",
			})
		} else {
			host, port, err := net.SplitHostPort(c.RateLimit.RedisAddr)
			if err != nil {
				errs = append(errs, &ValidationError{
					Field:   "rate_limit.redis_addr",
					Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
				})
			} else if host == "" || port == "" {
				errs = append(errs, &ValidationError{
					Field:   "rate_limit.redis_addr",
					Message: "redis host and port cannot be empty",
				})
			}
		}
	}

	// Validate cache configuration
	if c.Cache.TTLSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "cache.ttl_seconds",
			Message: fmt.Sprintf("ttl_seconds cannot be negative, got %d", c.Cache.TTLSeconds),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	return errs
}
