package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("LLMOS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// Config file is optional; defaults plus env vars are a full config.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no file, use defaults
		} else if os.IsNotExist(err) {
			// no file, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.sync_wait_seconds", defaults.Server.SyncWaitSeconds)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.retention_days", defaults.Database.RetentionDays)
	m.viper.SetDefault("database.sweep_interval_hours", defaults.Database.SweepIntervalHours)

	// Security defaults
	m.viper.SetDefault("security.profile", defaults.Security.Profile)
	m.viper.SetDefault("security.env_access", defaults.Security.EnvAccess)
	m.viper.SetDefault("security.auto_grant_low_risk", defaults.Security.AutoGrantLowRisk)
	m.viper.SetDefault("security.verifier.enabled", defaults.Security.Verifier.Enabled)
	m.viper.SetDefault("security.verifier.strict", defaults.Security.Verifier.Strict)
	m.viper.SetDefault("security.verifier.base_url", defaults.Security.Verifier.BaseURL)
	m.viper.SetDefault("security.verifier.model", defaults.Security.Verifier.Model)
	m.viper.SetDefault("security.verifier.timeout_seconds", defaults.Security.Verifier.TimeoutSeconds)
	m.viper.SetDefault("security.sanitizer.max_string_len", defaults.Security.Sanitizer.MaxStringLen)
	m.viper.SetDefault("security.sanitizer.max_depth", defaults.Security.Sanitizer.MaxDepth)
	m.viper.SetDefault("security.sanitizer.max_list_items", defaults.Security.Sanitizer.MaxListItems)
	m.viper.SetDefault("security.sanitizer.injection_scan", defaults.Security.Sanitizer.InjectionScan)

	// Approval defaults
	m.viper.SetDefault("approval.timeout_seconds", defaults.Approval.TimeoutSeconds)
	m.viper.SetDefault("approval.timeout_behavior", defaults.Approval.TimeoutBehavior)
	m.viper.SetDefault("approval.require_approval", defaults.Approval.RequireApproval)

	// Executor defaults
	m.viper.SetDefault("executor.max_concurrent_actions", defaults.Executor.MaxConcurrentActions)
	m.viper.SetDefault("executor.max_actions_per_plan", defaults.Executor.MaxActionsPerPlan)
	m.viper.SetDefault("executor.max_result_bytes", defaults.Executor.MaxResultBytes)
	m.viper.SetDefault("executor.cancel_grace_seconds", defaults.Executor.CancelGraceSeconds)
	m.viper.SetDefault("executor.rollback_max_depth", defaults.Executor.RollbackMaxDepth)

	// Events defaults
	m.viper.SetDefault("events.file_sink_enabled", defaults.Events.FileSinkEnabled)
	m.viper.SetDefault("events.file_sink_path", defaults.Events.FileSinkPath)
	m.viper.SetDefault("events.max_size_mb", defaults.Events.MaxSizeMB)
	m.viper.SetDefault("events.max_backups", defaults.Events.MaxBackups)
	m.viper.SetDefault("events.max_age_days", defaults.Events.MaxAgeDays)

	// Rate limit defaults
	m.viper.SetDefault("rate_limit.enabled", defaults.RateLimit.Enabled)
	m.viper.SetDefault("rate_limit.requests_per_minute", defaults.RateLimit.RequestsPerMinute)
	m.viper.SetDefault("rate_limit.burst", defaults.RateLimit.Burst)
	m.viper.SetDefault("rate_limit.backend", defaults.RateLimit.Backend)
	m.viper.SetDefault("rate_limit.redis_addr", defaults.RateLimit.RedisAddr)
	m.viper.SetDefault("rate_limit.redis_db", defaults.RateLimit.RedisDB)

	// Cache defaults
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)
	m.viper.SetDefault("cache.sweep_interval_seconds", defaults.Cache.SweepIntervalSeconds)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.SyncWaitSeconds = m.viper.GetInt("server.sync_wait_seconds")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.RetentionDays = m.viper.GetInt("database.retention_days")
	cfg.Database.SweepIntervalHours = m.viper.GetInt("database.sweep_interval_hours")

	// Security
	cfg.Security.Profile = m.viper.GetString("security.profile")
	cfg.Security.EnvAccess = m.viper.GetBool("security.env_access")
	cfg.Security.AutoGrantLowRisk = m.viper.GetBool("security.auto_grant_low_risk")
	cfg.Security.Verifier.Enabled = m.viper.GetBool("security.verifier.enabled")
	cfg.Security.Verifier.Strict = m.viper.GetBool("security.verifier.strict")
	cfg.Security.Verifier.BaseURL = m.viper.GetString("security.verifier.base_url")
	cfg.Security.Verifier.Model = m.viper.GetString("security.verifier.model")
	cfg.Security.Verifier.APIKey = m.viper.GetString("security.verifier.api_key")
	cfg.Security.Verifier.TimeoutSeconds = m.viper.GetInt("security.verifier.timeout_seconds")
	cfg.Security.Sanitizer.MaxStringLen = m.viper.GetInt("security.sanitizer.max_string_len")
	cfg.Security.Sanitizer.MaxDepth = m.viper.GetInt("security.sanitizer.max_depth")
	cfg.Security.Sanitizer.MaxListItems = m.viper.GetInt("security.sanitizer.max_list_items")
	cfg.Security.Sanitizer.InjectionScan = m.viper.GetBool("security.sanitizer.injection_scan")

	// Approval
	cfg.Approval.TimeoutSeconds = m.viper.GetInt("approval.timeout_seconds")
	cfg.Approval.TimeoutBehavior = m.viper.GetString("approval.timeout_behavior")
	cfg.Approval.RequireApproval = m.viper.GetStringSlice("approval.require_approval")

	// Executor
	cfg.Executor.MaxConcurrentActions = m.viper.GetInt("executor.max_concurrent_actions")
	cfg.Executor.MaxActionsPerPlan = m.viper.GetInt("executor.max_actions_per_plan")
	cfg.Executor.MaxResultBytes = m.viper.GetInt("executor.max_result_bytes")
	cfg.Executor.CancelGraceSeconds = m.viper.GetInt("executor.cancel_grace_seconds")
	cfg.Executor.RollbackMaxDepth = m.viper.GetInt("executor.rollback_max_depth")

	// Events
	cfg.Events.FileSinkEnabled = m.viper.GetBool("events.file_sink_enabled")
	cfg.Events.FileSinkPath = m.viper.GetString("events.file_sink_path")
	cfg.Events.MaxSizeMB = m.viper.GetInt("events.max_size_mb")
	cfg.Events.MaxBackups = m.viper.GetInt("events.max_backups")
	cfg.Events.MaxAgeDays = m.viper.GetInt("events.max_age_days")

	// Rate limit
	cfg.RateLimit.Enabled = m.viper.GetBool("rate_limit.enabled")
	cfg.RateLimit.RequestsPerMinute = m.viper.GetInt("rate_limit.requests_per_minute")
	cfg.RateLimit.Burst = m.viper.GetInt("rate_limit.burst")
	cfg.RateLimit.Backend = m.viper.GetString("rate_limit.backend")
	cfg.RateLimit.RedisAddr = m.viper.GetString("rate_limit.redis_addr")
	cfg.RateLimit.RedisDB = m.viper.GetInt("rate_limit.redis_db")

	// Cache
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")
	cfg.Cache.SweepIntervalSeconds = m.viper.GetInt("cache.sweep_interval_seconds")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// Verifier API key from environment
	if apiKey := os.Getenv("LLMOS_VERIFIER_API_KEY"); apiKey != "" {
		m.config.Security.Verifier.APIKey = apiKey
	}

	// Redis address from environment
	if addr := os.Getenv("LLMOS_REDIS_ADDR"); addr != "" {
		m.config.RateLimit.RedisAddr = addr
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("LLMOS_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}

	// Database path from environment
	if path := os.Getenv("LLMOS_DB_PATH"); path != "" {
		m.config.Database.SQLitePath = path
	}
}
