package config

import (
	"context"
	"os"
	"path/filepath"
)

// Package config provides configuration management for llmosd.
//
// Configuration sources (priority order, high to low):
//  1. CLI flags (highest priority)
//  2. Environment variables (LLMOS_* prefix)
//  3. YAML config files (default: ~/.llmos/config.yaml)
//  4. Built-in defaults (lowest priority)

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host        string
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// SyncWaitSeconds is how long a synchronous submission blocks before
		// advising async mode.
		SyncWaitSeconds int
	}

	// Database configuration
	Database struct {
		SQLitePath         string
		RetentionDays      int // terminal plans older than this are purged; 0 disables
		SweepIntervalHours int
	}

	// Security configuration
	Security struct {
		// Profile selects the baseline posture: permissive, standard, or
		// restricted. Restricted disables the env template namespace
		// regardless of EnvAccess.
		Profile          string
		EnvAccess        bool
		AutoGrantLowRisk bool

		Verifier struct {
			Enabled        bool
			Strict         bool
			BaseURL        string
			Model          string
			APIKey         string
			TimeoutSeconds int
		}

		Sanitizer struct {
			MaxStringLen  int
			MaxDepth      int
			MaxListItems  int
			InjectionScan bool
		}
	}

	// Approval configuration
	Approval struct {
		TimeoutSeconds  int
		TimeoutBehavior string // reject or skip
		// RequireApproval lists "module.action" (or "module.*") pairs that
		// always go through the approval gate.
		RequireApproval []string
	}

	// Executor configuration
	Executor struct {
		MaxConcurrentActions int
		MaxActionsPerPlan    int
		MaxResultBytes       int
		CancelGraceSeconds   int
		RollbackMaxDepth     int
	}

	// Events configuration
	Events struct {
		FileSinkEnabled bool
		FileSinkPath    string
		MaxSizeMB       int
		MaxBackups      int
		MaxAgeDays      int
	}

	// RateLimit configuration
	RateLimit struct {
		Enabled           bool
		RequestsPerMinute int
		Burst             int
		Backend           string // memory or redis
		RedisAddr         string
		RedisDB           int
	}

	// Cache configuration
	Cache struct {
		TTLSeconds           int
		SweepIntervalSeconds int
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string
		AuditLogPath string
		AppLogPath   string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}
}

// EnvAccessAllowed resolves the env template namespace gate against the
// profile: the restricted profile wins over the flag.
func (c *Config) EnvAccessAllowed() bool {
	return c.Security.EnvAccess && c.Security.Profile != "restricted"
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager reading the user's
// config file, falling back to the system path when no home dir resolves.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return NewConfigManager("/etc/llmos/config.yaml")
	}
	return NewConfigManager(filepath.Join(home, ".llmos", "config.yaml"))
}
