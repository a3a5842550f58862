package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8484
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.SyncWaitSeconds = 120

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/llmos/llmosd.db"
	cfg.Database.RetentionDays = 30
	cfg.Database.SweepIntervalHours = 1

	// Security defaults
	cfg.Security.Profile = "standard"
	cfg.Security.EnvAccess = false
	cfg.Security.AutoGrantLowRisk = true
	cfg.Security.Verifier.Enabled = false
	cfg.Security.Verifier.Strict = false
	cfg.Security.Verifier.BaseURL = "http://localhost:11434"
	cfg.Security.Verifier.Model = "llama3"
	cfg.Security.Verifier.TimeoutSeconds = 30
	cfg.Security.Sanitizer.MaxStringLen = 50000
	cfg.Security.Sanitizer.MaxDepth = 10
	cfg.Security.Sanitizer.MaxListItems = 1000
	cfg.Security.Sanitizer.InjectionScan = true

	// Approval defaults
	cfg.Approval.TimeoutSeconds = 300
	cfg.Approval.TimeoutBehavior = "reject"
	cfg.Approval.RequireApproval = nil

	// Executor defaults
	cfg.Executor.MaxConcurrentActions = 16
	cfg.Executor.MaxActionsPerPlan = 4
	cfg.Executor.MaxResultBytes = 262144
	cfg.Executor.CancelGraceSeconds = 5
	cfg.Executor.RollbackMaxDepth = 3

	// Events defaults
	cfg.Events.FileSinkEnabled = true
	cfg.Events.FileSinkPath = "logs/events.ndjson"
	cfg.Events.MaxSizeMB = 100
	cfg.Events.MaxBackups = 5
	cfg.Events.MaxAgeDays = 14

	// Rate limit defaults
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 120
	cfg.RateLimit.Burst = 30
	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.RedisAddr = "localhost:6379"
	cfg.RateLimit.RedisDB = 0

	// Cache defaults
	cfg.Cache.TTLSeconds = 300
	cfg.Cache.SweepIntervalSeconds = 60

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.AppLogPath = "logs/app.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
