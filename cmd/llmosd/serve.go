package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/approval"
	"github.com/llmos/llmosd/internal/audit"
	"github.com/llmos/llmosd/internal/cache"
	"github.com/llmos/llmosd/internal/capability"
	"github.com/llmos/llmosd/internal/capability/builtin"
	"github.com/llmos/llmosd/internal/config"
	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/executor"
	"github.com/llmos/llmosd/internal/llm"
	"github.com/llmos/llmosd/internal/metrics"
	"github.com/llmos/llmosd/internal/protocol"
	"github.com/llmos/llmosd/internal/security"
	"github.com/llmos/llmosd/internal/server"
	"github.com/llmos/llmosd/internal/state"
	"github.com/llmos/llmosd/pkg/iml"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.llmos/config.yaml)")
	return cmd
}

func runServe(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Configuration ───────────────────────────────────────────────────

	var mgr config.ConfigManager
	var err error
	if configPath != "" {
		mgr, err = config.NewConfigManager(configPath)
	} else {
		mgr, err = config.NewConfigManagerWithDefaults()
	}
	if err != nil {
		return fmt.Errorf("creating config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	// ─── Logging ─────────────────────────────────────────────────────────

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		LogLevel:     cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("creating audit logger: %w", err)
	}
	defer auditLog.Close()
	log := auditLog.AppLogger()

	// ─── State ───────────────────────────────────────────────────────────

	if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	store, err := state.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	sweeper := state.NewSweeper(store, log,
		time.Duration(cfg.Database.SweepIntervalHours)*time.Hour,
		time.Duration(cfg.Database.RetentionDays)*24*time.Hour)
	go sweeper.Run(ctx)

	// ─── Security pipeline ───────────────────────────────────────────────

	prompts := cache.New(time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second)
	defer prompts.Close()

	categories := security.NewCategoryRegistry()

	var verifierClient security.VerifierClient
	if cfg.Security.Verifier.Enabled {
		verifierClient = llm.New(
			cfg.Security.Verifier.BaseURL,
			cfg.Security.Verifier.Model,
			cfg.Security.Verifier.APIKey,
			time.Duration(cfg.Security.Verifier.TimeoutSeconds)*time.Second,
		)
	}
	verifier := security.NewVerifier(verifierClient, categories, prompts, log,
		cfg.Security.Verifier.Strict,
		time.Duration(cfg.Security.Verifier.TimeoutSeconds)*time.Second)

	chain := security.NewChain(security.NewPatternScanner())

	sanitizer := security.NewSanitizer(
		cfg.Security.Sanitizer.MaxStringLen,
		cfg.Security.Sanitizer.MaxDepth,
		cfg.Security.Sanitizer.MaxListItems,
		cfg.Security.Sanitizer.InjectionScan,
		log)

	perms, err := security.NewPermissionManager(store, log, cfg.Security.AutoGrantLowRisk)
	if err != nil {
		return fmt.Errorf("creating permission manager: %w", err)
	}

	gate := approval.NewGate()

	// ─── Capabilities ────────────────────────────────────────────────────

	// Host-specific modules (filesystem, processes, GUI) register here
	// alongside the always-present system module.
	registry := capability.NewRegistry()
	if err := registry.Rebuild([]capability.Capability{
		builtin.NewSystem(version),
	}); err != nil {
		return fmt.Errorf("registering capability modules: %w", err)
	}
	log.Info("capability modules registered", zap.Strings("modules", registry.Modules()))

	// ─── Events ──────────────────────────────────────────────────────────

	bus := events.NewBus(log, func(topic string) {
		metrics.EventsDropped.WithLabelValues(topic).Inc()
	})

	var sink *events.FileSink
	if cfg.Events.FileSinkEnabled {
		sink = events.NewFileSink(bus, cfg.Events.FileSinkPath,
			cfg.Events.MaxSizeMB, cfg.Events.MaxBackups, cfg.Events.MaxAgeDays, log)
		defer sink.Close()
	}

	// ─── Executor ────────────────────────────────────────────────────────

	exec := executor.New(executor.Config{
		MaxConcurrentActions:    cfg.Executor.MaxConcurrentActions,
		MaxActionsPerPlan:       cfg.Executor.MaxActionsPerPlan,
		MaxResultBytes:          cfg.Executor.MaxResultBytes,
		EnvAccess:               cfg.EnvAccessAllowed(),
		RequireApproval:         cfg.Approval.RequireApproval,
		ApprovalTimeout:         time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
		ApprovalTimeoutBehavior: iml.TimeoutBehavior(cfg.Approval.TimeoutBehavior),
		CancelGracePeriod:       time.Duration(cfg.Executor.CancelGraceSeconds) * time.Second,
		RollbackMaxDepth:        cfg.Executor.RollbackMaxDepth,
	}, registry, store, perms, gate, chain, verifier, sanitizer, auditLog, bus, log)

	// ─── HTTP surface ────────────────────────────────────────────────────

	srv, err := server.New(server.Deps{
		Config:     cfg,
		Parser:     protocol.NewParser(registry),
		Executor:   exec,
		Store:      store,
		Registry:   registry,
		Gate:       gate,
		Perms:      perms,
		Categories: categories,
		Bus:        bus,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	// Config file changes are picked up for observability; most settings
	// require a restart to take effect and are only logged here.
	go func() {
		for range mgr.Watch(ctx) {
			log.Info("config file changed; restart to apply new settings")
		}
	}()

	log.Info("llmosd started",
		zap.String("version", version),
		zap.String("profile", cfg.Security.Profile),
		zap.Bool("verifier", cfg.Security.Verifier.Enabled),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")

	if err := srv.Stop(); err != nil {
		log.Warn("stopping server", zap.Error(err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := exec.Shutdown(drainCtx); err != nil {
		log.Warn("executor shutdown", zap.Error(err))
	}

	log.Info("llmosd stopped")
	return nil
}
