// Package server is the daemon's HTTP and WebSocket surface. It exposes
// plan submission and inspection, approval decisions, capability
// manifests, permission grants, scanner category toggles, the live event
// stream, health, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/approval"
	"github.com/llmos/llmosd/internal/capability"
	"github.com/llmos/llmosd/internal/config"
	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/executor"
	"github.com/llmos/llmosd/internal/middleware"
	"github.com/llmos/llmosd/internal/protocol"
	"github.com/llmos/llmosd/internal/security"
	"github.com/llmos/llmosd/internal/state"
)

// Deps carries the daemon components the server dispatches into.
type Deps struct {
	Config     *config.Config
	Parser     *protocol.Parser
	Executor   *executor.Executor
	Store      state.Store
	Registry   *capability.Registry
	Gate       *approval.Gate
	Perms      *security.PermissionManager
	Categories *security.CategoryRegistry
	Bus        *events.Bus
	Log        *zap.Logger
}

// Server owns the HTTP listener and its lifecycle.
type Server struct {
	deps    Deps
	limiter middleware.Limiter

	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// New builds a server from its dependencies. The rate limiter backend is
// chosen here from the config; it applies to plan submission only.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
	}

	if deps.Config.RateLimit.Enabled {
		switch deps.Config.RateLimit.Backend {
		case "redis":
			srv.limiter = middleware.NewRedisRateLimiter(
				deps.Config.RateLimit.RedisAddr,
				deps.Config.RateLimit.RedisDB,
				deps.Config.RateLimit.RequestsPerMinute,
				deps.Log,
			)
		default:
			srv.limiter = middleware.NewRateLimiter(
				deps.Config.RateLimit.RequestsPerMinute,
				deps.Config.RateLimit.Burst,
			)
		}
	}

	return srv, nil
}

// Start begins serving. It returns once the listener goroutine is running.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // sync plan submission can block past any fixed write deadline
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.deps.Config.Server.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.deps.Config.Server.TLSCertPath, s.deps.Config.Server.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.deps.Log.Error("http server error", zap.Error(err))
		}
	}()

	s.deps.Log.Info("http server started",
		zap.String("addr", s.httpServer.Addr),
		zap.Bool("tls", s.deps.Config.Server.TLSEnabled),
	)
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.deps.Log.Warn("http server shutdown", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()

	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.deps.Log.Info("http server stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Handler builds the routed handler with the middleware chain applied.
// Exposed so tests can drive the API through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)

	var h http.Handler = mux
	h = middleware.Logging(s.deps.Log)(h)
	h = middleware.Recovery(s.deps.Log)(h)
	h = middleware.RequestID()(h)
	return h
}

// registerHandlers wires routes. The admission rate limit guards plan
// submission only; queries, approvals, and the event stream stay cheap.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	submit := http.Handler(http.HandlerFunc(s.handlePlanSubmit))
	if s.limiter != nil {
		submit = middleware.RateLimit(s.limiter)(submit)
	}
	mux.Handle("POST /v1/plans", submit)

	mux.HandleFunc("GET /v1/plans/{id}", s.handlePlanGet)
	mux.HandleFunc("POST /v1/plans/{id}/cancel", s.handlePlanCancel)

	mux.HandleFunc("POST /v1/approvals", s.handleApprovalSubmit)
	mux.HandleFunc("GET /v1/approvals/pending", s.handleApprovalsPending)

	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)

	mux.HandleFunc("GET /v1/permissions", s.handlePermissionsList)
	mux.HandleFunc("POST /v1/permissions", s.handlePermissionGrant)
	mux.HandleFunc("DELETE /v1/permissions", s.handlePermissionRevoke)

	mux.HandleFunc("GET /v1/security/categories", s.handleCategoriesList)
	mux.HandleFunc("POST /v1/security/categories/{id}/enable", s.handleCategoryEnable)
	mux.HandleFunc("POST /v1/security/categories/{id}/disable", s.handleCategoryDisable)

	mux.HandleFunc("GET /v1/events/ws", s.handleEventsWS)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}
