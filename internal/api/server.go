package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raaihank/record-sentinel/internal/audit"
	"github.com/raaihank/record-sentinel/internal/config"
	"github.com/raaihank/record-sentinel/internal/formula"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"github.com/raaihank/record-sentinel/internal/search"
	"github.com/raaihank/record-sentinel/internal/tenant"
	"github.com/raaihank/record-sentinel/internal/websocket"
	"go.uber.org/zap"
)

// TokenVault stores and restores reversible redaction tokens
type TokenVault interface {
	Store(ctx context.Context, tenantID string, mapping map[string]string, ttl time.Duration) error
	Restore(ctx context.Context, tenantID, text string) (string, int, error)
}

// AuditSink persists redaction results
type AuditSink interface {
	Insert(ctx context.Context, entry *audit.Entry) error
}

// Deps are the collaborators of the server. Vault, Audit and Hub are optional.
type Deps struct {
	Tenants *tenant.Manager
	Vault   TokenVault
	Audit   AuditSink
	Hub     *websocket.Hub
}

// Server exposes detection, redaction, computed fields and search helpers over HTTP
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	tenants   *tenant.Manager
	detector  *privacy.Detector
	redactor  *privacy.Redactor
	evaluator *formula.Evaluator
	resolver  *search.Resolver
	vault     TokenVault
	audit     AuditSink
	wsHub     *websocket.Hub
	limiter   *RateLimiter
	router    *mux.Router
	server    *http.Server
	startedAt time.Time
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log *logger.Logger) (*Server, error) {
	if deps.Tenants == nil {
		return nil, fmt.Errorf("tenant manager is required")
	}

	loc, err := time.LoadLocation(cfg.Search.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load search timezone: %w", err)
	}

	fns := formula.DefaultFunctions()
	if len(cfg.Formula.AllowedFunctions) > 0 {
		fns = fns.Allow(cfg.Formula.AllowedFunctions...)
	}

	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("api"),
		tenants:   deps.Tenants,
		detector:  privacy.NewDetector(log),
		redactor:  privacy.NewRedactor(log),
		evaluator: formula.NewEvaluator(fns, log),
		resolver:  search.NewResolver(log, search.WithLocation(loc)),
		vault:     deps.Vault,
		audit:     deps.Audit,
		wsHub:     deps.Hub,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.IdleTimeout)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}
	if s.config.WebSocket.Enabled && s.wsHub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware)
	v1.Use(s.bodyLimitMiddleware)

	tenants := v1.PathPrefix("/tenants/{tenantID}").Subrouter()
	tenants.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	tenants.HandleFunc("/redact", s.handleRedact).Methods(http.MethodPost)
	tenants.HandleFunc("/detokenize", s.handleDetokenize).Methods(http.MethodPost)
	tenants.HandleFunc("/policy", s.handleGetPolicy).Methods(http.MethodGet)
	tenants.HandleFunc("/policy", s.handlePutPolicy).Methods(http.MethodPut)

	computed := v1.PathPrefix("/computed").Subrouter()
	computed.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	computed.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)
	computed.HandleFunc("/templates/{name}", s.handleApplyTemplate).Methods(http.MethodPost)

	searchRouter := v1.PathPrefix("/search").Subrouter()
	searchRouter.HandleFunc("/relative-date", s.handleRelativeDate).Methods(http.MethodPost)
	searchRouter.HandleFunc("/flatten", s.handleFlatten).Methods(http.MethodPost)
	searchRouter.HandleFunc("/expand", s.handleExpand).Methods(http.MethodPost)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and its background routines. It blocks until
// the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting record-sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.Strings("tenants", s.tenants.Tenants()),
		zap.Bool("vault", s.vault != nil),
		zap.Bool("audit", s.audit != nil),
	)

	if s.wsHub != nil {
		go s.wsHub.Run(ctx)
	}
	if s.limiter != nil {
		go s.limiter.Run(ctx, s.config.RateLimit.CleanupInterval)
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping record-sentinel server")
	return s.server.Shutdown(ctx)
}

// Reload recompiles tenant policies from a new config and notifies websocket clients
func (s *Server) Reload(cfg *config.Config) error {
	err := s.tenants.Reload(cfg.Privacy)
	if s.wsHub != nil {
		s.wsHub.BroadcastEvent(websocket.NewConfigReloadEvent(len(s.tenants.Tenants()), err))
	}
	return err
}

func (s *Server) broadcast(event websocket.Event) {
	if s.wsHub != nil {
		s.wsHub.BroadcastEvent(event)
	}
}
