package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/devcell/devcell/internal/config"
	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/domain"
	"github.com/devcell/devcell/internal/environment"
	"github.com/devcell/devcell/internal/execution"
	"github.com/devcell/devcell/internal/hub"
	"github.com/devcell/devcell/internal/logs"
	"github.com/devcell/devcell/internal/ratelimit"
)

// Environments is the slice of the environment manager the HTTP surface
// consumes.
type Environments interface {
	Create(ctx context.Context, req environment.CreateRequest) (*environment.Environment, error)
	Get(ctx context.Context, id string) (*environment.Environment, error)
	List(ctx context.Context, ownerID string) ([]*environment.Environment, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (container.Info, error)
	Stats(ctx context.Context, id string) (container.Usage, error)
	CanAccess(ctx context.Context, userID, envID string) error
}

// Executions is the slice of the execution engine the HTTP surface consumes.
type Executions interface {
	Run(ctx context.Context, req execution.RunRequest) (*execution.Execution, error)
	RunStream(ctx context.Context, req execution.RunRequest) (string, error)
	Cancel(ctx context.Context, execID string) (bool, error)
	Get(execID string) (*execution.Execution, error)
	List(envID string, limit int) []*execution.Execution
	Languages() []execution.Language
}

// LogPipeline is the slice of the log pipeline the HTTP surface consumes.
type LogPipeline interface {
	GetLogs(ctx context.Context, userID, envID string, f logs.Filter, page, pageSize int) (*logs.QueryResult, error)
	StreamLogs(ctx context.Context, userID, envID string, fn func(logs.Entry)) (func(), error)
	Export(ctx context.Context, userID, envID string, compress bool) ([]byte, error)
	RunCleanup(ctx context.Context) (*logs.CleanupStats, error)
	EnvironmentStats(ctx context.Context, envID string) (*logs.EnvStats, error)
	AllEnvironmentStats(ctx context.Context) ([]logs.EnvStats, error)
	Stats(ctx context.Context) (*logs.GlobalStats, error)
}

// Services bundles the wired application services for the server.
type Services struct {
	Envs     Environments
	Engine   Executions
	Pipeline LogPipeline
	Hub      *hub.Hub
	Governor *ratelimit.Governor
}

// Server is the devcell daemon HTTP server.
type Server struct {
	cfg    *config.Config
	server *http.Server
	router *http.ServeMux

	envs     Environments
	engine   Executions
	pipeline LogPipeline
	hub      *hub.Hub
	governor *ratelimit.Governor
}

// NewServer wires the HTTP surface over the given services.
func NewServer(cfg *config.Config, svc Services) *Server {
	s := &Server{
		cfg:      cfg,
		router:   http.NewServeMux(),
		envs:     svc.Envs,
		engine:   svc.Engine,
		pipeline: svc.Pipeline,
		hub:      svc.Hub,
		governor: svc.Governor,
	}

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Daemon.Bind, cfg.Daemon.Port)
	handler := recoveryMiddleware(correlationIDMiddleware(loggingMiddleware(s.rateLimitMiddleware(s.router))))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // long for websocket upgrades
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health & status
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	// Environments
	s.router.HandleFunc("POST /v1/environments", s.handleCreateEnvironment)
	s.router.HandleFunc("GET /v1/environments", s.handleListEnvironments)
	s.router.HandleFunc("GET /v1/environments/{id}", s.handleGetEnvironment)
	s.router.HandleFunc("DELETE /v1/environments/{id}", s.handleDestroyEnvironment)
	s.router.HandleFunc("POST /v1/environments/{id}/start", s.handleStartEnvironment)
	s.router.HandleFunc("POST /v1/environments/{id}/stop", s.handleStopEnvironment)
	s.router.HandleFunc("POST /v1/environments/{id}/restart", s.handleRestartEnvironment)
	s.router.HandleFunc("GET /v1/environments/{id}/inspect", s.handleInspectEnvironment)
	s.router.HandleFunc("GET /v1/environments/{id}/usage", s.handleEnvironmentUsage)

	// Executions
	s.router.HandleFunc("POST /v1/environments/{id}/executions", s.handleRunCode)
	s.router.HandleFunc("GET /v1/environments/{id}/executions", s.handleListExecutions)
	s.router.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	s.router.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancelExecution)
	s.router.HandleFunc("GET /v1/languages", s.handleLanguages)

	// Logs
	s.router.HandleFunc("GET /v1/environments/{id}/logs", s.handleGetLogs)
	s.router.HandleFunc("GET /v1/environments/{id}/logs/export", s.handleExportLogs)
	s.router.HandleFunc("GET /v1/environments/{id}/logs/stats", s.handleEnvironmentLogStats)
	s.router.HandleFunc("GET /v1/logs/stats", s.handleGlobalLogStats)
	s.router.HandleFunc("GET /v1/logs/stats/environments", s.handleAllEnvironmentLogStats)
	s.router.HandleFunc("POST /v1/logs/cleanup", s.handleRunCleanup)

	// Live events
	s.router.HandleFunc("GET /v1/ws", s.handleWebsocket)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting devcell daemon", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon...")
	return s.server.Shutdown(ctx)
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":        "running",
		"version":       "0.1.0",
		"default_image": s.cfg.Runner.DefaultImage,
		"storage":       s.cfg.Storage.Driver,
	})
}

// Helper methods

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// renderError maps a domain error onto its HTTP status. Unclassified errors
// render as 500 without leaking the cause.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var de *domain.Error
	if errors.As(err, &de) {
		status = de.HTTPStatus()
		message = de.Message
	}

	if status >= 500 {
		slog.Error("request failed",
			"correlation_id", GetCorrelationID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}

	s.jsonResponse(w, status, map[string]any{
		"error":  message,
		"kind":   string(domain.KindOf(err)),
		"status": status,
	})
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.BadRequest("invalid request body")
	}
	return nil
}
