package daemon

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/devcell/devcell/internal/environment"
	"github.com/devcell/devcell/internal/execution"
	"github.com/devcell/devcell/internal/logs"
	"github.com/devcell/devcell/internal/ratelimit"
)

// Environment handlers

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string            `json:"name"`
		Image    string            `json:"image,omitempty"`
		MemoryMB int               `json:"memory_mb,omitempty"`
		CPULimit float64           `json:"cpu_limit,omitempty"`
		Env      map[string]string `json:"env,omitempty"`
		Ports    map[string]string `json:"ports,omitempty"`
	}
	if err := s.decode(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}

	env, err := s.envs.Create(r.Context(), environment.CreateRequest{
		OwnerID:  userID(r),
		Name:     req.Name,
		Image:    req.Image,
		MemoryMB: req.MemoryMB,
		CPULimit: req.CPULimit,
		Env:      req.Env,
		Ports:    req.Ports,
	})
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, env)
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.envs.List(r.Context(), userID(r))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if envs == nil {
		envs = []*environment.Environment{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"environments": envs})
}

// authorizeEnv loads the caller's view of an environment, enforcing access.
func (s *Server) authorizeEnv(w http.ResponseWriter, r *http.Request) (string, bool) {
	envID := r.PathValue("id")
	if err := s.envs.CanAccess(r.Context(), userID(r), envID); err != nil {
		s.renderError(w, r, err)
		return "", false
	}
	return envID, true
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}
	env, err := s.envs.Get(r.Context(), envID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, env)
}

func (s *Server) handleDestroyEnvironment(w http.ResponseWriter, r *http.Request) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}
	if err := s.envs.Destroy(r.Context(), envID); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"destroyed": true})
}

func (s *Server) handleStartEnvironment(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.envs.Start)
}

func (s *Server) handleStopEnvironment(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.envs.Stop)
}

func (s *Server) handleRestartEnvironment(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.envs.Restart)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), envID); err != nil {
		s.renderError(w, r, err)
		return
	}
	env, err := s.envs.Get(r.Context(), envID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, env)
}

// handleInspectEnvironment reports the normalized live-container view:
// state, image, port bindings and timestamps straight from the engine.
func (s *Server) handleInspectEnvironment(w http.ResponseWriter, r *http.Request) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}
	info, err := s.envs.Inspect(r.Context(), envID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, info)
}

func (s *Server) handleEnvironmentUsage(w http.ResponseWriter, r *http.Request) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}
	usage, err := s.envs.Stats(r.Context(), envID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, usage)
}

// Execution handlers

func (s *Server) handleRunCode(w http.ResponseWriter, r *http.Request) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}

	// Executions carry their own, tighter budget on top of the request
	// window already charged by the middleware.
	res := s.governor.Check("exec:"+userID(r), ratelimit.Config{
		Max:      s.cfg.RateLimit.ExecutionPerMinute,
		WindowMs: 60_000,
	})
	setRateHeaders(w, res)
	if !res.Allowed {
		s.renderError(w, r, res.Error())
		return
	}

	var req struct {
		Code      string            `json:"code"`
		Language  string            `json:"language"`
		TimeoutMs int               `json:"timeout_ms,omitempty"`
		Env       map[string]string `json:"env,omitempty"`
		Detach    bool              `json:"detach,omitempty"`
	}
	if err := s.decode(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}

	runReq := execution.RunRequest{
		EnvironmentID: envID,
		Code:          req.Code,
		Language:      req.Language,
		TimeoutMs:     req.TimeoutMs,
		Env:           req.Env,
	}

	if req.Detach {
		execID, err := s.engine.RunStream(r.Context(), runReq)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		s.jsonResponse(w, http.StatusAccepted, map[string]any{"execution_id": execID})
		return
	}

	exec, err := s.engine.Run(r.Context(), runReq)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	execs := s.engine.List(envID, limit)
	if execs == nil {
		execs = []*execution.Execution{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.envs.CanAccess(r.Context(), userID(r), exec.EnvironmentID); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	exec, err := s.engine.Get(execID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.envs.CanAccess(r.Context(), userID(r), exec.EnvironmentID); err != nil {
		s.renderError(w, r, err)
		return
	}

	cancelled, err := s.engine.Cancel(r.Context(), execID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{"languages": s.engine.Languages()})
}

// Log handlers

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	envID := r.PathValue("id")

	filter := logs.Filter{
		Stream: r.URL.Query().Get("stream"),
		Search: r.URL.Query().Get("search"),
	}
	if since, ok := queryTime(r, "since"); ok {
		filter.Since = &since
	}
	if until, ok := queryTime(r, "until"); ok {
		filter.Until = &until
	}

	page := queryInt(r, "page", 1)
	// "limit" is the documented name; "page_size" stays as an alias.
	pageSize := queryInt(r, "limit", 0)
	if pageSize == 0 {
		pageSize = queryInt(r, "page_size", 0)
	}

	result, err := s.pipeline.GetLogs(r.Context(), userID(r), envID, filter, page, pageSize)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	envID := r.PathValue("id")
	compress := r.URL.Query().Get("compress") == "true"

	data, err := s.pipeline.Export(r.Context(), userID(r), envID, compress)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	if compress {
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", "attachment; filename="+envID+".log.gz")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename="+envID+".log")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleEnvironmentLogStats(w http.ResponseWriter, r *http.Request) {
	envID, ok := s.authorizeEnv(w, r)
	if !ok {
		return
	}
	stats, err := s.pipeline.EnvironmentStats(r.Context(), envID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) handleGlobalLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) handleAllEnvironmentLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.AllEnvironmentStats(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if stats == nil {
		stats = []logs.EnvStats{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"environments": stats})
}

func (s *Server) handleRunCleanup(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.RunCleanup(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

// Query helpers

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
