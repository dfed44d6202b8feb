package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nexweave/taskmesh"
	"github.com/nexweave/taskmesh/config"
	"github.com/nexweave/taskmesh/types"
)

// scopeSubmit guards the job submission boundary. Agents report task
// outcomes with scopeReport.
const (
	scopeSubmit = "jobs:submit"
	scopeReport = "tasks:report"
)

// Server exposes a node over HTTP: the API listener plus a separate
// metrics listener.
type Server struct {
	cfg    *config.Config
	node   *taskmesh.Node
	logger *zap.Logger

	httpServer    *http.Server
	metricsServer *http.Server

	rateLimiterCancel context.CancelFunc
}

// NewServer creates the HTTP front end for a started node.
func NewServer(cfg *config.Config, node *taskmesh.Node, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		node:   node,
		logger: logger.With(zap.String("component", "server")),
	}
}

// routes builds the API mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /api/v1/auth/token", s.handleToken)
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", s.handleStartTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/fail", s.handleFailTask)
	mux.HandleFunc("POST /api/v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.handleDeregisterAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)

	return mux
}

// Start brings up both listeners. Non-blocking; use WaitForShutdown to
// block until a termination signal.
func (s *Server) Start() error {
	mux := s.routes()

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/version", "/api/v1/auth/token"}
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.node.Metrics()),
		RateLimiter(rateLimiterCtx, 100, 200, s.logger),
		BearerAuth(s.node.Authenticator(), skipAuthPaths, s.logger),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  2 * s.cfg.Server.ReadTimeout,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	s.logger.Info("servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then drains both
// listeners.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	s.Shutdown()
}

// Shutdown drains both listeners within the configured timeout.
func (s *Server) Shutdown() {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("servers stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.node.ID(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

type tokenRequest struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	auth := s.node.Authenticator()
	if auth == nil {
		writeJSONError(w, http.StatusNotImplemented, "authentication not configured")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds, err := auth.Authenticate(req.AgentID, req.Secret)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

type taskSpec struct {
	Objective string            `json:"objective"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type submitJobRequest struct {
	UserID    string     `json:"user_id"`
	Objective string     `json:"objective"`
	Tasks     []taskSpec `json:"tasks"`
}

// handleSubmitJob is the job submission boundary: when authentication is
// configured the caller's token must carry the submit scope.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if principal := PrincipalFromContext(r.Context()); principal != nil && !principal.HasScope(scopeSubmit) {
		writeJSONError(w, http.StatusForbidden, "missing scope "+scopeSubmit)
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Objective == "" || len(req.Tasks) == 0 {
		writeJSONError(w, http.StatusBadRequest, "objective and at least one task are required")
		return
	}

	objectives := make([]string, len(req.Tasks))
	metadata := make([]map[string]string, len(req.Tasks))
	for i, t := range req.Tasks {
		objectives[i] = t.Objective
		metadata[i] = t.Metadata
	}

	job, err := s.node.SubmitJob(r.Context(), req.UserID, req.Objective, objectives, metadata...)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.node.Orchestrator().GetJob(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.node.Orchestrator().ListTasks(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.node.Orchestrator().GetTask(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// requireReportScope rejects callers whose token lacks the report scope.
// Returns false after writing the error response.
func (s *Server) requireReportScope(w http.ResponseWriter, r *http.Request) bool {
	if principal := PrincipalFromContext(r.Context()); principal != nil && !principal.HasScope(scopeReport) {
		writeJSONError(w, http.StatusForbidden, "missing scope "+scopeReport)
		return false
	}
	return true
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireReportScope(w, r) {
		return
	}
	if err := s.node.Orchestrator().StartTask(r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeTaskRequest struct {
	Result string `json:"result"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireReportScope(w, r) {
		return
	}
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.node.Orchestrator().CompleteTask(r.PathValue("id"), req.Result); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failTaskRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireReportScope(w, r) {
		return
	}
	var req failTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.node.Orchestrator().FailTask(r.PathValue("id"), req.Error); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var agent types.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.node.Directory().Register(&agent); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": agent.ID})
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Directory().Deregister(r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Directory().Heartbeat(r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Directory().List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written; nothing sensible left to do.
		return
	}
}

// writeAPIError maps structured error codes to HTTP statuses.
func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.CodeOf(err) {
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrInvalidTransition:
		status = http.StatusConflict
	case types.ErrNoCandidateAgent:
		status = http.StatusServiceUnavailable
	case types.ErrAuthentication:
		status = http.StatusUnauthorized
	case types.ErrAuthorization:
		status = http.StatusForbidden
	}
	writeJSONError(w, status, err.Error())
}
