package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/geneflow/geneflow-go/internal/config"
	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/engine"
	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/state"
	"github.com/geneflow/geneflow-go/internal/trigger"
)

const component = "api"

type Server struct {
	config   *config.Config
	engine   *engine.Engine
	triggers *trigger.Scheduler
	notifier state.Notifier
	watchers *watchHub

	// ctx bounds jobs started through the API
	ctx        context.Context
	httpServer *http.Server
}

// SubmitRequest is a job spec with optional inline definitions. Without
// WorkflowYAML the job spec's workflow path is loaded from disk.
type SubmitRequest struct {
	definition.JobSpec
	WorkflowYAML string            `json:"workflow_yaml,omitempty"`
	AppsYAML     map[string]string `json:"apps_yaml,omitempty"`
	AppsDir      string            `json:"apps_dir,omitempty"`
}

// ValidateRequest carries definitions to check
type ValidateRequest struct {
	Workflow     string            `json:"workflow,omitempty"`
	WorkflowYAML string            `json:"workflow_yaml,omitempty"`
	AppsYAML     map[string]string `json:"apps_yaml,omitempty"`
	AppsDir      string            `json:"apps_dir,omitempty"`
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewServer creates the API server. triggers may be nil. When the
// engine's store publishes updates, watchers also see changes written by
// other processes.
func NewServer(cfg *config.Config, eng *engine.Engine, triggers *trigger.Scheduler) *Server {
	s := &Server{
		config:   cfg,
		engine:   eng,
		triggers: triggers,
		ctx:      context.Background(),
	}
	if n, ok := eng.Store().(state.Notifier); ok {
		s.notifier = n
	}
	s.watchers = newWatchHub()
	return s
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)

	// Public endpoints (no auth required)
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/jobs", s.submitJobHandler).Methods("POST")
	api.HandleFunc("/jobs", s.listJobsHandler).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.getJobHandler).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.cancelJobHandler).Methods("POST")
	api.HandleFunc("/jobs/{id}/resume", s.resumeJobHandler).Methods("POST")
	api.HandleFunc("/jobs/{id}/metrics", s.getMetricsHandler).Methods("GET")
	api.HandleFunc("/jobs/{id}/watch", s.watchJobHandler).Methods("GET")
	api.HandleFunc("/validate", s.validateHandler).Methods("POST")
	api.HandleFunc("/triggers", s.listTriggersHandler).Methods("GET")

	return r
}

// Start serves until Shutdown. Jobs submitted through the API run under
// ctx.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	if s.notifier != nil {
		if err := s.watchers.relay(ctx, s.notifier); err != nil {
			logging.Warn(component, "Store updates unavailable, watchers see local jobs only", map[string]interface{}{
				"error": err,
			})
		}
	}

	addr := s.config.Address()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info(component, "Server starting", map[string]interface{}{
		"address": addr,
		"auth":    s.config.Security.TokenHash != "",
	})

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Service is healthy",
		Data: map[string]string{
			"status": "ok",
		},
	})
}

func (s *Server) submitJobHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "Job name is required")
		return
	}

	src, err := source(req.Workflow, req.WorkflowYAML, req.AppsYAML, req.AppsDir)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	bundle, err := s.engine.Validate(src)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	job, err := s.engine.Submit(r.Context(), bundle, &req.JobSpec)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if err := s.engine.Start(s.ctx, job.ID); err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendResponse(w, http.StatusCreated, Response{
		Success: true,
		Message: "Job submitted",
		Data:    job,
	})
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	status := state.Status(strings.ToUpper(r.URL.Query().Get("status")))
	jobs, err := s.engine.List(r.Context(), status)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Found %d jobs", len(jobs)),
		Data:    jobs,
	})
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Job retrieved",
		Data:    report,
	})
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := s.engine.Cancel(r.Context(), jobID); err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Cancellation requested",
		Data:    map[string]string{"id": jobID},
	})
}

func (s *Server) resumeJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if err := s.engine.Start(s.ctx, job.ID); err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Job resumed",
		Data:    job,
	})
}

func (s *Server) getMetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics, ok := s.engine.Metrics(mux.Vars(r)["id"])
	if !ok {
		s.sendError(w, http.StatusNotFound, "No metrics recorded for job")
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Metrics retrieved successfully",
		Data:    metrics,
	})
}

func (s *Server) validateHandler(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	src, err := source(req.Workflow, req.WorkflowYAML, req.AppsYAML, req.AppsDir)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	bundle, err := s.engine.Validate(src)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	steps := make([]string, 0, len(bundle.Workflow.Steps))
	for _, step := range bundle.Workflow.Steps {
		steps = append(steps, step.ID)
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Workflow is valid",
		Data: map[string]interface{}{
			"id":    bundle.Workflow.ID,
			"name":  bundle.Workflow.Name,
			"steps": steps,
		},
	})
}

func (s *Server) listTriggersHandler(w http.ResponseWriter, r *http.Request) {
	list := []trigger.Status{}
	if s.triggers != nil {
		list = s.triggers.List()
	}
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Found %d triggers", len(list)),
		Data:    list,
	})
}

// source assembles definition documents from inline YAML or from disk
func source(workflowPath, workflowYAML string, apps map[string]string, appsDir string) (definition.Source, error) {
	if workflowYAML == "" {
		if workflowPath == "" {
			return definition.Source{}, errdefs.NewDefinitionError("workflow", "a workflow path or inline workflow_yaml is required")
		}
		return definition.LoadFiles(workflowPath, appsDir)
	}
	src := definition.Source{Workflow: []byte(workflowYAML), Apps: make(map[string][]byte, len(apps))}
	for name, doc := range apps {
		src.Apps[name] = []byte(doc)
	}
	return src, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.config.Security.TokenHash
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		if token == "" {
			// browsers cannot set headers on WebSocket upgrades
			token = r.URL.Query().Get("token")
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if token == "" {
			s.sendError(w, http.StatusUnauthorized, "Missing authorization token")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			s.sendError(w, http.StatusUnauthorized, "Invalid authorization token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug(component, "Request handled", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) sendResponse(w http.ResponseWriter, statusCode int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, statusCode int, message string) {
	s.sendResponse(w, statusCode, Response{
		Success: false,
		Message: message,
	})
}

// sendFailure maps an engine error to a status code. Definition errors
// carry their issue list.
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	var defErr *errdefs.DefinitionError
	switch {
	case errors.As(err, &defErr):
		s.sendResponse(w, http.StatusBadRequest, Response{
			Success: false,
			Message: "Invalid workflow definition",
			Data:    defErr.Issues,
		})
	case errdefs.IsDependency(err):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errdefs.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, engine.ErrJobActive), errors.Is(err, engine.ErrJobSettled):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		logging.Error(component, "Request failed", map[string]interface{}{
			"error": err,
		})
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}
