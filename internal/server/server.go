// Package server exposes host program builds over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/host"
	"github.com/cwbudde/clhost/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	worker     *Worker
	driver     cl.Driver
	store      store.Store
	addr       string
	server     *http.Server

	jobCtx    context.Context
	cancelJob context.CancelFunc
}

// NewServer creates a server running builds on driver. The store may be
// nil, in which case reports are not persisted.
func NewServer(addr string, driver cl.Driver, st store.Store) *Server {
	jm := NewJobManager()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobManager: jm,
		worker:     NewWorker(jm, driver, st),
		driver:     driver,
		store:      st,
		addr:       addr,
		jobCtx:     ctx,
		cancelJob:  cancel,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/builds", s.handleBuilds)
	mux.HandleFunc("/api/v1/builds/", s.handleBuildsWithID)
	mux.HandleFunc("/api/v1/platforms", s.handlePlatforms)
	mux.HandleFunc("/api/v1/reports", s.handleReports)
	mux.HandleFunc("/api/v1/reports/", s.handleReportWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr, "driver", s.driver.Name())
	return s.server.ListenAndServe()
}

// Serve accepts connections on ln. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("Starting HTTP server", "addr", ln.Addr().String(), "driver", s.driver.Name())
	return s.server.Serve(ln)
}

// Shutdown cancels queued and running jobs, which also ends open event
// streams, then stops accepting requests and waits for the worker to
// release its sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))

	s.cancelJob()
	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// handleBuilds handles /api/v1/builds
func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateBuild(w, r)
	case http.MethodGet:
		s.handleListBuilds(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBuildsWithID handles /api/v1/builds/:id/*
func (s *Server) handleBuildsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/builds/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleGetBuild(w, r, jobID)
	case parts[1] == "log":
		s.handleGetBuildLog(w, r, jobID)
	case parts[1] == "stream":
		s.handleJobStream(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateBuild handles POST /api/v1/builds
func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if req.Source == "" && req.SourcePath == "" {
		http.Error(w, "source or sourcePath is required", http.StatusBadRequest)
		return
	}
	if req.DeviceType != "" {
		if _, err := cl.ParseDeviceType(req.DeviceType); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Elements < 0 {
		http.Error(w, "elements must not be negative", http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(req)
	s.worker.Submit(s.jobCtx, job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// handleListBuilds handles GET /api/v1/builds
func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetBuild handles GET /api/v1/builds/:id
func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetBuildLog handles GET /api/v1/builds/:id/log
func (s *Server) handleGetBuildLog(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, job.BuildLog)
}

// handlePlatforms handles GET /api/v1/platforms
func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos, err := host.ListPlatforms(s.driver)
	if errors.Is(err, cl.ErrNoPlatforms) {
		writeJSON(w, http.StatusOK, []cl.PlatformInfo{})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleReports handles GET /api/v1/reports
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.ReportInfo{})
		return
	}

	infos, err := s.store.ListReports()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleReportWithID handles GET /api/v1/reports/:id
func (s *Server) handleReportWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/reports/"), "/")
	if id == "" {
		http.Error(w, "Report ID required", http.StatusBadRequest)
		return
	}
	if s.store == nil || strings.Contains(id, "/") {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}

	report, err := s.store.LoadReport(id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
