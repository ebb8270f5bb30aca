package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/lmcirclefit/internal/config"
	"github.com/cwbudde/lmcirclefit/internal/fit"
	"github.com/cwbudde/lmcirclefit/internal/store"
	"github.com/cwbudde/lmcirclefit/internal/viz"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 32 << 20

// Server exposes the circle fitter over HTTP
type Server struct {
	jobManager *JobManager
	store      store.Store
	defaults   config.Config
	addr       string
	server     *http.Server

	ctx    context.Context // cancelled on shutdown, parent of all jobs
	cancel context.CancelFunc
}

// NewServer creates a server listening on cfg.Addr. checkpointStore may be
// nil, in which case nothing is persisted and traces are not recorded.
func NewServer(cfg config.Config, checkpointStore store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		jobManager: NewJobManager(),
		store:      checkpointStore,
		defaults:   cfg,
		addr:       cfg.Addr,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/fit", s.handleFit)
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels pending jobs, ends open streams and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.cancel()
	for _, job := range s.jobManager.ListJobs() {
		s.jobManager.broadcaster.CleanupJob(job.ID)
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleFit handles POST /api/v1/fit, a synchronous fit
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg, ok := s.decodeConfig(w, r)
	if !ok {
		return
	}

	req, err := buildRequest(cfg, s.defaults)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := fit.Run(req)
	if errors.Is(err, fit.ErrInvalidInput) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newFitResponse(result))
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/{id}[/status|/stream|/trace|/plot.png]
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/"), "/")
	if parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	case "trace":
		s.handleGetTrace(w, r, jobID)
	case "plot.png":
		s.handleGetPlot(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs. A request identical to a
// completed job returns that job with status 200 instead of fitting again.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeConfig(w, r)
	if !ok {
		return
	}

	if cached, found := s.jobManager.FindCompleted(cfg); found {
		slog.Debug("Serving cached job", "job_id", cached.ID)
		cached.Cached = true
		writeJSON(w, http.StatusOK, cached)
		return
	}

	job := s.jobManager.CreateJob(cfg)
	go runJob(s.ctx, s.jobManager, s.store, s.defaults, job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// JobStatus is a job together with its elapsed run time
type JobStatus struct {
	*Job
	Elapsed float64 `json:"elapsed"` // Seconds
}

// handleGetJobStatus handles GET /api/v1/jobs/{id}[/status]
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.lookupJob(jobID)
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	end := time.Now()
	if job.EndTime != nil {
		end = *job.EndTime
	}
	writeJSON(w, http.StatusOK, JobStatus{Job: job, Elapsed: end.Sub(job.StartTime).Seconds()})
}

// handleGetTrace handles GET /api/v1/jobs/{id}/trace, streaming the JSONL
// trace whether or not it has been archived.
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	dir := traceDir(s.store)
	if dir == "" {
		http.Error(w, "Tracing not enabled", http.StatusNotFound)
		return
	}

	reader, err := store.NewTraceReader(dir, jobID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Trace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for {
		entry, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			slog.Error("Failed to read trace", "job_id", jobID, "error", err)
			return
		}
		if err := enc.Encode(entry); err != nil {
			slog.Debug("Trace client went away", "job_id", jobID, "error", err)
			return
		}
	}
}

// handleGetPlot handles GET /api/v1/jobs/{id}/plot.png
func (s *Server) handleGetPlot(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.lookupJob(jobID)
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var circle *fit.Circle
	if c := job.Circle.Circle(); c.Valid() {
		circle = &c
	}

	opts := viz.DefaultOptions()
	opts.Title = fmt.Sprintf("Job %s (%s)", shortID(job.ID), job.State)

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := viz.WritePNG(w, job.Config.Points, circle, opts); err != nil {
		slog.Error("Failed to render plot", "job_id", jobID, "error", err)
	}
}

// lookupJob finds a job in memory or, failing that, rebuilds a completed job
// from its checkpoint.
func (s *Server) lookupJob(jobID string) (*Job, bool) {
	if job, ok := s.jobManager.GetJob(jobID); ok {
		return job, true
	}
	if s.store == nil {
		return nil, false
	}

	cp, err := s.store.LoadCheckpoint(jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to load checkpoint", "job_id", jobID, "error", err)
		}
		return nil, false
	}

	end := cp.Timestamp
	return &Job{
		ID:           cp.JobID,
		State:        StateCompleted,
		Config:       cp.Config,
		Circle:       cp.Circle,
		Code:         cp.Code,
		Status:       fit.Code(cp.Code).String(),
		InitialSigma: cp.InitialSigma,
		Outer:        cp.Circle.Iterations,
		Inner:        cp.Circle.Inner,
		StartTime:    cp.Timestamp,
		EndTime:      &end,
	}, true
}

// decodeConfig reads and normalizes a JobConfig body, answering 400 on failure.
func (s *Server) decodeConfig(w http.ResponseWriter, r *http.Request) (JobConfig, bool) {
	var cfg JobConfig
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return JobConfig{}, false
	}

	cfg, err := normalizeConfig(cfg, s.defaults)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return JobConfig{}, false
	}
	return cfg, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
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
