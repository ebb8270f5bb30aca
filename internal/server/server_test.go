package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/lmcirclefit/internal/fit"
	"github.com/cwbudde/lmcirclefit/internal/store"
)

func newTestServer(t *testing.T, st store.Store) *Server {
	t.Helper()
	s := NewServer(testDefaults(), st)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// waitForJob polls until the job leaves the pending and running states.
func waitForJob(t *testing.T, s *Server, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := s.jobManager.GetJob(id)
		if ok && job.State != StatePending && job.State != StateRunning {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", id)
	return nil
}

func createJob(t *testing.T, s *Server, cfg JobConfig) *Job {
	t.Helper()
	w := doRequest(t, s, http.MethodPost, "/api/v1/jobs", cfg)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return waitForJob(t, s, job.ID)
}

func TestServer_SyncFit(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, http.MethodPost, "/api/v1/fit", testJobConfig())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp FitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Code != 0 || resp.Status != fit.CodeConverged.String() {
		t.Errorf("Expected converged, got %d (%s)", resp.Code, resp.Status)
	}
	if d := resp.Circle.A - 3; d > 1e-6 || d < -1e-6 {
		t.Errorf("Expected center x 3, got %v", resp.Circle.A)
	}
	if d := resp.Circle.B + 2; d > 1e-6 || d < -1e-6 {
		t.Errorf("Expected center y -2, got %v", resp.Circle.B)
	}
	if resp.Initial.R != 4 {
		t.Errorf("Initial circle should echo the guess, got r=%v", resp.Initial.R)
	}
	if resp.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", resp.Attempts)
	}
}

func TestServer_SyncFitCentroidDefault(t *testing.T) {
	s := newTestServer(t, nil)

	// No guess: the centroid strategy is chosen
	cfg := JobConfig{Points: circlePoints(-1, 4, 2, 16)}
	w := doRequest(t, s, http.MethodPost, "/api/v1/fit", cfg)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp FitResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Code != 0 {
		t.Errorf("Expected converged, got %d", resp.Code)
	}
	if d := resp.Circle.R - 2; d > 1e-6 || d < -1e-6 {
		t.Errorf("Expected radius 2, got %v", resp.Circle.R)
	}
}

func TestServer_SyncFitInvalid(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"no points", JobConfig{Guess: [3]float64{0, 0, 1}}},
		{"negative radius", JobConfig{Points: circlePoints(0, 0, 1, 4), Guess: [3]float64{0, 0, -1}, Strategy: "given"}},
		{"unknown strategy", JobConfig{Points: circlePoints(0, 0, 1, 4), Strategy: "random"}},
		{"negative lambda", JobConfig{Points: circlePoints(0, 0, 1, 4), Lambda: -1}},
		{"center on point", JobConfig{Points: circlePoints(0, 0, 1, 4), Guess: [3]float64{1, 0, 1}}},
		{"centering overflows", JobConfig{Points: overflowPoints(), Center: true}},
		{"bad json", "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodPost, "/api/v1/fit", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// overflowPoints are finite but their spread exceeds float64 once centered.
func overflowPoints() []fit.Point {
	return []fit.Point{{X: 1.7e308, Y: 0}, {X: -1.7e308, Y: 1}, {X: -1.7e308, Y: 2}}
}

func TestServer_SyncFitHugeCoordinates(t *testing.T) {
	s := newTestServer(t, nil)

	cfg := JobConfig{
		Points: []fit.Point{{X: 1e308, Y: 0}, {X: 1.5e308, Y: 1}, {X: 0, Y: 2}},
		Center: true,
	}
	w := doRequest(t, s, http.MethodPost, "/api/v1/fit", cfg)
	if w.Code != http.StatusOK && w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 200 or 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_CreateJobCenteringOverflowFails(t *testing.T) {
	s := newTestServer(t, nil)

	job := createJob(t, s, JobConfig{Points: overflowPoints(), Center: true})
	if job.State != StateFailed {
		t.Fatalf("Expected failed job, got %s", job.State)
	}
	if !strings.Contains(job.Error, "invalid input") {
		t.Errorf("Expected invalid input error, got %q", job.Error)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/fit"},
		{http.MethodDelete, "/api/v1/jobs"},
		{http.MethodPost, "/api/v1/jobs/abc/status"},
	} {
		w := doRequest(t, s, tc.method, tc.path, nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestServer_CreateJob(t *testing.T) {
	s := newTestServer(t, nil)

	job := createJob(t, s, testJobConfig())
	if job.State != StateCompleted {
		t.Fatalf("Expected completed job, got %s (%s)", job.State, job.Error)
	}

	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs/"+job.ID+"/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var status JobStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.ID != job.ID || status.State != StateCompleted {
		t.Errorf("Unexpected status %+v", status.Job)
	}
	if status.Elapsed < 0 {
		t.Errorf("Elapsed should be non-negative, got %v", status.Elapsed)
	}
	if d := status.Circle.R - 5; d > 1e-6 || d < -1e-6 {
		t.Errorf("Expected radius 5, got %v", status.Circle.R)
	}
}

func TestServer_CreateJobCached(t *testing.T) {
	s := newTestServer(t, nil)
	first := createJob(t, s, testJobConfig())

	w := doRequest(t, s, http.MethodPost, "/api/v1/jobs", testJobConfig())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected cached status 200, got %d", w.Code)
	}

	var job Job
	json.NewDecoder(w.Body).Decode(&job)
	if job.ID != first.ID {
		t.Errorf("Expected cached job %s, got %s", first.ID, job.ID)
	}
	if !job.Cached {
		t.Error("Cached flag should be set")
	}
	if len(s.jobManager.ListJobs()) != 1 {
		t.Error("A cached request must not create a new job")
	}
}

func TestServer_CreateJobInvalid(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, http.MethodPost, "/api/v1/jobs", JobConfig{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if len(s.jobManager.ListJobs()) != 0 {
		t.Error("Invalid request must not create a job")
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := newTestServer(t, nil)

	createJob(t, s, testJobConfig())
	cfg := testJobConfig()
	cfg.Strategy = "centroid"
	createJob(t, s, cfg)

	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_JobNotFound(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/jobs/nonexistent",
		"/api/v1/jobs/nonexistent/status",
		"/api/v1/jobs/nonexistent/stream",
		"/api/v1/jobs/nonexistent/plot.png",
		"/api/v1/jobs/nonexistent/trace",
		"/api/v1/jobs/nonexistent/unknown",
	} {
		w := doRequest(t, s, http.MethodGet, path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, w.Code)
		}
	}

	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs/", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without job ID, got %d", w.Code)
	}
}

func TestServer_Trace(t *testing.T) {
	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	s := newTestServer(t, fsStore)
	job := createJob(t, s, testJobConfig())

	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs/"+job.ID+"/trace", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Unexpected content type %q", ct)
	}

	var entries []store.TraceEntry
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		var e store.TraceEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Bad trace line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		t.Fatal("Trace should not be empty")
	}
	if entries[0].Outer != 1 {
		t.Errorf("First entry should be outer iteration 1, got %d", entries[0].Outer)
	}
	if entries[len(entries)-1].Phase != "converged" {
		t.Errorf("Last entry should be converged, got %s", entries[len(entries)-1].Phase)
	}
}

func TestServer_TraceWithoutStore(t *testing.T) {
	s := newTestServer(t, nil)
	job := createJob(t, s, testJobConfig())

	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs/"+job.ID+"/trace", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a store, got %d", w.Code)
	}
}

func TestServer_Plot(t *testing.T) {
	s := newTestServer(t, nil)
	job := createJob(t, s, testJobConfig())

	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs/"+job.ID+"/plot.png", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %q", ct)
	}

	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dx() != b.Dy() {
		t.Errorf("Expected a square image, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestServer_CheckpointFallback(t *testing.T) {
	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	first := newTestServer(t, fsStore)
	job := createJob(t, first, testJobConfig())

	// A fresh server knows the job only from its checkpoint
	second := newTestServer(t, fsStore)
	w := doRequest(t, second, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var status JobStatus
	json.NewDecoder(w.Body).Decode(&status)
	if status.State != StateCompleted {
		t.Errorf("Expected completed, got %s", status.State)
	}
	if status.Circle != job.Circle {
		t.Errorf("Circle mismatch: %+v vs %+v", status.Circle, job.Circle)
	}
	if status.Status != fit.CodeConverged.String() {
		t.Errorf("Unexpected status %q", status.Status)
	}
}

func TestServer_StreamFinishedJob(t *testing.T) {
	s := newTestServer(t, nil)
	job := createJob(t, s, testJobConfig())

	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}

	body := w.Body.String()
	if strings.Count(body, "data: ") != 1 {
		t.Fatalf("Expected a single event, got %q", body)
	}

	var event ProgressEvent
	data := strings.TrimSpace(strings.TrimPrefix(body, "data: "))
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.State != StateCompleted || event.Code == nil || *event.Code != 0 {
		t.Errorf("Unexpected final event %+v", event)
	}
}

func TestServer_CORS(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, http.MethodOptions, "/api/v1/jobs", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	s := NewServer(testDefaults(), nil)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown should succeed: %v", err)
	}
	if s.ctx.Err() == nil {
		t.Error("Shutdown should cancel the job context")
	}
}
