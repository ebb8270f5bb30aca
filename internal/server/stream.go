package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent reports one observed step of a running fit, or a change of
// job state.
type ProgressEvent struct {
	JobID     string    `json:"jobId"`
	State     JobState  `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	Outer     int       `json:"outer"`
	Inner     int       `json:"inner"`
	Lambda    float64   `json:"lambda"`
	Sigma     float64   `json:"sigma"`
	Phase     string    `json:"phase,omitempty"`
	Accepted  bool      `json:"accepted"`
	Code      *int      `json:"code,omitempty"` // Set once the job has finished
	Timestamp time.Time `json:"timestamp"`
}

// EventBroadcaster fans progress events out to SSE subscribers per job.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]bool
	lastEvent map[string]ProgressEvent // replayed to new subscribers
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe adds a client for jobID and replays the last event, if any.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 32)
	if eb.clients[jobID] == nil {
		eb.clients[jobID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[jobID][ch] = true

	if last, ok := eb.lastEvent[jobID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "jobID", jobID, "total_clients", len(eb.clients[jobID]))
	return ch
}

// Unsubscribe removes a client and closes its channel
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[jobID]
	if !ok || !clients[ch] {
		return
	}
	delete(clients, ch)
	close(ch)
	if len(clients) == 0 {
		delete(eb.clients, jobID)
	}

	slog.Debug("SSE client unsubscribed", "jobID", jobID)
}

// Broadcast sends event to every subscriber of its job. Slow subscribers
// miss progress events instead of blocking the fit, but always receive the
// event that finishes the job.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	// A finished job is served from its state, not from a replayed event
	if event.finished() {
		delete(eb.lastEvent, event.JobID)
	} else {
		eb.lastEvent[event.JobID] = event
	}

	for ch := range eb.clients[event.JobID] {
		select {
		case ch <- event:
		default:
			if !event.finished() {
				slog.Warn("SSE channel full, skipping event", "jobID", event.JobID)
				continue
			}
			// The final event replaces the oldest queued one
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}

// CleanupJob closes all subscribers of a job and forgets its last event
func (eb *EventBroadcaster) CleanupJob(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[jobID] {
		close(ch)
	}
	delete(eb.clients, jobID)
	delete(eb.lastEvent, jobID)

	slog.Debug("Cleaned up SSE resources", "jobID", jobID)
}

// finished reports whether the event ends the stream
func (e ProgressEvent) finished() bool {
	return e.State == StateCompleted || e.State == StateFailed || e.State == StateCancelled
}

// handleJobStream serves GET /api/v1/jobs/{id}/stream. The stream ends after
// the event for a finished job.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before reading the state so a finish in between is not lost
	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		return
	}
	initial := jobEvent(job)
	if err := writeSSEEvent(w, initial); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()
	if initial.finished() {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "jobID", jobID)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.finished() {
				return
			}

		case <-ping.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// jobEvent describes the current state of job
func jobEvent(job *Job) ProgressEvent {
	e := ProgressEvent{
		JobID:     job.ID,
		State:     job.State,
		Attempt:   job.Attempts,
		Outer:     job.Outer,
		Inner:     job.Inner,
		Lambda:    job.Lambda,
		Sigma:     job.Circle.Sigma,
		Accepted:  job.State == StateCompleted && job.Code == 0,
		Timestamp: time.Now(),
	}
	if job.State == StateCompleted {
		code := job.Code
		e.Code = &code
	}
	return e
}

// writeSSEEvent writes event as a "data:" line
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
