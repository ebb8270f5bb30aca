package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/lmcirclefit/internal/config"
	"github.com/cwbudde/lmcirclefit/internal/fit"
	"github.com/cwbudde/lmcirclefit/internal/store"
)

// runJob executes a fit job. Every observed step updates the job, is
// broadcast to stream subscribers and, if checkpointStore keeps files,
// appended to the job trace. A finished fit is saved as a checkpoint and its
// trace archived.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, defaults config.Config, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	slog.Info("Starting job", "job_id", jobID, "points", len(job.Config.Points), "strategy", job.Config.Strategy)

	req, err := buildRequest(job.Config, defaults)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	var trace *store.TraceWriter
	if dir := traceDir(checkpointStore); dir != "" {
		trace, err = store.NewTraceWriter(dir, jobID, false)
		if err != nil {
			slog.Warn("Tracing disabled", "job_id", jobID, "error", err)
			trace = nil
		}
	}

	req.LM.Observer = func(s fit.Step) {
		jm.UpdateJob(jobID, func(j *Job) {
			j.Outer = s.Outer
			j.Inner = s.Inner
			j.Lambda = s.Lambda
			if s.Accepted || s.Phase.Terminal() {
				j.Circle = store.NewCircleState(s.Trial)
			}
		})
		if trace != nil {
			if err := trace.Write(store.NewTraceEntry(s)); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
			}
		}
		jm.broadcaster.Broadcast(ProgressEvent{
			JobID:     jobID,
			State:     StateRunning,
			Outer:     s.Outer,
			Inner:     s.Inner,
			Lambda:    s.Lambda,
			Sigma:     s.Trial.S,
			Phase:     s.Phase.String(),
			Accepted:  s.Accepted,
			Timestamp: time.Now(),
		})
	}

	start := time.Now()
	result, err := fit.Run(req)
	elapsed := time.Since(start)

	if trace != nil {
		if cerr := trace.Close(); cerr != nil {
			slog.Warn("Failed to close trace", "job_id", jobID, "error", cerr)
		}
	}
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	// Persist before the job is reported completed
	if checkpointStore != nil {
		if err := saveCheckpoint(checkpointStore, jobID, result, job.Config); err != nil {
			slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
		}
	}
	if trace != nil {
		if _, err := store.ArchiveTrace(traceDir(checkpointStore), jobID); err != nil {
			slog.Warn("Failed to archive trace", "job_id", jobID, "error", err)
		}
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Circle = store.NewCircleState(result.Circle)
		j.Code = int(result.Code)
		j.Status = result.Code.String()
		j.InitialSigma = result.Initial.S
		j.Attempts = result.Attempts
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"code", result.Code,
		"initial_sigma", result.Initial.S,
		"sigma", result.Circle.S,
		"iterations", result.Circle.I,
	)

	if final, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(jobEvent(final))
	}
	return nil
}

// saveCheckpoint persists the outcome of a finished fit
func saveCheckpoint(checkpointStore store.Store, jobID string, result *fit.FitResult, cfg JobConfig) error {
	checkpoint := store.NewCheckpoint(jobID, result.Circle, result.Code, result.Initial.S, cfg)
	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved", "job_id", jobID, "sigma", result.Circle.S, "code", result.Code)
	return nil
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(jobEvent(job))
	}
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(jobEvent(job))
	}
	slog.Info("Job cancelled", "job_id", jobID)
}
