package store

import (
	"fmt"
	"time"

	"github.com/cwbudde/lmcirclefit/internal/fit"
)

// JobConfig is the persisted copy of a fit request.
type JobConfig struct {
	Points   []fit.Point `json:"points"`
	Guess    [3]float64  `json:"guess"` // a, b, r
	Strategy string      `json:"strategy"`
	Lambda   float64     `json:"lambda"`
	Retries  int         `json:"retries"`
	Center   bool        `json:"center,omitempty"`
	Scale    bool        `json:"scale,omitempty"`

	// Global seed search, only used by the mayfly strategy
	Seed    int64 `json:"seed,omitempty"`
	Iters   int   `json:"iters,omitempty"`
	PopSize int   `json:"popSize,omitempty"`
}

// Fingerprint identifies the point set of the job, or returns "" if the points
// do not form a valid set.
func (c JobConfig) Fingerprint() string {
	ps, err := fit.NewPointSet(c.Points)
	if err != nil {
		return ""
	}
	return FormatFingerprint(ps.Fingerprint())
}

// FormatFingerprint renders a point set digest as fixed-width hex
func FormatFingerprint(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// CircleState is the persisted form of a fitted circle
type CircleState struct {
	A          float64 `json:"a"`
	B          float64 `json:"b"`
	R          float64 `json:"r"`
	Sigma      float64 `json:"sigma"`
	Gradient   float64 `json:"gradient"`
	Iterations int     `json:"iterations"`
	Inner      int     `json:"inner"`
}

// NewCircleState copies a fit.Circle
func NewCircleState(c fit.Circle) CircleState {
	return CircleState{A: c.A, B: c.B, R: c.R, Sigma: c.S, Gradient: c.G, Iterations: c.I, Inner: c.J}
}

// Circle converts back to a fit.Circle
func (s CircleState) Circle() fit.Circle {
	return fit.Circle{A: s.A, B: s.B, R: s.R, S: s.Sigma, G: s.Gradient, I: s.Iterations, J: s.Inner}
}

// Checkpoint is the saved outcome of a fit job. Resuming restarts the fitter
// from Circle; a converged checkpoint therefore refits in a single outer
// iteration.
type Checkpoint struct {
	JobID string `json:"jobId"`

	// Circle is the last accepted model
	Circle CircleState `json:"circle"`

	// Code is the fit termination code (0 converged, 1-3 see fit.Code)
	Code int `json:"code"`

	// InitialSigma is the residual of the starting circle
	InitialSigma float64 `json:"initialSigma"`

	// Fingerprint of Config.Points, checked on resume
	Fingerprint string `json:"fingerprint"`

	Timestamp time.Time `json:"timestamp"`

	Config JobConfig `json:"config"`
}

// CheckpointInfo is the listing view of a checkpoint without the point data.
type CheckpointInfo struct {
	JobID      string    `json:"jobId"`
	Sigma      float64   `json:"sigma"`
	Code       int       `json:"code"`
	Iterations int       `json:"iterations"`
	Points     int       `json:"points"`
	Strategy   string    `json:"strategy"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewCheckpoint builds a checkpoint from a finished fit
func NewCheckpoint(jobID string, circle fit.Circle, code fit.Code, initialSigma float64, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:        jobID,
		Circle:       NewCircleState(circle),
		Code:         int(code),
		InitialSigma: initialSigma,
		Fingerprint:  config.Fingerprint(),
		Timestamp:    time.Now(),
		Config:       config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:      c.JobID,
		Sigma:      c.Circle.Sigma,
		Code:       c.Code,
		Iterations: c.Circle.Iterations,
		Points:     len(c.Config.Points),
		Strategy:   c.Config.Strategy,
		Timestamp:  c.Timestamp,
	}
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	switch {
	case c.JobID == "":
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	case len(c.Config.Points) == 0:
		return &ValidationError{Field: "Config.Points", Reason: "cannot be empty"}
	case !(c.Circle.R > 0):
		return &ValidationError{Field: "Circle.R", Reason: "must be positive"}
	case c.Circle.Sigma < 0:
		return &ValidationError{Field: "Circle.Sigma", Reason: "cannot be negative"}
	case c.InitialSigma < 0:
		return &ValidationError{Field: "InitialSigma", Reason: "cannot be negative"}
	case c.Code < int(fit.CodeConverged) || c.Code > int(fit.CodeDiverged):
		return &ValidationError{Field: "Code", Reason: fmt.Sprintf("unknown termination code %d", c.Code)}
	case c.Timestamp.IsZero():
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	case !(c.Config.Lambda > 0):
		return &ValidationError{Field: "Config.Lambda", Reason: "must be positive"}
	case c.Config.Strategy == "":
		return &ValidationError{Field: "Config.Strategy", Reason: "cannot be empty"}
	}

	if fp := c.Config.Fingerprint(); fp != c.Fingerprint {
		return &ValidationError{
			Field:  "Fingerprint",
			Reason: fmt.Sprintf("does not match points (expected %s, got %s)", fp, c.Fingerprint),
		}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks that config fits the same points with the same seeding
// strategy as the checkpoint.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if fp := config.Fingerprint(); fp != c.Fingerprint {
		return &CompatibilityError{Field: "Fingerprint", Expected: c.Fingerprint, Actual: fp}
	}
	if c.Config.Strategy != config.Strategy {
		return &CompatibilityError{Field: "Strategy", Expected: c.Config.Strategy, Actual: config.Strategy}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
