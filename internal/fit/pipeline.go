package fit

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/lmcirclefit/internal/opt"
)

// SeedStrategy selects how the initial circle is chosen
type SeedStrategy string

const (
	SeedGiven    SeedStrategy = "given"    // Use the caller's guess
	SeedCentroid SeedStrategy = "centroid" // Mean of points, mean distance as radius
	SeedMayfly   SeedStrategy = "mayfly"   // Global search minimizing Sigma
)

// ParseSeedStrategy validates a strategy name; empty means SeedGiven.
func ParseSeedStrategy(s string) (SeedStrategy, error) {
	switch SeedStrategy(s) {
	case "", SeedGiven:
		return SeedGiven, nil
	case SeedCentroid, SeedMayfly:
		return SeedStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown seed strategy %q: %w", s, ErrInvalidInput)
	}
}

// SeedGuess produces an initial circle for ps. The optimizer is only used by
// SeedMayfly and may be nil otherwise.
func SeedGuess(ps *PointSet, strategy SeedStrategy, guess Circle, optimizer opt.Optimizer) (Circle, error) {
	switch strategy {
	case "", SeedGiven:
		return NewCircle(guess.A, guess.B, guess.R), nil
	case SeedCentroid:
		return nudgeOffPoints(ps, centroidGuess(ps)), nil
	case SeedMayfly:
		if optimizer == nil {
			return Circle{}, fmt.Errorf("mayfly seeding needs an optimizer: %w", ErrInvalidInput)
		}
		return nudgeOffPoints(ps, globalGuess(ps, optimizer)), nil
	default:
		return Circle{}, fmt.Errorf("unknown seed strategy %q: %w", strategy, ErrInvalidInput)
	}
}

func centroidGuess(ps *PointSet) Circle {
	mx, my := ps.Mean()
	var sum float64
	for _, p := range ps.points {
		sum += math.Hypot(p.X-mx, p.Y-my)
	}
	r := sum / float64(ps.Len())
	if r == 0 {
		r = 1
	}
	return NewCircle(mx, my, r)
}

// globalGuess searches a box three extents wide around the data.
func globalGuess(ps *PointSet, optimizer opt.Optimizer) Circle {
	minX, minY, maxX, maxY := ps.Bounds()
	span := extent(ps)

	lower := []float64{minX - span, minY - span, span * 1e-3}
	upper := []float64{maxX + span, maxY + span, 3 * span}

	eval := func(x []float64) float64 {
		return Sigma(ps, NewCircle(x[0], x[1], x[2]))
	}

	best, cost := optimizer.Run(eval, lower, upper, 3)
	slog.Debug("Global seed search complete", "a", best[0], "b", best[1], "r", best[2], "sigma", cost)
	return NewCircle(best[0], best[1], best[2])
}

func extent(ps *PointSet) float64 {
	minX, minY, maxX, maxY := ps.Bounds()
	span := math.Max(maxX-minX, maxY-minY)
	if span == 0 {
		span = 1
	}
	return span
}

// nudgeOffPoints moves a seeded center that lands exactly on a data point.
func nudgeOffPoints(ps *PointSet, c Circle) Circle {
	for _, p := range ps.points {
		if p.X == c.A && p.Y == c.B {
			c.A += extent(ps) * 1e-6
			break
		}
	}
	return c
}

// Transform maps preprocessed coordinates back to the original ones:
// original = transformed*Scale + Offset.
type Transform struct {
	OffsetX float64
	OffsetY float64
	Scale   float64
}

// IdentityTransform leaves coordinates unchanged
func IdentityTransform() Transform {
	return Transform{Scale: 1}
}

// Apply maps a circle fitted on transformed data to original coordinates
func (t Transform) Apply(c Circle) Circle {
	return c.Map(t.OffsetX, t.OffsetY, t.Scale)
}

// Inverse maps a circle in original coordinates to transformed coordinates
func (t Transform) Inverse(c Circle) Circle {
	out := c
	out.A = (c.A - t.OffsetX) / t.Scale
	out.B = (c.B - t.OffsetY) / t.Scale
	out.R = c.R / t.Scale
	out.S = c.S / t.Scale
	return out
}

// Preprocess optionally centers then scales ps
func Preprocess(ps *PointSet, center, scale bool) (*PointSet, Transform, error) {
	t := IdentityTransform()
	out := ps
	var err error
	if center {
		t.OffsetX, t.OffsetY = ps.Mean()
		if out, err = out.Centered(); err != nil {
			return nil, Transform{}, err
		}
	}
	if scale {
		if out, t.Scale, err = out.Scaled(); err != nil {
			return nil, Transform{}, err
		}
	}
	return out, t, nil
}

// FitResult holds the output of a fit with retries
type FitResult struct {
	Circle   Circle  `json:"circle"`
	Code     Code    `json:"code"`
	Initial  Circle  `json:"initial"`  // Starting circle with its sigma
	Attempts int     `json:"attempts"` // Number of LM runs
	Lambda   float64 `json:"lambda"`   // Initial damping of the last run
}

// FitWithRetries runs the fitter and, while it does not converge, restarts it
// from the last accepted circle with the damping raised by FactorUp. It stops
// after MaxRetries restarts or once sigma stops improving.
func FitWithRetries(ps *PointSet, guess Circle, cfg LMConfig, retry RetryConfig) (*FitResult, error) {
	tracker := NewConvergenceTracker(retry)

	initial := NewCircle(guess.A, guess.B, guess.R)
	if ps != nil && ps.Len() > 0 {
		initial.S = Sigma(ps, initial)
	}
	result := &FitResult{Initial: initial}

	start := guess
	lambda := cfg.Lambda
	for attempt := 1; ; attempt++ {
		run := cfg
		run.Lambda = lambda

		circle, code, err := NewLMFitter(run).Fit(ps, start)
		if err != nil {
			if attempt == 1 {
				return nil, err
			}
			slog.Warn("Retry aborted", "attempt", attempt, "error", err)
			break
		}

		result.Circle = circle
		result.Code = code
		result.Attempts = attempt
		result.Lambda = lambda

		if code.Converged() || attempt > retry.MaxRetries {
			break
		}
		if tracker.Update(circle.S) {
			slog.Info("Retries stalled", "attempt", attempt, "sigma", circle.S)
			break
		}

		slog.Debug("Fit did not converge, retrying", "attempt", attempt, "code", code, "sigma", circle.S)
		start = circle
		lambda *= cfg.FactorUp
	}

	return result, nil
}

// Request describes a complete fit: seeding, preprocessing and retries
type Request struct {
	Points    *PointSet
	Guess     Circle
	Strategy  SeedStrategy
	Center    bool
	Scale     bool
	LM        LMConfig
	Retry     RetryConfig
	Optimizer opt.Optimizer
}

// Run seeds, preprocesses and fits, and returns the result in the original
// coordinates of req.Points.
func Run(req Request) (*FitResult, error) {
	if req.Points == nil {
		return nil, fmt.Errorf("no points: %w", ErrInvalidInput)
	}

	slog.Info("Starting circle fit", "points", req.Points.Len(), "strategy", req.Strategy, "lambda", req.LM.Lambda)

	ps, t, err := Preprocess(req.Points, req.Center, req.Scale)
	if err != nil {
		return nil, err
	}

	// Observers always see circles in the caller's coordinates
	if observe := req.LM.Observer; observe != nil && t != IdentityTransform() {
		req.LM.Observer = func(s Step) {
			s.Trial = t.Apply(s.Trial)
			observe(s)
		}
	}

	var guess Circle
	if req.Strategy == "" || req.Strategy == SeedGiven {
		guess = t.Inverse(NewCircle(req.Guess.A, req.Guess.B, req.Guess.R))
	} else {
		guess, err = SeedGuess(ps, req.Strategy, Circle{}, req.Optimizer)
		if err != nil {
			return nil, err
		}
	}

	result, err := FitWithRetries(ps, guess, req.LM, req.Retry)
	if err != nil {
		return nil, err
	}

	result.Circle = t.Apply(result.Circle)
	result.Initial = t.Apply(result.Initial)

	slog.Info("Circle fit complete",
		"code", result.Code,
		"attempts", result.Attempts,
		"initial_sigma", result.Initial.S,
		"sigma", result.Circle.S,
		"iterations", result.Circle.I,
	)
	return result, nil
}
