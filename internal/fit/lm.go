package fit

import (
	"fmt"
	"log/slog"
	"math"
)

// Default Levenberg-Marquardt constants
const (
	DefaultLambda     = 0.001
	DefaultMaxIter    = 99
	DefaultMaxInner   = 99
	DefaultFactorUp   = 10.0
	DefaultFactorDown = 0.04
	DefaultParLimit   = 1e6
	DefaultEpsilon    = 3e-8
)

// CodeInvalid is returned alongside an error when the fit could not run.
const CodeInvalid Code = -1

// Phase is a state of the fitting state machine
type Phase int

const (
	PhaseMoments        Phase = iota // Linearize at the accepted model
	PhaseSolve                       // Solve the damped system, build a trial
	PhaseEvaluate                    // Score the trial, accept or reject
	PhaseConverged                   // Terminal: step below tolerance
	PhaseDiverged                    // Terminal: center beyond ParLimit
	PhaseOuterExhausted              // Terminal: MaxIter exceeded
	PhaseInnerExhausted              // Terminal: MaxInner exceeded
)

func (p Phase) String() string {
	switch p {
	case PhaseMoments:
		return "moments"
	case PhaseSolve:
		return "solve"
	case PhaseEvaluate:
		return "evaluate"
	case PhaseConverged:
		return "converged"
	case PhaseDiverged:
		return "diverged"
	case PhaseOuterExhausted:
		return "outer_exhausted"
	case PhaseInnerExhausted:
		return "inner_exhausted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether p ends the fit
func (p Phase) Terminal() bool {
	return p >= PhaseConverged
}

// Rejection reasons reported in Step.Rejection
const (
	RejectRadius    = "non_positive_radius"
	RejectNoImprove = "no_improvement"
)

// Step describes one trial of the fitter, or its termination when
// Phase is terminal.
type Step struct {
	Phase     Phase
	Outer     int
	Inner     int
	Lambda    float64 // Damping used to produce Trial
	Trial     Circle
	Accepted  bool
	Rejection string
}

// LMConfig holds the Levenberg-Marquardt parameters
type LMConfig struct {
	Lambda     float64 // Initial damping
	MaxIter    int     // Outer iteration cap
	MaxInner   int     // Cumulative damping retry cap
	FactorUp   float64 // Damping growth on rejection
	FactorDown float64 // Damping shrink on acceptance
	ParLimit   float64 // Bound on |a| and |b|
	Epsilon    float64 // Relative step tolerance

	// Workers > 1 splits moment accumulation for large point sets
	Workers int

	// Observer, if set, is called synchronously after every trial
	Observer func(Step)
}

// DefaultLMConfig returns the standard constants with initial damping 0.001
func DefaultLMConfig() LMConfig {
	return LMConfig{
		Lambda:     DefaultLambda,
		MaxIter:    DefaultMaxIter,
		MaxInner:   DefaultMaxInner,
		FactorUp:   DefaultFactorUp,
		FactorDown: DefaultFactorDown,
		ParLimit:   DefaultParLimit,
		Epsilon:    DefaultEpsilon,
		Workers:    1,
	}
}

// Validate checks that all parameters are usable
func (c LMConfig) Validate() error {
	switch {
	case !(c.Lambda > 0) || math.IsInf(c.Lambda, 0):
		return fmt.Errorf("lambda must be positive and finite, got %v: %w", c.Lambda, ErrInvalidInput)
	case c.MaxIter <= 0:
		return fmt.Errorf("max iterations must be positive, got %d: %w", c.MaxIter, ErrInvalidInput)
	case c.MaxInner <= 0:
		return fmt.Errorf("max inner iterations must be positive, got %d: %w", c.MaxInner, ErrInvalidInput)
	case !(c.FactorUp > 1):
		return fmt.Errorf("factor up must exceed 1, got %v: %w", c.FactorUp, ErrInvalidInput)
	case !(c.FactorDown > 0 && c.FactorDown < 1):
		return fmt.Errorf("factor down must be in (0,1), got %v: %w", c.FactorDown, ErrInvalidInput)
	case !(c.ParLimit > 0):
		return fmt.Errorf("parameter limit must be positive, got %v: %w", c.ParLimit, ErrInvalidInput)
	case !(c.Epsilon > 0):
		return fmt.Errorf("epsilon must be positive, got %v: %w", c.Epsilon, ErrInvalidInput)
	}
	return nil
}

// LMFitter fits circles with Levenberg-Marquardt over the full (a, b, r) space.
// An LMFitter holds no per-fit state and may be used from several goroutines
// as long as its Observer is safe for that.
type LMFitter struct {
	cfg LMConfig
}

// NewLMFitter creates a fitter with the given configuration
func NewLMFitter(cfg LMConfig) *LMFitter {
	return &LMFitter{cfg: cfg}
}

// Config returns the fitter configuration
func (f *LMFitter) Config() LMConfig {
	return f.cfg
}

// FitCircleLM fits a circle to ps starting from guess with initial damping
// lambda and the default constants.
func FitCircleLM(ps *PointSet, guess Circle, lambda float64) (Circle, Code, error) {
	cfg := DefaultLMConfig()
	cfg.Lambda = lambda
	return NewLMFitter(cfg).Fit(ps, guess)
}

// Fit refines guess and returns the last accepted circle with its termination
// code. Only the center and radius of guess are used. On error the code is
// CodeInvalid; if the error happened mid-fit the last accepted circle is
// returned with it.
func (f *LMFitter) Fit(ps *PointSet, guess Circle) (Circle, Code, error) {
	cfg := f.cfg
	if err := cfg.Validate(); err != nil {
		return Circle{}, CodeInvalid, err
	}
	if err := checkStart(ps, guess); err != nil {
		return Circle{}, CodeInvalid, err
	}

	var (
		lambda     = cfg.Lambda
		next       = NewCircle(guess.A, guess.B, guess.R)
		cur        Circle
		m          moments
		f1, f2, f3 float64
		outer      int
		inner      int
		phase      = PhaseMoments
	)
	next.S = Sigma(ps, next)

	observe := func(s Step) {
		if cfg.Observer != nil {
			cfg.Observer(s)
		}
	}

	// reject raises the damping and retries the solve at the same model.
	reject := func(reason string) {
		observe(Step{Phase: phase, Outer: outer, Inner: inner, Lambda: lambda, Trial: next, Rejection: reason})
		lambda *= cfg.FactorUp
		inner++
		if inner > cfg.MaxInner {
			phase = PhaseInnerExhausted
			return
		}
		phase = PhaseSolve
	}

	for !phase.Terminal() {
		switch phase {
		case PhaseMoments:
			cur = next
			outer++
			if outer > cfg.MaxIter {
				phase = PhaseOuterExhausted
				break
			}

			var ok bool
			m, ok = computeMoments(ps, cur.A, cur.B, cfg.Workers)
			if !ok {
				cur.I, cur.J = outer, inner
				return cur, CodeInvalid, fmt.Errorf("center (%v, %v) coincides with a data point at iteration %d: %w",
					cur.A, cur.B, outer, ErrInvalidInput)
			}

			f1 = cur.A + cur.R*m.mu - ps.meanX
			f2 = cur.B + cur.R*m.mv - ps.meanY
			f3 = cur.R - m.mr
			cur.G = math.Sqrt(f1*f1 + f2*f2 + f3*f3)
			next.G = cur.G
			phase = PhaseSolve

		case PhaseSolve:
			dX, dY, dR := solveDamped(m, lambda, f1, f2, f3)

			if (math.Abs(dR)+math.Abs(dX)+math.Abs(dY))/(1.0+cur.R) < cfg.Epsilon {
				phase = PhaseConverged
				break
			}

			next.A = cur.A - dX
			next.B = cur.B - dY
			if math.Abs(next.A) > cfg.ParLimit || math.Abs(next.B) > cfg.ParLimit {
				phase = PhaseDiverged
				break
			}

			next.R = cur.R - dR
			if next.R <= 0 {
				// Scored for observers only; the trial is never compared
				next.S = Sigma(ps, next)
				reject(RejectRadius)
				break
			}
			phase = PhaseEvaluate

		case PhaseEvaluate:
			next.S = Sigma(ps, next)
			if next.S < cur.S {
				observe(Step{Phase: phase, Outer: outer, Inner: inner, Lambda: lambda, Trial: next, Accepted: true})
				slog.Debug("LM step accepted", "outer", outer, "inner", inner, "lambda", lambda, "sigma", next.S)
				lambda *= cfg.FactorDown
				phase = PhaseMoments
				break
			}
			reject(RejectNoImprove)
		}
	}

	cur.I = outer
	cur.J = inner
	code := phaseCode(phase)

	observe(Step{Phase: phase, Outer: outer, Inner: inner, Lambda: lambda, Trial: cur, Accepted: code == CodeConverged})
	slog.Debug("LM fit finished", "code", code, "iterations", outer, "inner", inner, "sigma", cur.S)
	return cur, code, nil
}

func phaseCode(p Phase) Code {
	switch p {
	case PhaseOuterExhausted:
		return CodeOuterExhausted
	case PhaseInnerExhausted:
		return CodeInnerExhausted
	case PhaseDiverged:
		return CodeDiverged
	default:
		return CodeConverged
	}
}

// checkStart rejects inputs the iteration cannot handle.
func checkStart(ps *PointSet, guess Circle) error {
	if ps == nil || ps.Len() == 0 {
		return fmt.Errorf("empty point set: %w", ErrInvalidInput)
	}
	if !isFinite(guess.A) || !isFinite(guess.B) || !isFinite(guess.R) {
		return fmt.Errorf("initial guess %v is not finite: %w", guess, ErrInvalidInput)
	}
	if guess.R <= 0 {
		return fmt.Errorf("initial radius must be positive, got %v: %w", guess.R, ErrInvalidInput)
	}
	for i, p := range ps.points {
		if p.X == guess.A && p.Y == guess.B {
			return fmt.Errorf("point %d coincides with the initial center (%v, %v): %w", i, p.X, p.Y, ErrInvalidInput)
		}
	}
	return nil
}
