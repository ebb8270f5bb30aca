package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/cwbudde/lmcirclefit/internal/config"
	"github.com/cwbudde/lmcirclefit/internal/fit"
	"github.com/cwbudde/lmcirclefit/internal/opt"
	"github.com/cwbudde/lmcirclefit/internal/store"
)

// normalizeConfig validates a fit request and fills in server defaults. An
// empty strategy means "given" when a guess with positive radius is present
// and "centroid" otherwise.
func normalizeConfig(c JobConfig, defaults config.Config) (JobConfig, error) {
	if _, err := fit.NewPointSet(c.Points); err != nil {
		return JobConfig{}, err
	}

	if c.Lambda == 0 {
		c.Lambda = defaults.Lambda
	}
	if !(c.Lambda > 0) || math.IsInf(c.Lambda, 0) {
		return JobConfig{}, fmt.Errorf("lambda must be positive, got %v: %w", c.Lambda, fit.ErrInvalidInput)
	}
	if c.Retries < 0 {
		return JobConfig{}, fmt.Errorf("retries must be non-negative, got %d: %w", c.Retries, fit.ErrInvalidInput)
	}

	if c.Strategy == "" {
		if c.Guess[2] > 0 {
			c.Strategy = string(fit.SeedGiven)
		} else {
			c.Strategy = string(fit.SeedCentroid)
		}
	}
	strategy, err := fit.ParseSeedStrategy(c.Strategy)
	if err != nil {
		return JobConfig{}, err
	}
	c.Strategy = string(strategy)

	switch strategy {
	case fit.SeedGiven:
		for _, g := range c.Guess {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return JobConfig{}, fmt.Errorf("guess %v is not finite: %w", c.Guess, fit.ErrInvalidInput)
			}
		}
		if !(c.Guess[2] > 0) {
			return JobConfig{}, fmt.Errorf("guess radius must be positive, got %v: %w", c.Guess[2], fit.ErrInvalidInput)
		}
	case fit.SeedMayfly:
		if c.Iters <= 0 {
			c.Iters = defaults.Mayfly.Iters
		}
		if c.PopSize <= 0 {
			c.PopSize = defaults.Mayfly.PopSize
		}
		c.Iters = min(c.Iters, defaults.Mayfly.MaxIters)
		c.PopSize = min(c.PopSize, defaults.Mayfly.MaxPopSize)
		if c.Seed == 0 {
			c.Seed = defaults.Mayfly.Seed
		}
	}

	c.Center = c.Center || defaults.Preprocess.Center
	c.Scale = c.Scale || defaults.Preprocess.Scale
	return c, nil
}

// buildRequest turns a normalized job config into a fit request
func buildRequest(c JobConfig, defaults config.Config) (fit.Request, error) {
	ps, err := fit.NewPointSet(c.Points)
	if err != nil {
		return fit.Request{}, err
	}
	strategy, err := fit.ParseSeedStrategy(c.Strategy)
	if err != nil {
		return fit.Request{}, err
	}

	lm := defaults.LMConfig()
	lm.Lambda = c.Lambda

	retry := fit.NoRetryConfig()
	if c.Retries > 0 {
		retry = fit.DefaultRetryConfig()
		retry.MaxRetries = c.Retries
	}

	req := fit.Request{
		Points:   ps,
		Guess:    fit.NewCircle(c.Guess[0], c.Guess[1], c.Guess[2]),
		Strategy: strategy,
		Center:   c.Center,
		Scale:    c.Scale,
		LM:       lm,
		Retry:    retry,
	}
	if strategy == fit.SeedMayfly {
		req.Optimizer = opt.NewMayfly(c.Iters, c.PopSize, c.Seed)
	}
	return req, nil
}

// FitResponse is the body returned by POST /api/v1/fit
type FitResponse struct {
	Circle   store.CircleState `json:"circle"`
	Code     int               `json:"code"`
	Status   string            `json:"status"`
	Initial  store.CircleState `json:"initial"`
	Attempts int               `json:"attempts"`
}

func newFitResponse(r *fit.FitResult) FitResponse {
	return FitResponse{
		Circle:   store.NewCircleState(r.Circle),
		Code:     int(r.Code),
		Status:   r.Code.String(),
		Initial:  store.NewCircleState(r.Initial),
		Attempts: r.Attempts,
	}
}

// traceDir returns the base directory for traces if the store keeps files
func traceDir(s store.Store) string {
	if d, ok := s.(interface{ BaseDir() string }); ok {
		return d.BaseDir()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
