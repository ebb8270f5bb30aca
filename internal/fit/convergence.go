package fit

import (
	"log/slog"
	"math"
)

// RetryConfig controls how FitWithRetries restarts fits that did not converge
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first (0 = single attempt)
	MaxRetries int

	// Patience is the number of attempts with no significant sigma improvement
	// before giving up
	Patience int

	// Threshold is the minimum relative sigma improvement that counts as progress
	// Relative improvement = (oldSigma - newSigma) / oldSigma
	Threshold float64
}

// DefaultRetryConfig returns sensible defaults for restarting failed fits
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Patience:   2,
		Threshold:  0.001, // 0.1% improvement
	}
}

// NoRetryConfig runs a single attempt
func NoRetryConfig() RetryConfig {
	return RetryConfig{}
}

// ConvergenceTracker tracks sigma across fit attempts and detects stagnation
type ConvergenceTracker struct {
	patience        int
	threshold       float64
	history         []float64
	best            float64 // Best sigma ever seen
	lastSignificant float64 // Last sigma that was a significant improvement
	staleCount      int     // Attempts without significant improvement
}

// NewConvergenceTracker creates a tracker for the given retry settings
func NewConvergenceTracker(cfg RetryConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		patience:        cfg.Patience,
		threshold:       cfg.Threshold,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records a sigma and returns true once progress has stalled
func (c *ConvergenceTracker) Update(sigma float64) bool {
	c.history = append(c.history, sigma)

	if sigma < c.best {
		c.best = sigma
	}

	if len(c.history) == 1 {
		c.lastSignificant = sigma
		return false
	}

	var relativeImprovement float64
	if c.lastSignificant > 0 {
		relativeImprovement = (c.lastSignificant - sigma) / c.lastSignificant
	}

	if relativeImprovement >= c.threshold && relativeImprovement > 0 {
		c.lastSignificant = sigma
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant sigma improvement",
		"sigma", sigma,
		"last_significant", c.lastSignificant,
		"stale_count", c.staleCount,
		"patience", c.patience,
	)

	return c.patience > 0 && c.staleCount >= c.patience
}

// Best returns the lowest sigma seen so far
func (c *ConvergenceTracker) Best() float64 {
	return c.best
}

// History returns all recorded sigmas
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// StaleCount returns the current number of attempts without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state
func (c *ConvergenceTracker) Reset() {
	c.history = nil
	c.best = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
