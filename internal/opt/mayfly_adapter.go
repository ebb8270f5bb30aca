package opt

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minPopSize is the smallest population mayfly v0.1.0 accepts
const minPopSize = 20

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter.
// Population sizes below 20 are raised to 20.
func NewMayfly(maxIters, popSize int, seed int64) Optimizer {
	if popSize < minPopSize {
		popSize = minPopSize
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library.
// The library takes scalar bounds, so the widest box covering every
// dimension is used and eval sees points outside the per-dimension limits
// clamped back into them.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	lo, hi := lower[0], upper[0]
	for i := 1; i < dim; i++ {
		lo = math.Min(lo, lower[i])
		hi = math.Max(hi, upper[i])
	}

	clamped := func(x []float64) float64 {
		p := make([]float64, dim)
		for i := range p {
			p[i] = math.Max(lower[i], math.Min(upper[i], x[i]))
		}
		return eval(p)
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = clamped
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lo
	config.UpperBound = hi
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		slog.Warn("Mayfly optimization failed, falling back to box center", "error", err)
		center := make([]float64, dim)
		for i := range center {
			center[i] = (lower[i] + upper[i]) / 2
		}
		return center, eval(center)
	}

	best := make([]float64, dim)
	for i := range best {
		best[i] = math.Max(lower[i], math.Min(upper[i], result.GlobalBest.Position[i]))
	}
	return best, eval(best)
}
