package opt

import (
	"math"
	"testing"
)

// Sphere function: f(x) = sum(x_i^2), minimum at origin
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func TestMayflyAdapterOnSphere(t *testing.T) {
	optimizer := NewMayfly(100, 20, 42) // maxIters, popSize, seed

	dim := 3
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = -10
		upper[i] = 10
	}

	best, cost := optimizer.Run(sphere, lower, upper, dim)

	if len(best) != dim {
		t.Fatalf("Expected %d parameters, got %d", dim, len(best))
	}

	if cost > 0.1 {
		t.Errorf("Expected cost near 0, got %f", cost)
	}

	for i, v := range best {
		if math.Abs(v) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 0", i, v)
		}
	}
}

func TestMayflyAdapterRespectsPerDimensionBounds(t *testing.T) {
	optimizer := NewMayfly(60, 20, 7)

	// Minimum of the shifted sphere lies outside the third dimension's box
	shifted := func(x []float64) float64 {
		return (x[0]-1)*(x[0]-1) + (x[1]+1)*(x[1]+1) + (x[2]+5)*(x[2]+5)
	}
	lower := []float64{-10, -10, 0.5}
	upper := []float64{10, 10, 10}

	best, _ := optimizer.Run(shifted, lower, upper, 3)

	for i := range best {
		if best[i] < lower[i] || best[i] > upper[i] {
			t.Errorf("Parameter %d = %f outside [%f, %f]", i, best[i], lower[i], upper[i])
		}
	}
}

func TestMayflyAdapterDeterministic(t *testing.T) {
	dim := 2
	lower := []float64{-5, -5}
	upper := []float64{5, 5}

	optimizer1 := NewMayfly(50, 20, 123)
	_, cost1 := optimizer1.Run(sphere, lower, upper, dim)

	optimizer2 := NewMayfly(50, 20, 123)
	_, cost2 := optimizer2.Run(sphere, lower, upper, dim)

	if cost1 != cost2 {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", cost1, cost2)
	}
}

func TestNewMayflyRaisesSmallPopulation(t *testing.T) {
	optimizer := NewMayfly(10, 5, 1).(*MayflyAdapter)
	if optimizer.popSize != minPopSize {
		t.Errorf("Expected population %d, got %d", minPopSize, optimizer.popSize)
	}
}
