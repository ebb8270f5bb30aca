package fit

import (
	"fmt"
	"math"
	"testing"
)

func TestSigmaExactCircle(t *testing.T) {
	ps := unitCrossPoints(t)

	if s := Sigma(ps, NewCircle(0, 0, 1)); s != 0 {
		t.Errorf("Points on the circle should have sigma 0, got %g", s)
	}
}

func TestSigmaKnownValue(t *testing.T) {
	ps := unitCrossPoints(t)

	// Every point is 1 unit inside a radius-2 circle
	s := Sigma(ps, NewCircle(0, 0, 2))
	if math.Abs(s-1) > 1e-15 {
		t.Errorf("Expected sigma 1, got %g", s)
	}
}

func TestSigmaNonNegative(t *testing.T) {
	ps := noisyCircle(t, 1, 2, 3, 0.4, 17)

	circles := []Circle{
		NewCircle(0, 0, 1),
		NewCircle(1, 2, 3),
		NewCircle(-5, 8, 0.1),
		NewCircle(1, 2, 0),
		NewCircle(1, 2, -4),
	}

	for _, c := range circles {
		s := Sigma(ps, c)
		if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			t.Errorf("Sigma(%v) = %g, expected finite and non-negative", c, s)
		}
	}
}

func TestSigmaReflectionSymmetry(t *testing.T) {
	ps := noisyCircle(t, 1.5, -0.7, 2.5, 0.2, 13)
	c := NewCircle(1.2, -0.4, 2.2)

	reflect := func(f func(Point) Point, c Circle) (*PointSet, Circle) {
		points := ps.Points()
		for i := range points {
			points[i] = f(points[i])
		}
		out, err := NewPointSet(points)
		if err != nil {
			t.Fatalf("Failed to build reflected set: %v", err)
		}
		center := f(Point{X: c.A, Y: c.B})
		return out, NewCircle(center.X, center.Y, c.R)
	}

	tests := []struct {
		name string
		f    func(Point) Point
	}{
		{"x axis", func(p Point) Point { return Point{X: p.X, Y: -p.Y} }},
		{"y axis", func(p Point) Point { return Point{X: -p.X, Y: p.Y} }},
		{"diagonal", func(p Point) Point { return Point{X: p.Y, Y: p.X} }},
	}

	want := Sigma(ps, c)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rps, rc := reflect(tt.f, c)
			got := Sigma(rps, rc)
			if math.Abs(got-want) > 1e-12 {
				t.Errorf("Reflected sigma %g, expected %g", got, want)
			}
		})
	}
}

func ExampleSigma() {
	ps, _ := NewPointSetXY([]float64{0, 1, -1, 0}, []float64{1, 0, 0, -1})

	fmt.Printf("%.4f\n", Sigma(ps, NewCircle(0, 0, 1)))
	fmt.Printf("%.4f\n", Sigma(ps, NewCircle(0, 0, 1.5)))
	// Output:
	// 0.0000
	// 0.5000
}
