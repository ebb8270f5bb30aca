package fit

import "math"

// CostFunc scores a circle against a point set
type CostFunc func(ps *PointSet, c Circle) float64

var _ CostFunc = Sigma

// Sigma computes the root-mean-square geometric distance from the points to
// the circle. It is defined for any radius, including r <= 0, so trial models
// can be scored before they are rejected.
func Sigma(ps *PointSet, c Circle) float64 {
	var sum float64
	for _, p := range ps.points {
		dx := p.X - c.A
		dy := p.Y - c.B
		d := math.Sqrt(dx*dx+dy*dy) - c.R
		sum += d * d
	}

	return math.Sqrt(sum / float64(len(ps.points)))
}
