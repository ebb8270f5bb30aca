package fit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidInput is returned when a fit cannot start because its inputs are
// degenerate (empty point set, non-positive radius or damping, a point sitting
// exactly on the current center).
// Use errors.Is(err, ErrInvalidInput) to check for this error.
var ErrInvalidInput = errors.New("invalid input")

// Point is a single 2D observation
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PointSet is an immutable collection of 2D points together with their mean.
// Constructors copy the caller's coordinates, so a PointSet never changes
// once built and can be shared between concurrent fits.
type PointSet struct {
	points []Point
	meanX  float64
	meanY  float64
}

// NewPointSet copies points into a new PointSet and computes the mean.
func NewPointSet(points []Point) (*PointSet, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("point set needs at least one point: %w", ErrInvalidInput)
	}

	owned := make([]Point, len(points))
	copy(owned, points)

	// Running mean stays finite for any finite input
	var meanX, meanY float64
	for i, p := range owned {
		if !isFinite(p.X) || !isFinite(p.Y) {
			return nil, fmt.Errorf("point %d is not finite (%v, %v): %w", i, p.X, p.Y, ErrInvalidInput)
		}
		k := float64(i + 1)
		meanX += p.X/k - meanX/k
		meanY += p.Y/k - meanY/k
	}

	return &PointSet{
		points: owned,
		meanX:  meanX,
		meanY:  meanY,
	}, nil
}

// NewPointSetXY builds a PointSet from parallel coordinate slices.
func NewPointSetXY(xs, ys []float64) (*PointSet, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("got %d xs and %d ys: %w", len(xs), len(ys), ErrInvalidInput)
	}

	points := make([]Point, len(xs))
	for i := range xs {
		points[i] = Point{X: xs[i], Y: ys[i]}
	}
	return NewPointSet(points)
}

// Len returns the number of points
func (ps *PointSet) Len() int {
	return len(ps.points)
}

// At returns the i-th point
func (ps *PointSet) At(i int) Point {
	return ps.points[i]
}

// Mean returns the arithmetic mean of the coordinates
func (ps *PointSet) Mean() (float64, float64) {
	return ps.meanX, ps.meanY
}

// Points returns a copy of the stored points
func (ps *PointSet) Points() []Point {
	return append([]Point(nil), ps.points...)
}

// Bounds returns the axis-aligned bounding box of the points
func (ps *PointSet) Bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range ps.points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return minX, minY, maxX, maxY
}

// Centered returns a copy of the set translated so that its mean is the origin.
// It fails with ErrInvalidInput if the spread of the set overflows float64.
func (ps *PointSet) Centered() (*PointSet, error) {
	out := make([]Point, len(ps.points))
	for i, p := range ps.points {
		out[i] = Point{X: p.X - ps.meanX, Y: p.Y - ps.meanY}
	}
	centered, err := NewPointSet(out)
	if err != nil {
		return nil, fmt.Errorf("centering overflows: %w", err)
	}
	return centered, nil
}

// Scaled returns a copy of the set divided by the RMS coordinate magnitude
// sqrt((Σx² + Σy²) / 2N) and the factor that was used. A set with all points
// at the origin is returned unchanged with factor 1.
func (ps *PointSet) Scaled() (*PointSet, float64, error) {
	// Sum squares relative to the largest magnitude so huge coordinates
	// do not overflow.
	var peak float64
	for _, p := range ps.points {
		peak = math.Max(peak, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	if peak == 0 {
		return ps, 1, nil
	}

	var sum float64
	for _, p := range ps.points {
		x, y := p.X/peak, p.Y/peak
		sum += x*x + y*y
	}
	scaling := peak * math.Sqrt(sum/float64(len(ps.points))/2)

	out := make([]Point, len(ps.points))
	for i, p := range ps.points {
		out[i] = Point{X: p.X / scaling, Y: p.Y / scaling}
	}
	scaled, err := NewPointSet(out)
	if err != nil {
		return nil, 0, fmt.Errorf("scaling by %v: %w", scaling, err)
	}
	return scaled, scaling, nil
}

// Fingerprint returns an xxHash64 digest of the coordinates in order.
// Identical point sets always share a fingerprint.
func (ps *PointSet) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [16]byte
	for _, p := range ps.points {
		binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(p.X))
		binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(p.Y))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (ps *PointSet) String() string {
	var sb strings.Builder
	sb.WriteString("DATA(len:")
	sb.WriteString(strconv.Itoa(len(ps.points)))
	sb.WriteString(")[")
	for i, p := range ps.points {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "(%g,%g)", p.X, p.Y)
	}
	sb.WriteString("]")
	return sb.String()
}

// Circle is a circle estimate together with fit diagnostics
type Circle struct {
	A float64 `json:"a"` // Center X
	B float64 `json:"b"` // Center Y
	R float64 `json:"r"` // Radius

	S float64 `json:"sigma"`      // RMS geometric residual
	G float64 `json:"gradient"`   // Norm of the linearized residual vector
	I int     `json:"iterations"` // Outer iterations
	J int     `json:"inner"`      // Inner (damping retry) iterations
}

// NewCircle creates a circle with zeroed diagnostics
func NewCircle(a, b, r float64) Circle {
	return Circle{A: a, B: b, R: r}
}

// Valid reports whether the circle has a positive radius and finite fields.
func (c Circle) Valid() bool {
	return c.R > 0 && isFinite(c.A) && isFinite(c.B) && isFinite(c.R) && isFinite(c.S) && isFinite(c.G)
}

// Map converts a circle fitted on transformed data back to the original
// coordinates, where original = transformed*scale + offset.
func (c Circle) Map(offsetX, offsetY, scale float64) Circle {
	out := c
	out.A = c.A*scale + offsetX
	out.B = c.B*scale + offsetY
	out.R = c.R * scale
	out.S = c.S * scale
	return out
}

func (c Circle) String() string {
	return fmt.Sprintf("CIRCLE(x:%g, y:%g, r:%g, s:%g, g:%g, i:%d, j:%d)", c.A, c.B, c.R, c.S, c.G, c.I, c.J)
}

// Code is the termination reason of a Levenberg-Marquardt fit
type Code int

const (
	CodeConverged      Code = 0 // Step fell below tolerance
	CodeOuterExhausted Code = 1 // Too many accepted steps
	CodeInnerExhausted Code = 2 // Too many damping retries
	CodeDiverged       Code = 3 // Center left the parameter limit
)

// Converged reports whether the fit terminated successfully
func (c Code) Converged() bool {
	return c == CodeConverged
}

func (c Code) String() string {
	switch c {
	case CodeConverged:
		return "converged"
	case CodeOuterExhausted:
		return "outer iterations exhausted"
	case CodeInnerExhausted:
		return "inner iterations exhausted"
	case CodeDiverged:
		return "diverged"
	default:
		return "unknown(" + strconv.Itoa(int(c)) + ")"
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
