package fit

import "math"

// solveDamped solves the damped normal equations
//
//	| Muu+λ  Muv    Mu  | |dX|   |F1|
//	| Muv    Mvv+λ  Mv  | |dY| = |F2|
//	| Mu     Mv     1+λ | |dR|   |F3|
//
// with a square-root Cholesky factorization G·Gᵀ. The matrix is a damped Gram
// matrix of (u, v, 1) and is positive definite for λ > 0. The operation order
// is fixed: it decides which trial path is taken near the tolerance boundary.
func solveDamped(m moments, lambda, f1, f2, f3 float64) (dX, dY, dR float64) {
	uul := m.muu + lambda
	vvl := m.mvv + lambda
	nl := 1.0 + lambda

	g11 := math.Sqrt(uul)
	g12 := m.muv / g11
	g13 := m.mu / g11
	g22 := math.Sqrt(vvl - g12*g12)
	g23 := (m.mv - g12*g13) / g22
	g33 := math.Sqrt(nl - g13*g13 - g23*g23)

	d1 := f1 / g11
	d2 := (f2 - g12*d1) / g22
	d3 := (f3 - g13*d1 - g23*d2) / g33

	dR = d3 / g33
	dY = (d2 - g23*dR) / g22
	dX = (d1 - g12*dY - g13*dR) / g11
	return dX, dY, dR
}
