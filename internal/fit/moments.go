package fit

import (
	"math"
	"sync"
)

// parallelThreshold is the minimum number of points before moment
// accumulation is split across workers.
const parallelThreshold = 4096

// moments are the per-iteration averages used to build the normal equations.
type moments struct {
	mu, mv   float64 // mean(u), mean(v)
	muu, mvv float64 // mean(u²), mean(v²)
	muv      float64 // mean(u·v)
	mr       float64 // mean(r_i)
}

func (m *moments) add(o moments) {
	m.mu += o.mu
	m.mv += o.mv
	m.muu += o.muu
	m.mvv += o.mvv
	m.muv += o.muv
	m.mr += o.mr
}

// accumulate sums the unnormalized moments of points around (a, b).
// It returns false if a point coincides with the center.
func accumulate(points []Point, a, b float64) (moments, bool) {
	var m moments
	for _, p := range points {
		dx := p.X - a
		dy := p.Y - b
		ri := math.Sqrt(dx*dx + dy*dy)
		if ri == 0 {
			return moments{}, false
		}
		u := dx / ri
		v := dy / ri
		m.mu += u
		m.mv += v
		m.muu += u * u
		m.mvv += v * v
		m.muv += u * v
		m.mr += ri
	}
	return m, true
}

// computeMoments averages the moments of ps around (a, b). With workers > 1
// and a large enough set, chunks are summed concurrently and combined in
// chunk order.
func computeMoments(ps *PointSet, a, b float64, workers int) (moments, bool) {
	n := len(ps.points)

	var m moments
	if workers <= 1 || n < parallelThreshold {
		var ok bool
		if m, ok = accumulate(ps.points, a, b); !ok {
			return moments{}, false
		}
	} else {
		chunk := (n + workers - 1) / workers
		partial := make([]moments, workers)
		valid := make([]bool, workers)

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			lo := w * chunk
			hi := min(lo+chunk, n)
			if lo >= hi {
				valid[w] = true
				continue
			}
			wg.Add(1)
			go func(idx, lo, hi int) {
				defer wg.Done()
				partial[idx], valid[idx] = accumulate(ps.points[lo:hi], a, b)
			}(w, lo, hi)
		}
		wg.Wait()

		for w := range partial {
			if !valid[w] {
				return moments{}, false
			}
			m.add(partial[w])
		}
	}

	fn := float64(n)
	m.mu /= fn
	m.mv /= fn
	m.muu /= fn
	m.mvv /= fn
	m.muv /= fn
	m.mr /= fn
	return m, true
}
