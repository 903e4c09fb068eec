// Package optimize provides a derivative-free Nelder-Mead minimizer.
package optimize

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"gpfbm/internal/logging"
)

// Nelder-Mead coefficients.
const (
	Alpha = 1.0 // reflection
	Gamma = 2.0 // expansion
	Rho   = 0.5 // contraction
	Sigma = 0.5 // shrink
)

// DefaultMaxIterations caps a run unless SetMaxIterations says otherwise.
const DefaultMaxIterations = 10000

// Objective is a scalar function to be minimized.
type Objective interface {
	Weight(x []float64) float64
}

// Func adapts a closure to Objective.
type Func func(x []float64) float64

// Weight calls f(x).
func (f Func) Weight(x []float64) float64 { return f(x) }

// Vertex is one point of the simplex together with its objective value.
type Vertex struct {
	Pos    []float64
	Weight float64
}

// Simplex runs a single Nelder-Mead minimization. It is not reusable across
// concurrent runs; create one per fit.
type Simplex struct {
	numParams     int
	maxIterations int
	threshold     float64
	step          float64

	stopped atomic.Bool

	mu         sync.Mutex
	params     []float64
	iterations int
	vertices   []Vertex
}

// NewSimplex creates an optimizer starting at x0. The initial simplex is x0
// plus n points displaced by step along each axis. The run succeeds once the
// simplex size drops below threshold.
func NewSimplex(x0 []float64, threshold, step float64) *Simplex {
	return &Simplex{
		numParams:     len(x0),
		maxIterations: DefaultMaxIterations,
		threshold:     threshold,
		step:          step,
		params:        append([]float64(nil), x0...),
	}
}

// SetMaxIterations changes the iteration cap.
func (s *Simplex) SetMaxIterations(n int) {
	s.maxIterations = n
}

// Stop asks a running optimization to return at the next iteration boundary.
// It is safe to call from any goroutine, and a stopped simplex stays stopped.
func (s *Simplex) Stop() {
	s.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (s *Simplex) Stopped() bool {
	return s.stopped.Load()
}

// Result returns a copy of the converged point. After a stopped or capped
// run it holds the best vertex reached.
func (s *Simplex) Result() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.params...)
}

// Best returns the best vertex seen so far. It may be called while Run is in
// progress.
func (s *Simplex) Best() Vertex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.vertices) == 0 {
		return Vertex{Pos: append([]float64(nil), s.params...), Weight: math.Inf(1)}
	}
	best := s.vertices[0]
	for _, v := range s.vertices[1:] {
		if v.Weight < best.Weight {
			best = v
		}
	}
	return Vertex{Pos: append([]float64(nil), best.Pos...), Weight: best.Weight}
}

// Iterations returns the number of iterations performed by the last run.
func (s *Simplex) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterations
}

// Run minimizes obj. It returns true when the simplex collapsed below the
// threshold, false when the iteration cap was hit or Stop was called.
func (s *Simplex) Run(obj Objective) bool {
	n := s.numParams
	if n == 0 {
		return true
	}

	eval := func(x []float64) Vertex {
		w := obj.Weight(x)
		if math.IsNaN(w) || math.IsInf(w, -1) {
			w = math.Inf(1)
		}
		return Vertex{Pos: x, Weight: w}
	}

	vertices := make([]Vertex, 0, n+1)
	vertices = append(vertices, eval(append([]float64(nil), s.params...)))
	for k := 0; k < n; k++ {
		x := append([]float64(nil), s.params...)
		x[k] += s.step
		vertices = append(vertices, eval(x))
	}
	s.publish(vertices, 0)

	centroid := make([]float64, n)
	for iter := 1; iter <= s.maxIterations; iter++ {
		if s.stopped.Load() {
			s.keepBest(vertices)
			logging.Tracef("simplex stopped after %d iterations", iter-1)
			return false
		}

		sort.SliceStable(vertices, func(i, j int) bool {
			return vertices[i].Weight < vertices[j].Weight
		})

		if size := simplexSize(vertices); size < s.threshold {
			s.mu.Lock()
			s.params = append(s.params[:0], vertices[0].Pos...)
			s.vertices = vertices
			s.iterations = iter - 1
			s.mu.Unlock()
			logging.Tracef("simplex converged in %d iterations (size %.3g, weight %.6g)", iter-1, size, vertices[0].Weight)
			return true
		}

		for k := range centroid {
			centroid[k] = 0
		}
		for _, v := range vertices[:n] {
			floats.Add(centroid, v.Pos)
		}
		floats.Scale(1/float64(n), centroid)

		worst := vertices[n]
		rf := eval(towards(centroid, worst.Pos, -Alpha))

		switch {
		case rf.Weight < vertices[n-1].Weight && rf.Weight >= vertices[0].Weight:
			vertices[n] = rf
		case rf.Weight < vertices[0].Weight:
			ex := eval(towards(centroid, rf.Pos, Gamma))
			if ex.Weight < rf.Weight {
				vertices[n] = ex
			} else {
				vertices[n] = rf
			}
		default:
			ct := eval(towards(centroid, worst.Pos, Rho))
			if ct.Weight < worst.Weight {
				vertices[n] = ct
			} else {
				best := vertices[0].Pos
				for k := 1; k <= n; k++ {
					vertices[k] = eval(towards(best, vertices[k].Pos, Sigma))
				}
			}
		}

		s.publish(vertices, iter)
		if logging.TraceEnabled() {
			logging.Tracef("simplex iteration %d: best %.6g", iter, vertices[0].Weight)
		}
	}

	s.keepBest(vertices)
	logging.Tracef("simplex hit iteration cap %d", s.maxIterations)
	return false
}

// keepBest stores the lowest-weight vertex as the result.
func (s *Simplex) keepBest(vertices []Vertex) {
	best := vertices[0]
	for _, v := range vertices[1:] {
		if v.Weight < best.Weight {
			best = v
		}
	}
	s.mu.Lock()
	s.params = append(s.params[:0], best.Pos...)
	s.mu.Unlock()
}

func (s *Simplex) publish(vertices []Vertex, iter int) {
	s.mu.Lock()
	s.vertices = append(s.vertices[:0], vertices...)
	s.iterations = iter
	s.mu.Unlock()
}

// towards returns from + c*(to - from).
func towards(from, to []float64, c float64) []float64 {
	out := make([]float64, len(from))
	floats.SubTo(out, to, from)
	floats.Scale(c, out)
	floats.Add(out, from)
	return out
}

// simplexSize is the summed per-coordinate spread of the vertices divided by
// the vertex count.
func simplexSize(vertices []Vertex) float64 {
	n := len(vertices[0].Pos)
	size := 0.0
	for k := 0; k < n; k++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range vertices {
			lo = math.Min(lo, v.Pos[k])
			hi = math.Max(hi, v.Pos[k])
		}
		size += hi - lo
	}
	return size / float64(len(vertices))
}
