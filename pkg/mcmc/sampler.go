// Package mcmc implements an adaptive random-walk Metropolis sampler over the
// same weight functions the optimizer minimizes.
package mcmc

import (
	"errors"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"gpfbm/internal/logging"
	"gpfbm/pkg/optimize"
	"gpfbm/pkg/parallel"
)

// ErrCancelled is returned by Run when Stop was called before sampling ended.
var ErrCancelled = errors.New("sampling cancelled")

// ErrNoSamples is returned when a non-positive sample count is requested.
var ErrNoSamples = errors.New("sample count must be positive")

// Calibration controls the proposal-width search that precedes sampling.
type Calibration struct {
	// InitialStep is the starting standard deviation of the proposals.
	InitialStep float64 `yaml:"initialStep"`

	// BatchSize is the number of proposals per calibration round.
	BatchSize int `yaml:"batchSize"`

	// MaxRounds caps the number of calibration rounds.
	MaxRounds int `yaml:"maxRounds"`

	// TargetAcceptance is the acceptance rate the step is tuned toward.
	TargetAcceptance float64 `yaml:"targetAcceptance"`

	// Tolerance ends calibration when |TargetAcceptance - rate| < Tolerance.
	Tolerance float64 `yaml:"tolerance"`

	// MinStep is the floor for the proposal width.
	MinStep float64 `yaml:"minStep"`
}

// DefaultCalibration returns the standard calibration schedule.
func DefaultCalibration() Calibration {
	return Calibration{
		InitialStep:      0.02,
		BatchSize:        1000,
		MaxRounds:        100,
		TargetAcceptance: 0.25,
		Tolerance:        0.1,
		MinStep:          0.001,
	}
}

// rescaleRate divides the observed acceptance rate when widening or narrowing
// the step.
const rescaleRate = 0.2

// Sampler draws posterior samples for an objective that returns a negative
// log-posterior. Each Run calibrates the proposal width and then runs
// independent chains concurrently.
type Sampler struct {
	obj      optimize.Objective
	workers  int
	seed     uint64
	progress parallel.ProgressFunc
	calib    Calibration

	step    float64
	stopped atomic.Bool
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithWorkers sets the number of chains. Values <= 0 use half the CPUs.
func WithWorkers(n int) Option {
	return func(s *Sampler) { s.workers = n }
}

// WithSeed seeds calibration and the per-chain random streams.
func WithSeed(seed uint64) Option {
	return func(s *Sampler) { s.seed = seed }
}

// WithProgress installs a sink for the fraction of chains completed.
func WithProgress(fn parallel.ProgressFunc) Option {
	return func(s *Sampler) { s.progress = fn }
}

// WithCalibration replaces the default calibration schedule.
func WithCalibration(c Calibration) Option {
	return func(s *Sampler) { s.calib = c }
}

// NewSampler creates a sampler for obj.
func NewSampler(obj optimize.Objective, opts ...Option) *Sampler {
	s := &Sampler{
		obj:   obj,
		seed:  1,
		calib: DefaultCalibration(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = max(runtime.NumCPU()/2, 1)
	}
	return s
}

// Stop cancels a running or future Run.
func (s *Sampler) Stop() {
	s.stopped.Store(true)
}

// Step returns the proposal width chosen by the last calibration.
func (s *Sampler) Step() float64 {
	return s.step
}

// chain is one Metropolis walker. It is owned by a single goroutine.
type chain struct {
	obj    optimize.Objective
	pos    []float64
	prop   []float64
	like   float64
	normal distuv.Normal
	unif   distuv.Uniform
}

func newChain(obj optimize.Objective, x0 []float64, like, step float64, src rand.Source) *chain {
	return &chain{
		obj:    obj,
		pos:    append([]float64(nil), x0...),
		prop:   make([]float64, len(x0)),
		like:   like,
		normal: distuv.Normal{Mu: 0, Sigma: step, Src: src},
		unif:   distuv.Uniform{Min: 0, Max: 1, Src: src},
	}
}

// advance makes one proposal and reports whether it was accepted.
func (c *chain) advance() bool {
	for k, v := range c.pos {
		c.prop[k] = v + c.normal.Rand()
	}
	like := logPosterior(c.obj, c.prop)
	if math.IsInf(like, -1) {
		return false
	}
	if like-c.like > math.Log(c.unif.Rand()) {
		c.pos, c.prop = c.prop, c.pos
		c.like = like
		return true
	}
	return false
}

func logPosterior(obj optimize.Objective, x []float64) float64 {
	w := obj.Weight(x)
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return math.Inf(-1)
	}
	return -w
}

// Run calibrates the proposal width starting at x0 and then draws n samples.
// Row i of the result is the chain state after step i. Rows are split into
// contiguous ranges, one per chain, and every chain starts from the
// calibrated state. Values stay in the objective's parameter space.
func (s *Sampler) Run(x0 []float64, n int) (*mat.Dense, error) {
	if n <= 0 {
		return nil, ErrNoSamples
	}
	if s.stopped.Load() {
		return nil, ErrCancelled
	}

	start, like, err := s.calibrate(x0)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(n, len(x0), nil)
	ranges := parallel.Chunks(n, s.workers)

	pool := parallel.NewPool(len(ranges))
	defer pool.Close()
	pool.SetProgress(s.progress)

	var cancelled atomic.Bool
	err = pool.Run(len(ranges), func(idx int) {
		src := rand.NewSource(s.seed + uint64(idx) + 1)
		c := newChain(s.obj, start, like, s.step, src)

		accepted := 0
		lo, hi := ranges[idx][0], ranges[idx][1]
		for row := lo; row < hi; row++ {
			if s.stopped.Load() {
				cancelled.Store(true)
				return
			}
			if c.advance() {
				accepted++
			}
			out.SetRow(row, c.pos)
		}
		logging.Tracef("chain %d: %d/%d accepted", idx, accepted, hi-lo)
	})
	if err != nil {
		return nil, err
	}
	if cancelled.Load() {
		return nil, ErrCancelled
	}
	return out, nil
}

// calibrate tunes s.step and returns the chain state it ended on.
func (s *Sampler) calibrate(x0 []float64) ([]float64, float64, error) {
	cal := s.calib
	s.step = cal.InitialStep

	src := rand.NewSource(s.seed)
	c := newChain(s.obj, x0, logPosterior(s.obj, x0), s.step, src)

	for round := 0; round < cal.MaxRounds; round++ {
		accepted := 0
		for i := 0; i < cal.BatchSize; i++ {
			if s.stopped.Load() {
				return nil, 0, ErrCancelled
			}
			if c.advance() {
				accepted++
			}
		}

		rate := float64(accepted+1) / float64(cal.BatchSize)
		logging.Tracef("calibration round %d: step %.4g, acceptance %.3f", round, s.step, rate)
		if math.Abs(cal.TargetAcceptance-rate) < cal.Tolerance {
			break
		}
		s.step = math.Max(s.step*rate/rescaleRate, cal.MinStep)
		c.normal.Sigma = s.step
	}

	logging.Diagf("sampler calibrated: step %.4g", s.step)
	return c.pos, c.like, nil
}
