// Package gp fits Gaussian-process fractional-Brownian-motion models to one or
// more particle trajectories.
//
// A Model is built once from the measured trajectories. Every derived value
// (single fits, the coupled fit, regressed trajectories, the substrate
// estimate and posterior samples) is computed on first request and cached.
// All methods are safe for concurrent use; the first computation of each
// value is serialized by a per-model lock.
package gp

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/models"
	"gpfbm/pkg/kernel"
	"gpfbm/pkg/mcmc"
	"gpfbm/pkg/optimize"
	"gpfbm/pkg/parallel"
)

var (
	ErrNotConverged        = errors.New("optimizer did not converge")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrTooFewParticles     = errors.New("coupled model needs at least two particles")
	ErrNotPositiveDefinite = kernel.ErrNotPositiveDefinite
	ErrCancelled           = errors.New("model computation cancelled")
	ErrBadParticle         = errors.New("particle index out of range")
)

// Settings tunes the optimizer, the sampler and the data requirements.
type Settings struct {
	// Threshold is the simplex size at which a fit is accepted.
	Threshold float64

	// Step displaces the initial simplex vertices.
	Step float64

	// MaxIterations caps each simplex run.
	MaxIterations int

	// MinSingleLength is the fewest samples a single fit accepts.
	MinSingleLength int

	// MinCoupledLength is the fewest commonly observed frames per particle
	// a coupled fit accepts.
	MinCoupledLength int

	// Workers is the number of sampler chains; <= 0 picks a default.
	Workers int

	// Seed seeds the sampler.
	Seed uint64

	Calibration mcmc.Calibration
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		Threshold:        1e-4,
		Step:             1,
		MaxIterations:    optimize.DefaultMaxIterations,
		MinSingleLength:  5,
		MinCoupledLength: 50,
		Seed:             1,
		Calibration:      mcmc.DefaultCalibration(),
	}
}

// Option configures a Model.
type Option func(*Model)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(m *Model) { m.settings = s }
}

// WithProgress installs a sink for sampler progress.
func WithProgress(fn parallel.ProgressFunc) Option {
	return func(m *Model) { m.progress = fn }
}

// WithIDs labels the particles. Labels are carried into results only.
func WithIDs(ids []models.ParticleID) Option {
	return func(m *Model) { m.ids = append([]models.ParticleID(nil), ids...) }
}

type averageEntry struct {
	times []float64
	traj  *models.Trajectory
}

// Model holds preprocessed trajectories and the values derived from them.
type Model struct {
	settings Settings
	progress parallel.ProgressFunc
	ids      []models.ParticleID

	// trajs have times relative to origin and variances in the error columns.
	trajs  []*models.Trajectory
	origin float64

	mu          sync.Mutex
	single      []*models.ParamDA
	coupled     *models.ParamCDA
	average     []*averageEntry
	substrate   *models.Trajectory
	singleDist  []*mat.Dense
	coupledDist *mat.Dense

	stopped  atomic.Bool
	activeMu sync.Mutex
	simplex  *optimize.Simplex
	sampler  *mcmc.Sampler
}

// New builds a model from measured trajectories whose error columns hold
// standard deviations. The inputs are copied.
func New(trajs []*models.Trajectory, opts ...Option) (*Model, error) {
	if len(trajs) == 0 {
		return nil, fmt.Errorf("%w: no trajectories", ErrInsufficientData)
	}

	m := &Model{settings: DefaultSettings()}
	for _, opt := range opts {
		opt(m)
	}

	if m.ids == nil {
		m.ids = make([]models.ParticleID, len(trajs))
		for i := range m.ids {
			m.ids[i] = models.ParticleID{TrajID: i}
		}
	}
	if len(m.ids) != len(trajs) {
		return nil, fmt.Errorf("%w: %d ids for %d trajectories", ErrBadParticle, len(m.ids), len(trajs))
	}

	m.origin = math.Inf(1)
	for i, t := range trajs {
		if t.Empty() {
			return nil, fmt.Errorf("trajectory %d: %w", i, models.ErrEmptyTrajectory)
		}
		if t.Cols() < models.NumCols {
			return nil, fmt.Errorf("trajectory %d: %w", i, models.ErrColumnCount)
		}
		m.origin = math.Min(m.origin, t.At(0, models.Time))
	}

	m.trajs = make([]*models.Trajectory, len(trajs))
	for i, t := range trajs {
		c := t.Clone()
		for r := 0; r < c.Len(); r++ {
			c.Set(r, models.Time, c.At(r, models.Time)-m.origin)
			for _, col := range []int{models.ErrX, models.ErrY} {
				e := c.At(r, col)
				c.Set(r, col, e*e)
			}
		}
		m.trajs[i] = c
	}

	n := len(trajs)
	m.single = make([]*models.ParamDA, n)
	m.average = make([]*averageEntry, n)
	m.singleDist = make([]*mat.Dense, n)
	return m, nil
}

// NumParticles returns the number of trajectories in the model.
func (m *Model) NumParticles() int { return len(m.trajs) }

// IDs returns the particle labels.
func (m *Model) IDs() []models.ParticleID {
	return append([]models.ParticleID(nil), m.ids...)
}

// Settings returns the model settings.
func (m *Model) Settings() Settings { return m.settings }

// Stop cancels the running fit or sampling run. The model stays stopped: any
// computation not yet cached returns ErrCancelled afterwards.
func (m *Model) Stop() {
	m.stopped.Store(true)

	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if m.simplex != nil {
		m.simplex.Stop()
	}
	if m.sampler != nil {
		m.sampler.Stop()
	}
}

// ObservedTimes returns the frames observed by any particle, in frame order,
// with their times in the input time base.
func (m *Model) ObservedTimes() (frames, times []float64) {
	frames, times = m.unionFrames()
	for i := range times {
		times[i] += m.origin
	}
	return frames, times
}

func (m *Model) unionFrames() (frames, times []float64) {
	seen := make(map[int]float64)
	for _, t := range m.trajs {
		for r := 0; r < t.Len(); r++ {
			seen[t.FrameAt(r)] = t.At(r, models.Time)
		}
	}
	keys := make([]int, 0, len(seen))
	for f := range seen {
		keys = append(keys, f)
	}
	sort.Ints(keys)

	frames = make([]float64, len(keys))
	times = make([]float64, len(keys))
	for i, f := range keys {
		frames[i] = float64(f)
		times[i] = seen[f]
	}
	return frames, times
}

func (m *Model) checkID(id int) error {
	if id < 0 || id >= len(m.trajs) {
		return fmt.Errorf("%w: %d of %d", ErrBadParticle, id, len(m.trajs))
	}
	return nil
}

// minimize runs a simplex from x0 and registers it so Stop can reach it.
func (m *Model) minimize(x0 []float64, obj optimize.Objective) ([]float64, error) {
	if m.stopped.Load() {
		return nil, ErrCancelled
	}

	s := optimize.NewSimplex(x0, m.settings.Threshold, m.settings.Step)
	s.SetMaxIterations(m.settings.MaxIterations)

	m.activeMu.Lock()
	m.simplex = s
	m.activeMu.Unlock()
	defer func() {
		m.activeMu.Lock()
		m.simplex = nil
		m.activeMu.Unlock()
	}()

	// Stop may have landed before registration.
	if m.stopped.Load() {
		return nil, ErrCancelled
	}

	ok := s.Run(obj)
	if m.stopped.Load() {
		return nil, ErrCancelled
	}
	if !ok {
		return nil, fmt.Errorf("%w after %d iterations", ErrNotConverged, s.Iterations())
	}
	return s.Result(), nil
}

// sample runs the posterior sampler from x0 and registers it so Stop can
// reach it.
func (m *Model) sample(x0 []float64, n int, obj optimize.Objective) (*mat.Dense, error) {
	if m.stopped.Load() {
		return nil, ErrCancelled
	}

	s := mcmc.NewSampler(obj,
		mcmc.WithWorkers(m.settings.Workers),
		mcmc.WithSeed(m.settings.Seed),
		mcmc.WithProgress(m.progress),
		mcmc.WithCalibration(m.settings.Calibration),
	)

	m.activeMu.Lock()
	m.sampler = s
	m.activeMu.Unlock()
	defer func() {
		m.activeMu.Lock()
		m.sampler = nil
		m.activeMu.Unlock()
	}()

	if m.stopped.Load() {
		return nil, ErrCancelled
	}

	out, err := s.Run(x0, n)
	if errors.Is(err, mcmc.ErrCancelled) {
		return nil, ErrCancelled
	}
	return out, err
}

// toPhysical maps (log D, logit A) column pairs starting at col 0 of samples
// back to (D, A) in place. pairs is the number of such column pairs.
func toPhysical(samples *mat.Dense, pairs int) {
	rows, _ := samples.Dims()
	for r := 0; r < rows; r++ {
		for p := 0; p < pairs; p++ {
			D, A := kernel.FromUnconstrained(samples.At(r, 2*p), samples.At(r, 2*p+1))
			samples.Set(r, 2*p, D)
			samples.Set(r, 2*p+1, A)
		}
	}
}

// finiteParams reports whether every entry of x is finite.
func finiteParams(x []float64) bool {
	return !floats.HasNaN(x) && !math.IsInf(floats.Max(x), 1) && !math.IsInf(floats.Min(x), -1)
}
