// Package batch runs repeated synthetic experiments and summarizes how well
// the models recover the simulated dynamics.
package batch

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"gpfbm/internal/logging"
	"gpfbm/internal/models"
	"gpfbm/pkg/gp"
	"gpfbm/pkg/parallel"
	"gpfbm/pkg/simulate"
)

// ErrNoParticles is returned when Params lists no particles.
var ErrNoParticles = errors.New("no particles to simulate")

// Metrics summarizes the relative errors of every fitted parameter across
// trials. A relative error is (estimate - truth) / truth.
type Metrics struct {
	// RunID identifies the batch.
	RunID string `json:"run_id"`

	// Trials is the number of trials attempted.
	Trials int `json:"trials"`

	// Failures counts trials in which any fit failed. Their rows are left
	// out of Mean and Std.
	Failures int `json:"failures"`

	// Columns names the parameters, e.g. "D0", "A0", "cD0", "DR".
	Columns []string `json:"columns"`

	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Params holds the experiment configuration.
type Params struct {
	// Particles lists the simulated dynamics. With more than one particle
	// the coupled model is fitted as well.
	Particles []simulate.Params

	// Substrate is added to every particle when there is more than one.
	Substrate simulate.Params

	// Occlusion is the probability of dropping a frame.
	Occlusion float64

	// Trials is the number of repetitions.
	Trials int

	// Seed seeds trial 0; trial i uses Seed+i.
	Seed uint64

	// NumCores is the number of trials run concurrently.
	NumCores int

	// Settings configures every model.
	Settings gp.Settings
}

// Runner executes a batch of trials.
type Runner struct {
	params *Params

	// errors holds one row of relative errors per trial; failed trials are NaN.
	errors  *mat.Dense
	columns []string
	metrics Metrics

	progress parallel.ProgressFunc
}

// NewRunner creates a runner for params.
func NewRunner(params *Params) *Runner {
	return &Runner{params: params}
}

// SetProgress installs a sink for the fraction of trials completed.
func (r *Runner) SetProgress(fn parallel.ProgressFunc) {
	r.progress = fn
}

// Coupled reports whether trials fit the coupled model.
func (r *Runner) Coupled() bool {
	return len(r.params.Particles) > 1
}

// Simulate builds the observed trajectories of trial i.
func (r *Runner) Simulate(trial int) ([]*models.Trajectory, error) {
	p := r.params
	if len(p.Particles) == 0 {
		return nil, ErrNoParticles
	}
	g := simulate.NewGenerator(p.Seed + uint64(trial))

	var sub *simulate.Sample
	if r.Coupled() {
		sp := p.Substrate
		sp.Frames = p.Particles[0].Frames
		sp.Dt = p.Particles[0].Dt
		var err error
		if sub, err = g.Trajectory(sp); err != nil {
			return nil, fmt.Errorf("substrate: %w", err)
		}
	}

	trajs := make([]*models.Trajectory, len(p.Particles))
	for i, pp := range p.Particles {
		s, err := g.Trajectory(pp)
		if err != nil {
			return nil, fmt.Errorf("particle %d: %w", i, err)
		}
		if sub != nil {
			if err := simulate.AddDisplacement(s.Observed, sub.Truth); err != nil {
				return nil, fmt.Errorf("particle %d: %w", i, err)
			}
		}
		if p.Occlusion > 0 {
			kept, err := g.Occlude(p.Occlusion, s.Observed)
			if err != nil {
				return nil, fmt.Errorf("particle %d: %w", i, err)
			}
			trajs[i] = kept[0]
		} else {
			trajs[i] = s.Observed
		}
	}
	return trajs, nil
}

// NewModel simulates trial i and wraps it in a model.
func (r *Runner) NewModel(trial int) (*gp.Model, error) {
	trajs, err := r.Simulate(trial)
	if err != nil {
		return nil, err
	}
	return gp.New(trajs, gp.WithSettings(r.params.Settings))
}

// Process runs every trial and computes the metrics.
func (r *Runner) Process() error {
	p := r.params
	if len(p.Particles) == 0 {
		return ErrNoParticles
	}
	if p.Trials < 1 {
		return fmt.Errorf("trial count must be positive, got %d", p.Trials)
	}

	r.columns = r.columnNames()
	r.errors = mat.NewDense(p.Trials, len(r.columns), nil)

	pool := parallel.NewPool(p.NumCores)
	defer pool.Close()
	pool.SetProgress(r.progress)

	logging.Diagf("Running %d trials on %d cores...", p.Trials, pool.Size())

	var failures atomic.Int64
	err := pool.Run(p.Trials, func(trial int) {
		row, err := r.runTrial(trial)
		if err != nil {
			logging.Opsf("WARN: trial %d: %v", trial, err)
			failures.Add(1)
			for j := range row {
				row[j] = math.NaN()
			}
		}
		r.errors.SetRow(trial, row)
	})
	if err != nil {
		return err
	}

	r.calculateMetrics(int(failures.Load()))
	return nil
}

func (r *Runner) columnNames() []string {
	var cols []string
	for i := range r.params.Particles {
		cols = append(cols, fmt.Sprintf("D%d", i), fmt.Sprintf("A%d", i))
	}
	if r.Coupled() {
		for i := range r.params.Particles {
			cols = append(cols, fmt.Sprintf("cD%d", i), fmt.Sprintf("cA%d", i))
		}
		cols = append(cols, "DR", "AR")
	}
	return cols
}

// runTrial returns the relative errors of trial i in column order.
func (r *Runner) runTrial(trial int) ([]float64, error) {
	row := make([]float64, len(r.columns))

	m, err := r.NewModel(trial)
	if err != nil {
		return row, err
	}

	col := 0
	for i, pp := range r.params.Particles {
		da, err := m.Single(i)
		if err != nil {
			return row, err
		}
		row[col], row[col+1] = relErr(da.D, pp.D), relErr(da.A, pp.A)
		col += 2
	}

	if !r.Coupled() {
		return row, nil
	}

	cda, err := m.Coupled()
	if err != nil {
		return row, err
	}
	for i, pp := range r.params.Particles {
		row[col], row[col+1] = relErr(cda.DA[i].D, pp.D), relErr(cda.DA[i].A, pp.A)
		col += 2
	}
	row[col], row[col+1] = relErr(cda.DR, r.params.Substrate.D), relErr(cda.AR, r.params.Substrate.A)
	return row, nil
}

func relErr(got, want float64) float64 {
	return (got - want) / want
}

func (r *Runner) calculateMetrics(failures int) {
	m := Metrics{
		RunID:    uuid.NewString(),
		Trials:   r.params.Trials,
		Failures: failures,
		Columns:  r.columns,
		Mean:     make([]float64, len(r.columns)),
		Std:      make([]float64, len(r.columns)),
	}

	for j := range r.columns {
		var vals []float64
		for i := 0; i < r.params.Trials; i++ {
			if v := r.errors.At(i, j); !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		switch len(vals) {
		case 0:
			m.Mean[j], m.Std[j] = math.NaN(), math.NaN()
		case 1:
			m.Mean[j], m.Std[j] = vals[0], 0
		default:
			m.Mean[j], m.Std[j] = stat.MeanStdDev(vals, nil)
		}
	}

	r.metrics = m
}

// GetMetrics returns the metrics of the last Process call.
func (r *Runner) GetMetrics() Metrics {
	return r.metrics
}

// RelativeErrors returns the per-trial relative errors of the last Process
// call. Failed trials are rows of NaN.
func (r *Runner) RelativeErrors() mat.Matrix {
	return r.errors
}
