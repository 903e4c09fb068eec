package gp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/logging"
	"gpfbm/internal/models"
	"gpfbm/pkg/kernel"
	"gpfbm/pkg/optimize"
)

// singleStart is the initial (log D, logit A) of every single fit.
var singleStart = math.Log(0.5)

// singleObjective is the negative log-posterior of one trajectory over
// (log D, logit A, mu_x, mu_y).
type singleObjective struct {
	times []float64
	pos   [2][]float64
	vars  [2][]float64
}

func newSingleObjective(t *models.Trajectory) *singleObjective {
	return &singleObjective{
		times: t.Column(models.Time),
		pos:   [2][]float64{t.Column(models.PosX), t.Column(models.PosY)},
		vars:  [2][]float64{t.Column(models.ErrX), t.Column(models.ErrY)},
	}
}

func (o *singleObjective) Weight(x []float64) float64 {
	if !finiteParams(x) {
		return math.Inf(1)
	}
	D, A := kernel.FromUnconstrained(x[0], x[1])
	if math.IsInf(D, 0) {
		return math.Inf(1)
	}

	base := kernel.FBMSym(D, A, o.times)
	kernel.AddDiag(base, nil, kernel.Jitter)

	n := len(o.times)
	k := mat.NewSymDense(n, nil)
	resid := make([]float64, n)

	weight := 0.0
	for dim := 0; dim < 2; dim++ {
		k.CopySym(base)
		kernel.AddDiag(k, o.vars[dim], 0)

		chol, err := kernel.Factorize(k)
		if err != nil {
			return math.Inf(1)
		}
		for i, p := range o.pos[dim] {
			resid[i] = p - x[2+dim]
		}
		nll, err := kernel.NegLogLikelihood(chol, resid)
		if err != nil {
			return math.Inf(1)
		}
		weight += nll
	}

	return weight + kernel.PriorPenalty(x[0], x[1])
}

// Single returns the maximum-likelihood dynamics of particle id.
func (m *Model) Single(id int) (*models.ParamDA, error) {
	if err := m.checkID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fitSingle(id)
}

// fitSingle requires m.mu.
func (m *Model) fitSingle(id int) (*models.ParamDA, error) {
	if da := m.single[id]; da != nil {
		return da, nil
	}

	t := m.trajs[id]
	if t.Len() < m.settings.MinSingleLength {
		logging.Opsf("WARN: particle %d has %d samples, need %d", id, t.Len(), m.settings.MinSingleLength)
		return nil, fmt.Errorf("%w: particle %d has %d samples, need %d",
			ErrInsufficientData, id, t.Len(), m.settings.MinSingleLength)
	}

	x0 := []float64{singleStart, singleStart, t.At(0, models.PosX), t.At(0, models.PosY)}
	x, err := m.minimize(x0, newSingleObjective(t))
	if err != nil {
		logging.Opsf("WARN: single model for particle %d: %v", id, err)
		return nil, fmt.Errorf("single model for particle %d: %w", id, err)
	}

	D, A := kernel.FromUnconstrained(x[0], x[1])
	da := &models.ParamDA{D: D, A: A, Mu: [2]float64{x[2], x[3]}}
	m.single[id] = da

	logging.Diagf("particle %d: D=%.4g A=%.4g mu=(%.4g, %.4g)", id, D, A, x[2], x[3])
	return da, nil
}

// singleVector returns the optimizer-space vector of a fitted particle.
func singleVector(da *models.ParamDA) []float64 {
	x0, x1 := kernel.ToUnconstrained(da.D, da.A)
	return []float64{x0, x1, da.Mu[0], da.Mu[1]}
}

var _ optimize.Objective = (*singleObjective)(nil)
