package gp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/logging"
	"gpfbm/internal/models"
	"gpfbm/pkg/kernel"
)

// coupledObjective is the joint negative log-posterior of several particles
// sharing a substrate. The parameter vector is
// (log D_0, logit A_0, ..., log D_{n-1}, logit A_{n-1}, log DR, logit AR).
type coupledObjective struct {
	particles int
	times     [][]float64
	pos       [2][]float64
	vars      [2][]float64
}

// newCoupledObjective stacks the frame-intersected, mean-subtracted
// trajectories. Each particle keeps its own time stamps.
func newCoupledObjective(trajs []*models.Trajectory, mus [][2]float64) *coupledObjective {
	o := &coupledObjective{particles: len(trajs)}
	for _, t := range trajs {
		o.times = append(o.times, t.Column(models.Time))
	}
	for dim := 0; dim < 2; dim++ {
		for p, t := range trajs {
			for _, v := range t.Column(models.PosX + dim) {
				o.pos[dim] = append(o.pos[dim], v-mus[p][dim])
			}
			o.vars[dim] = append(o.vars[dim], t.Column(models.ErrX+dim)...)
		}
	}
	return o
}

// covariance builds the block kernel: particle plus substrate kernels on the
// diagonal blocks and the substrate kernel between the two particles' times
// elsewhere.
func (o *coupledObjective) covariance(x []float64) (*mat.SymDense, bool) {
	m := len(o.times[0])
	DR, AR := kernel.FromUnconstrained(x[2*o.particles], x[2*o.particles+1])
	if math.IsInf(DR, 0) {
		return nil, false
	}

	big := mat.NewSymDense(o.particles*m, nil)
	for a := 0; a < o.particles; a++ {
		D, A := kernel.FromUnconstrained(x[2*a], x[2*a+1])
		if math.IsInf(D, 0) {
			return nil, false
		}
		loc := kernel.FBMSym(D, A, o.times[a])
		rr := kernel.FBMSym(DR, AR, o.times[a])

		for i := 0; i < m; i++ {
			for j := i; j < m; j++ {
				big.SetSym(a*m+i, a*m+j, loc.At(i, j)+rr.At(i, j))
			}
		}
		for b := a + 1; b < o.particles; b++ {
			cross := kernel.FBM(DR, AR, o.times[a], o.times[b])
			for i := 0; i < m; i++ {
				for j := 0; j < m; j++ {
					big.SetSym(a*m+i, b*m+j, cross.At(i, j))
				}
			}
		}
	}
	kernel.AddDiag(big, nil, kernel.Jitter)
	return big, true
}

func (o *coupledObjective) Weight(x []float64) float64 {
	if !finiteParams(x) {
		return math.Inf(1)
	}
	base, ok := o.covariance(x)
	if !ok {
		return math.Inf(1)
	}

	k := mat.NewSymDense(base.SymmetricDim(), nil)
	weight := 0.0
	for dim := 0; dim < 2; dim++ {
		k.CopySym(base)
		kernel.AddDiag(k, o.vars[dim], 0)

		chol, err := kernel.Factorize(k)
		if err != nil {
			return math.Inf(1)
		}
		nll, err := kernel.NegLogLikelihood(chol, o.pos[dim])
		if err != nil {
			return math.Inf(1)
		}
		weight += nll
	}

	for p := 0; p <= o.particles; p++ {
		weight += kernel.PriorPenalty(x[2*p], x[2*p+1])
	}
	return weight
}

// Coupled returns the joint fit of all particles and their shared substrate.
func (m *Model) Coupled() (*models.ParamCDA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fitCoupled()
}

// fitCoupled requires m.mu.
func (m *Model) fitCoupled() (*models.ParamCDA, error) {
	if m.coupled != nil {
		return m.coupled, nil
	}

	n := len(m.trajs)
	if n < 2 {
		logging.Opsf("WARN: coupled model requested with %d particle", n)
		return nil, ErrTooFewParticles
	}

	singles := make([]*models.ParamDA, n)
	for id := range m.trajs {
		da, err := m.fitSingle(id)
		if err != nil {
			return nil, fmt.Errorf("coupled model: %w", err)
		}
		singles[id] = da
	}

	common, err := m.intersectFrames()
	if err != nil {
		logging.Opsf("WARN: coupled model: %v", err)
		return nil, err
	}

	x0 := make([]float64, 0, 2*n+2)
	mus := make([][2]float64, n)
	for id, da := range singles {
		lx, ax := kernel.ToUnconstrained(da.D, da.A)
		x0 = append(x0, lx, ax)
		mus[id] = da.Mu
	}
	// Substrate starts at D = 1, A = 1.
	x0 = append(x0, 0, 0)

	x, err := m.minimize(x0, newCoupledObjective(common, mus))
	if err != nil {
		logging.Opsf("WARN: coupled model: %v", err)
		return nil, fmt.Errorf("coupled model: %w", err)
	}

	cda := &models.ParamCDA{DA: make([]models.ParamDA, n)}
	for id := range singles {
		D, A := kernel.FromUnconstrained(x[2*id], x[2*id+1])
		cda.DA[id] = models.ParamDA{D: D, A: A, Mu: singles[id].Mu}
	}
	cda.DR, cda.AR = kernel.FromUnconstrained(x[2*n], x[2*n+1])
	m.coupled = cda

	logging.Diagf("coupled model: %d particles, %d common frames, DR=%.4g AR=%.4g",
		n, common[0].Len(), cda.DR, cda.AR)
	return cda, nil
}

// intersectFrames keeps, for every particle, only the frames observed by all
// particles.
func (m *Model) intersectFrames() ([]*models.Trajectory, error) {
	count := make(map[int]int)
	for _, t := range m.trajs {
		for r := 0; r < t.Len(); r++ {
			count[t.FrameAt(r)]++
		}
	}

	out := make([]*models.Trajectory, len(m.trajs))
	for id, t := range m.trajs {
		var rows []int
		for r := 0; r < t.Len(); r++ {
			if count[t.FrameAt(r)] == len(m.trajs) {
				rows = append(rows, r)
			}
		}
		if len(rows) == 0 || len(rows) < m.settings.MinCoupledLength {
			return nil, fmt.Errorf("%w: particle %d shares %d frames with the others, need %d",
				ErrInsufficientData, id, len(rows), m.settings.MinCoupledLength)
		}
		out[id] = t.SelectRows(rows)
	}
	return out, nil
}
