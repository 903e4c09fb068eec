package gp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/logging"
	"gpfbm/pkg/kernel"
)

// SingleDistribution returns n posterior samples of particle id's
// (D, A, mu_x, mu_y), one per row. The samples are cached; a request with a
// different n draws again.
func (m *Model) SingleDistribution(n, id int) (*mat.Dense, error) {
	if err := m.checkID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d := m.singleDist[id]; d != nil && rowsOf(d) == n {
		return d, nil
	}

	da, err := m.fitSingle(id)
	if err != nil {
		return nil, err
	}

	samples, err := m.sample(singleVector(da), n, newSingleObjective(m.trajs[id]))
	if err != nil {
		return nil, fmt.Errorf("single distribution for particle %d: %w", id, err)
	}
	toPhysical(samples, 1)

	m.singleDist[id] = samples
	logging.Diagf("particle %d: drew %d posterior samples", id, n)
	return samples, nil
}

// CoupledDistribution returns n posterior samples of the coupled model. The
// columns are D_0, A_0, ..., D_{k-1}, A_{k-1}, DR, AR. The samples are cached;
// a request with a different n draws again.
func (m *Model) CoupledDistribution(n int) (*mat.Dense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d := m.coupledDist; d != nil && rowsOf(d) == n {
		return d, nil
	}

	cda, err := m.fitCoupled()
	if err != nil {
		return nil, err
	}
	common, err := m.intersectFrames()
	if err != nil {
		return nil, err
	}

	x0 := make([]float64, 0, 2*len(cda.DA)+2)
	mus := make([][2]float64, len(cda.DA))
	for id, da := range cda.DA {
		lx, ax := kernel.ToUnconstrained(da.D, da.A)
		x0 = append(x0, lx, ax)
		mus[id] = m.single[id].Mu
	}
	lx, ax := kernel.ToUnconstrained(cda.DR, cda.AR)
	x0 = append(x0, lx, ax)

	samples, err := m.sample(x0, n, newCoupledObjective(common, mus))
	if err != nil {
		return nil, fmt.Errorf("coupled distribution: %w", err)
	}
	toPhysical(samples, len(cda.DA)+1)

	m.coupledDist = samples
	logging.Diagf("coupled model: drew %d posterior samples", n)
	return samples, nil
}

func rowsOf(d *mat.Dense) int {
	r, _ := d.Dims()
	return r
}
