package gp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/logging"
	"gpfbm/internal/models"
	"gpfbm/pkg/interpolation"
	"gpfbm/pkg/kernel"
)

// AverageTrajectory regresses particle id onto times, given in the input time
// base, using its single fit. The result is cached until redo is set or
// different times are requested.
func (m *Model) AverageTrajectory(times []float64, id int, redo bool) (*models.Trajectory, error) {
	if err := m.checkID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.average[id]; e != nil && !redo && floats.Equal(e.times, times) {
		return e.traj, nil
	}

	rel := make([]float64, len(times))
	for i, t := range times {
		rel[i] = t - m.origin
	}
	traj, err := m.regress(id, rel, nil)
	if err != nil {
		return nil, err
	}
	for r := 0; r < traj.Len(); r++ {
		traj.Set(r, models.Time, times[r])
	}

	m.average[id] = &averageEntry{times: append([]float64(nil), times...), traj: traj}
	return traj, nil
}

// regress runs kriging for particle id at times relative to the model
// origin. It requires m.mu.
func (m *Model) regress(id int, times, frames []float64) (*models.Trajectory, error) {
	da, err := m.fitSingle(id)
	if err != nil {
		return nil, err
	}
	traj, err := interpolation.NewKriging(m.trajs[id], *da).InterpolateFrames(times, frames)
	if err != nil {
		return nil, fmt.Errorf("average trajectory for particle %d: %w", id, err)
	}
	return traj, nil
}

// Substrate estimates the displacement shared by all particles at every frame
// observed by any of them. Each particle's regressed trajectory is fused with
// the others by precision weighting, with the coupled substrate kernel as
// prior. Positions are relative to each particle's mean; errors are standard
// deviations.
func (m *Model) Substrate(redo bool) (*models.Trajectory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.substrate != nil && !redo {
		return m.substrate, nil
	}

	cda, err := m.fitCoupled()
	if err != nil {
		return nil, fmt.Errorf("substrate: %w", err)
	}

	frames, times := m.unionFrames()
	n := len(times)

	avg := make([]*models.Trajectory, len(m.trajs))
	for id := range m.trajs {
		if avg[id], err = m.regress(id, times, frames); err != nil {
			return nil, fmt.Errorf("substrate: %w", err)
		}
	}

	// Prior precision of the substrate itself.
	kr := kernel.FBMSym(cda.DR, cda.AR, times)
	kernel.AddDiag(kr, nil, kernel.Jitter)
	ikr, err := invert(kr)
	if err != nil {
		return nil, fmt.Errorf("substrate kernel: %w", err)
	}

	out := mat.NewDense(n, models.NumCols, nil)
	out.SetCol(models.Frame, frames)
	rel := make([]float64, n)
	for i, t := range times {
		rel[i] = t + m.origin
	}
	out.SetCol(models.Time, rel)

	for dim := 0; dim < 2; dim++ {
		prec := mat.NewSymDense(n, nil)
		prec.CopySym(ikr)
		rhs := mat.NewVecDense(n, nil)

		for id, a := range avg {
			mu := m.single[id].Mu[dim]
			obs := a.Column(models.PosX + dim)
			vars := a.Column(models.ErrX + dim)
			for i := range obs {
				obs[i] -= mu
				vars[i] *= vars[i]
			}

			kk := kernel.FBMSym(cda.DA[id].D, cda.DA[id].A, times)
			kernel.AddDiag(kk, vars, kernel.Jitter)
			ik, err := invert(kk)
			if err != nil {
				return nil, fmt.Errorf("substrate: particle %d: %w", id, err)
			}

			prec.AddSym(prec, ik)
			var w mat.VecDense
			w.MulVec(ik, mat.NewVecDense(n, obs))
			rhs.AddVec(rhs, &w)
		}

		chol, err := kernel.Factorize(prec)
		if err != nil {
			return nil, fmt.Errorf("substrate precision: %w", err)
		}
		var pos mat.VecDense
		if err := kernel.SolveErr(chol.SolveVecTo(&pos, rhs)); err != nil {
			return nil, fmt.Errorf("substrate precision: %w", err)
		}
		var cov mat.SymDense
		if err := kernel.SolveErr(chol.InverseTo(&cov)); err != nil {
			return nil, fmt.Errorf("substrate precision: %w", err)
		}

		for i := 0; i < n; i++ {
			out.Set(i, models.PosX+dim, pos.AtVec(i))
			out.Set(i, models.ErrX+dim, math.Sqrt(math.Max(cov.At(i, i), 0)))
		}
	}

	m.substrate = models.Wrap(out)
	logging.Diagf("substrate estimated over %d frames", n)
	return m.substrate, nil
}

// invert returns the inverse of a positive definite matrix.
func invert(k *mat.SymDense) (*mat.SymDense, error) {
	chol, err := kernel.Factorize(k)
	if err != nil {
		return nil, err
	}
	var inv mat.SymDense
	if err := kernel.SolveErr(chol.InverseTo(&inv)); err != nil {
		return nil, err
	}
	return &inv, nil
}
