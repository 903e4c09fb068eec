// Package interpolation regresses a particle trajectory onto arbitrary times
// using the Gaussian-process posterior of its fitted FBM dynamics.
package interpolation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/models"
	"gpfbm/pkg/kernel"
)

// ErrNoQuery is returned when no query times are given.
var ErrNoQuery = errors.New("no query times")

// ErrFrameCount is returned when the frame labels do not match the query times.
var ErrFrameCount = errors.New("frame labels do not match query times")

// ProgressCallback reports progress during interpolation.
type ProgressCallback func(completed, total int, message string)

// Kriging computes posterior means and standard deviations of one particle's
// position at query times.
type Kriging struct {
	obs    *models.Trajectory
	times  []float64
	params models.ParamDA

	progressCallback ProgressCallback
}

// NewKriging creates a regressor over obs. The error columns of obs must hold
// variances and its times must share the origin of the query times.
func NewKriging(obs *models.Trajectory, params models.ParamDA) *Kriging {
	return &Kriging{
		obs:    obs,
		times:  obs.Column(models.Time),
		params: params,
	}
}

// SetProgressCallback sets a callback invoked once per spatial dimension.
func (k *Kriging) SetProgressCallback(callback ProgressCallback) {
	k.progressCallback = callback
}

func (k *Kriging) reportProgress(completed, total int, message string) {
	if k.progressCallback != nil {
		k.progressCallback(completed, total, message)
	}
}

// Interpolate returns the regressed trajectory at times. The frame column is
// set to -1.
func (k *Kriging) Interpolate(times []float64) (*models.Trajectory, error) {
	return k.InterpolateFrames(times, nil)
}

// InterpolateFrames is Interpolate with caller-supplied frame labels. The
// error columns of the result hold standard deviations, and the first row's
// error is the observed error of the first sample.
func (k *Kriging) InterpolateFrames(times []float64, frames []float64) (*models.Trajectory, error) {
	if len(times) == 0 {
		return nil, ErrNoQuery
	}
	if frames != nil && len(frames) != len(times) {
		return nil, fmt.Errorf("%w: %d frames, %d times", ErrFrameCount, len(frames), len(times))
	}

	out := mat.NewDense(len(times), k.obs.Cols(), nil)
	for i, t := range times {
		f := -1.0
		if frames != nil {
			f = frames[i]
		}
		out.Set(i, models.Frame, f)
		out.Set(i, models.Time, t)
	}

	for dim := 0; dim < 2; dim++ {
		mean, variance, err := k.posterior(times, dim)
		if err != nil {
			return nil, fmt.Errorf("dimension %d: %w", dim, err)
		}
		for i := range times {
			out.Set(i, models.PosX+dim, mean[i])
			out.Set(i, models.ErrX+dim, math.Sqrt(variance[i]))
		}
		out.Set(0, models.ErrX+dim, math.Sqrt(k.obs.At(0, models.ErrX+dim)))
		k.reportProgress(dim+1, 2, "kriging")
	}

	return models.Wrap(out), nil
}

// PosteriorVariance returns the raw posterior variance along dim (0 for x,
// 1 for y) at times, clamped at zero.
func (k *Kriging) PosteriorVariance(times []float64, dim int) ([]float64, error) {
	if len(times) == 0 {
		return nil, ErrNoQuery
	}
	_, v, err := k.posterior(times, dim)
	return v, err
}

func (k *Kriging) posterior(times []float64, dim int) ([]float64, []float64, error) {
	D, A := k.params.D, k.params.A
	mu := k.params.Mu[dim]

	kobs := kernel.FBMSym(D, A, k.times)
	kernel.AddDiag(kobs, k.obs.Column(models.ErrX+dim), kernel.Jitter)
	chol, err := kernel.Factorize(kobs)
	if err != nil {
		return nil, nil, err
	}

	resid := k.obs.Column(models.PosX + dim)
	for i := range resid {
		resid[i] -= mu
	}
	var alpha mat.VecDense
	if err := kernel.SolveErr(chol.SolveVecTo(&alpha, mat.NewVecDense(len(resid), resid))); err != nil {
		return nil, nil, err
	}

	ks := kernel.FBM(D, A, k.times, times)
	var mean mat.VecDense
	mean.MulVec(ks.T(), &alpha)

	var kinvKs mat.Dense
	if err := kernel.SolveErr(chol.SolveTo(&kinvKs, ks)); err != nil {
		return nil, nil, err
	}

	n := len(k.times)
	means := make([]float64, len(times))
	variance := make([]float64, len(times))
	for j, q := range times {
		means[j] = mean.AtVec(j) + mu

		reduce := 0.0
		for i := 0; i < n; i++ {
			reduce += ks.At(i, j) * kinvKs.At(i, j)
		}
		variance[j] = math.Max(kernel.Variance(D, A, q)-reduce, 0)
	}
	return means, variance, nil
}
