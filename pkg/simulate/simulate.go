// Package simulate generates synthetic FBM trajectories with measurement
// noise, shared substrate motion and occlusions.
package simulate

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"gpfbm/internal/models"
	"gpfbm/pkg/kernel"
)

var (
	ErrBadParams   = errors.New("invalid simulation parameters")
	ErrAllOccluded = errors.New("every frame was occluded")
	ErrMismatch    = errors.New("trajectories do not share frames")
)

// precisionSpread is the log-scale spread of the per-sample localization
// error around Params.Precision.
const precisionSpread = 0.05

// Params describes one synthetic trajectory.
type Params struct {
	Frames int     `yaml:"frames"`
	Dt     float64 `yaml:"dt"`
	D      float64 `yaml:"D"`
	A      float64 `yaml:"A"`

	// Precision is the typical localization error (standard deviation).
	Precision float64 `yaml:"precision"`
}

// Validate reports whether p can be simulated.
func (p Params) Validate() error {
	switch {
	case p.Frames < 1:
		return fmt.Errorf("%w: frames %d", ErrBadParams, p.Frames)
	case p.Dt <= 0:
		return fmt.Errorf("%w: dt %g", ErrBadParams, p.Dt)
	case p.D <= 0:
		return fmt.Errorf("%w: D %g", ErrBadParams, p.D)
	case p.A <= 0 || p.A >= 2:
		return fmt.Errorf("%w: A %g", ErrBadParams, p.A)
	case p.Precision < 0:
		return fmt.Errorf("%w: precision %g", ErrBadParams, p.Precision)
	}
	return nil
}

// Sample is a simulated trajectory with and without measurement noise.
type Sample struct {
	// Observed has noisy positions and the noise standard deviation in the
	// error columns.
	Observed *models.Trajectory

	// Truth has the noise-free positions and zero errors.
	Truth *models.Trajectory
}

// Generator draws trajectories from a seeded stream. It is not safe for
// concurrent use.
type Generator struct {
	src rand.Source
	rng *rand.Rand
}

// NewGenerator returns a generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	src := rand.NewSource(seed)
	return &Generator{src: src, rng: rand.New(src)}
}

// Trajectory simulates frames 0..Frames-1 at times k*Dt. Positions start at
// the origin and follow FBM with the given D and A.
func (g *Generator) Trajectory(p Params) (*Sample, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	times := make([]float64, p.Frames)
	for k := range times {
		times[k] = float64(k) * p.Dt
	}
	cov := kernel.FBMSym(p.D, p.A, times)
	kernel.AddDiag(cov, nil, kernel.Jitter*1e-2)

	mvn, ok := distmv.NewNormal(make([]float64, p.Frames), cov, g.src)
	if !ok {
		return nil, fmt.Errorf("%w: covariance for D=%g A=%g", kernel.ErrNotPositiveDefinite, p.D, p.A)
	}

	errDist := distuv.LogNormal{Mu: math.Log(p.Precision + 1e-5), Sigma: precisionSpread, Src: g.src}
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: g.src}

	obs := mat.NewDense(p.Frames, models.NumCols, nil)
	truth := mat.NewDense(p.Frames, models.NumCols, nil)
	for _, m := range []*mat.Dense{obs, truth} {
		for k, t := range times {
			m.Set(k, models.Frame, float64(k))
			m.Set(k, models.Time, t)
		}
	}

	for dim := 0; dim < 2; dim++ {
		path := mvn.Rand(nil)
		for k, x := range path {
			e := errDist.Rand()
			truth.Set(k, models.PosX+dim, x)
			obs.Set(k, models.PosX+dim, x+e*noise.Rand())
			obs.Set(k, models.ErrX+dim, e)
		}
	}

	return &Sample{Observed: models.Wrap(obs), Truth: models.Wrap(truth)}, nil
}

// AddDisplacement adds the positions of shift to every row of dst whose
// frame shift also holds.
func AddDisplacement(dst, shift *models.Trajectory) error {
	rows := make(map[int]int, shift.Len())
	for r := 0; r < shift.Len(); r++ {
		rows[shift.FrameAt(r)] = r
	}
	for r := 0; r < dst.Len(); r++ {
		s, ok := rows[dst.FrameAt(r)]
		if !ok {
			return fmt.Errorf("%w: frame %d", ErrMismatch, dst.FrameAt(r))
		}
		for _, col := range []int{models.PosX, models.PosY} {
			dst.Set(r, col, dst.At(r, col)+shift.At(s, col))
		}
	}
	return nil
}

// Occlude drops each row with probability prob and returns the surviving
// rows of every trajectory. The same frames are dropped from all of them so
// observed and ground-truth copies stay aligned.
func (g *Generator) Occlude(prob float64, trajs ...*models.Trajectory) ([]*models.Trajectory, error) {
	if len(trajs) == 0 {
		return nil, nil
	}
	n := trajs[0].Len()
	for _, t := range trajs[1:] {
		if t.Len() != n {
			return nil, fmt.Errorf("%w: %d rows versus %d", ErrMismatch, t.Len(), n)
		}
	}

	var keep []int
	for r := 0; r < n; r++ {
		if g.rng.Float64() >= prob {
			keep = append(keep, r)
		}
	}
	if len(keep) == 0 {
		return nil, ErrAllOccluded
	}

	out := make([]*models.Trajectory, len(trajs))
	for i, t := range trajs {
		out[i] = t.SelectRows(keep)
	}
	return out, nil
}
