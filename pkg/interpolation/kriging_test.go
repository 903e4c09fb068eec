package interpolation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/models"
)

// clusteredTrajectory has dense samples in [0, 1] and a sparse tail. Error
// columns hold variances.
func clusteredTrajectory(t *testing.T, variance float64) *models.Trajectory {
	t.Helper()

	var rows [][]float64
	frame := 0
	for i := 0; i < 21; i++ {
		ts := float64(i) * 0.05
		rows = append(rows, []float64{float64(frame), ts, math.Sin(ts), math.Cos(ts), variance, variance})
		frame++
	}
	for _, ts := range []float64{3, 6} {
		rows = append(rows, []float64{float64(frame), ts, math.Sin(ts), math.Cos(ts), variance, variance})
		frame++
	}

	traj, err := models.NewTrajectoryFromRows(rows)
	require.NoError(t, err)
	return traj
}

func TestKrigingDenseVersusFar(t *testing.T) {
	traj := clusteredTrajectory(t, 0.01)
	k := NewKriging(traj, models.ParamDA{D: 0.5, A: 1, Mu: [2]float64{0, 1}})

	for dim := 0; dim < 2; dim++ {
		v, err := k.PosteriorVariance([]float64{0.52, 12}, dim)
		require.NoError(t, err)
		require.Len(t, v, 2)
		assert.Less(t, v[0], v[1], "dim %d", dim)
		assert.GreaterOrEqual(t, v[0], 0.0)
	}
}

func TestKrigingMeanFollowsObservations(t *testing.T) {
	traj := clusteredTrajectory(t, 1e-4)
	k := NewKriging(traj, models.ParamDA{D: 1, A: 1, Mu: [2]float64{0, 1}})

	query := []float64{0.25, 0.5, 0.75}
	out, err := k.Interpolate(query)
	require.NoError(t, err)
	require.Equal(t, len(query), out.Len())
	require.Equal(t, traj.Cols(), out.Cols())

	for i, q := range query {
		assert.Equal(t, -1.0, out.At(i, models.Frame))
		assert.Equal(t, q, out.At(i, models.Time))
		assert.InDelta(t, math.Sin(q), out.At(i, models.PosX), 0.02)
		assert.InDelta(t, math.Cos(q), out.At(i, models.PosY), 0.02)
	}
}

func TestKrigingFirstErrorPinned(t *testing.T) {
	traj := clusteredTrajectory(t, 0.04)
	k := NewKriging(traj, models.ParamDA{D: 0.2, A: 0.8, Mu: [2]float64{0, 1}})

	out, err := k.InterpolateFrames([]float64{0.3, 2, 4}, []float64{10, 11, 12})
	require.NoError(t, err)

	assert.InDelta(t, 0.2, out.At(0, models.ErrX), 1e-15)
	assert.InDelta(t, 0.2, out.At(0, models.ErrY), 1e-15)
	assert.Equal(t, 11.0, out.At(1, models.Frame))
	for i := 1; i < out.Len(); i++ {
		assert.False(t, math.IsNaN(out.At(i, models.ErrX)))
	}
}

func TestKrigingProgress(t *testing.T) {
	k := NewKriging(clusteredTrajectory(t, 0.01), models.ParamDA{D: 1, A: 1})
	calls := 0
	k.SetProgressCallback(func(completed, total int, message string) {
		calls++
		assert.Equal(t, 2, total)
		assert.Equal(t, "kriging", message)
	})
	_, err := k.Interpolate([]float64{1})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestKrigingBadInput(t *testing.T) {
	k := NewKriging(clusteredTrajectory(t, 0.01), models.ParamDA{D: 1, A: 1})

	_, err := k.Interpolate(nil)
	assert.ErrorIs(t, err, ErrNoQuery)

	_, err = k.InterpolateFrames([]float64{1, 2}, []float64{1})
	assert.ErrorIs(t, err, ErrFrameCount)

	_, err = k.PosteriorVariance(nil, 0)
	assert.ErrorIs(t, err, ErrNoQuery)
}

func TestKrigingMatchesDirectFormula(t *testing.T) {
	// Single observation at t=1 with BM kernel: var(q) = 2q - (2min(1,q))²/(2+s²+jitter).
	obs := mat.NewDense(1, models.NumCols, []float64{0, 1, 0.3, 0, 0.5, 0.5})
	traj, err := models.NewTrajectory(obs)
	require.NoError(t, err)

	k := NewKriging(traj, models.ParamDA{D: 1, A: 1})
	v, err := k.PosteriorVariance([]float64{2}, 0)
	require.NoError(t, err)

	kk := 2 + 0.5 + 1e-4
	assert.InDelta(t, 4-4/kk, v[0], 1e-9)
}
