package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/models"
	"gpfbm/pkg/gp"
	"gpfbm/pkg/simulate"
)

var microns = Calibration{PixelSize: 0.1, LengthUnit: "um", TimeUnit: "s"}

func singleModel(t *testing.T, opts ...gp.Option) *gp.Model {
	t.Helper()
	s, err := simulate.NewGenerator(5).Trajectory(simulate.Params{Frames: 60, Dt: 1, D: 0.5, A: 1, Precision: 0.05})
	require.NoError(t, err)
	m, err := gp.New([]*models.Trajectory{s.Observed}, opts...)
	require.NoError(t, err)
	return m
}

func TestDUnits(t *testing.T) {
	assert.Equal(t, "um^2/s^A", microns.DUnits())
}

func TestBuildSingle(t *testing.T) {
	m := singleModel(t, gp.WithIDs([]models.ParticleID{{TrackID: 2, TrajID: 7}}))
	da, err := m.Single(0)
	require.NoError(t, err)

	rep, err := Build([]*gp.Model{m}, microns, Options{Substrate: true})
	require.NoError(t, err)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, "um^2/s^A", rep.DUnits)
	require.Len(t, rep.Cells, 1)

	cell := rep.Cells[0]
	assert.Nil(t, cell.Coupled)
	assert.Equal(t, SingleColumns, cell.Single.Columns)
	require.Len(t, cell.Single.Dynamics, 1)

	row := cell.Single.Dynamics[0]
	assert.Equal(t, []float64{2, 7}, row[:2])
	assert.InDelta(t, 0.01*da.D, row[2], 1e-12)
	assert.Equal(t, da.A, row[3])
	assert.Equal(t, da.Mu[0], row[4])
	assert.Empty(t, cell.Single.Posterior)
}

func TestBuildPosterior(t *testing.T) {
	if testing.Short() {
		t.Skip("sampling")
	}

	set := gp.DefaultSettings()
	set.Workers = 2
	set.Calibration.BatchSize = 20
	set.Calibration.MaxRounds = 3
	m := singleModel(t, gp.WithSettings(set))

	rep, err := Build([]*gp.Model{m}, microns, Options{Samples: 50})
	require.NoError(t, err)
	post := rep.Cells[0].Single.Posterior
	require.Len(t, post, 1)
	assert.Equal(t, PosteriorColumns, post[0].Columns)
	require.Len(t, post[0].Summary.Mean, 4)

	samples, err := m.SingleDistribution(50, 0)
	require.NoError(t, err)
	var sum float64
	for i := 0; i < 50; i++ {
		sum += samples.At(i, 0)
	}
	assert.InDelta(t, 0.01*sum/50, post[0].Summary.Mean[0], 1e-9)

	// Sturges: 1 + ceil(log2 50) = 7 bins, a value/fraction pair per column.
	require.Len(t, post[0].Density, 7)
	for p := 0; p < 4; p++ {
		var total float64
		for _, row := range post[0].Density {
			require.Len(t, row, 8)
			total += row[2*p+1]
		}
		assert.InDelta(t, 1.0, total, 1e-12)
	}
	assert.InDelta(t, 0.01*mat.Min(samples.ColView(0)), post[0].Density[0][0], 1e-12)
}

func TestBuildCoupled(t *testing.T) {
	if testing.Short() {
		t.Skip("coupled fit on 2x150 frames")
	}

	g := simulate.NewGenerator(21)
	sub, err := g.Trajectory(simulate.Params{Frames: 150, Dt: 0.5, D: 0.5, A: 1})
	require.NoError(t, err)
	var obs []*models.Trajectory
	for _, p := range []simulate.Params{
		{Frames: 150, Dt: 0.5, D: 0.1, A: 0.45, Precision: 0.05},
		{Frames: 150, Dt: 0.5, D: 0.08, A: 0.5, Precision: 0.05},
	} {
		s, err := g.Trajectory(p)
		require.NoError(t, err)
		require.NoError(t, simulate.AddDisplacement(s.Observed, sub.Truth))
		obs = append(obs, s.Observed)
	}
	m, err := gp.New(obs)
	require.NoError(t, err)

	rep, err := Build([]*gp.Model{m}, Calibration{PixelSize: 1, LengthUnit: "px", TimeUnit: "s"}, Options{Substrate: true})
	require.NoError(t, err)

	c := rep.Cells[0].Coupled
	require.NotNil(t, c)
	assert.Equal(t, CoupledColumns, c.Columns)
	require.Len(t, c.Dynamics, 2)
	assert.Equal(t, []float64{0, 1}, []float64{c.Dynamics[0][1], c.Dynamics[1][1]})

	cda, err := m.Coupled()
	require.NoError(t, err)
	assert.Equal(t, cda.DR, c.Substrate.D)
	assert.Equal(t, cda.AR, c.Substrate.A)
	assert.Equal(t, "frame, time, pos_x, pos_y, error_x, error_y", c.Substrate.Rows)
	require.Len(t, c.Substrate.Trajectory, 150)
	assert.Len(t, c.Substrate.Trajectory[0], models.NumCols)
}

func TestBuildCoupledPosterior(t *testing.T) {
	if testing.Short() {
		t.Skip("sampling over a coupled model")
	}

	g := simulate.NewGenerator(41)
	sub, err := g.Trajectory(simulate.Params{Frames: 60, Dt: 0.5, D: 0.5, A: 1})
	require.NoError(t, err)
	var obs []*models.Trajectory
	for _, p := range []simulate.Params{
		{Frames: 60, Dt: 0.5, D: 0.1, A: 0.45, Precision: 0.05},
		{Frames: 60, Dt: 0.5, D: 0.08, A: 0.5, Precision: 0.05},
	} {
		s, err := g.Trajectory(p)
		require.NoError(t, err)
		require.NoError(t, simulate.AddDisplacement(s.Observed, sub.Truth))
		obs = append(obs, s.Observed)
	}

	set := gp.DefaultSettings()
	set.Workers = 2
	set.Calibration.BatchSize = 20
	set.Calibration.MaxRounds = 3
	m, err := gp.New(obs, gp.WithSettings(set))
	require.NoError(t, err)

	rep, err := Build([]*gp.Model{m}, microns, Options{Samples: 40})
	require.NoError(t, err)

	post := rep.Cells[0].Coupled.Posterior
	require.NotNil(t, post)
	assert.Equal(t, "D0, A0, D1, A1, DR, AR", post.Columns)
	require.Len(t, post.Summary.Mean, 6)

	// 1 + ceil(log2 40) = 7 bins.
	require.Len(t, post.Density, 7)
	var total float64
	for _, row := range post.Density {
		require.Len(t, row, 12)
		total += row[11]
	}
	assert.InDelta(t, 1.0, total, 1e-12)

	samples, err := m.CoupledDistribution(40)
	require.NoError(t, err)
	assert.InDelta(t, 0.01*mat.Max(samples.ColView(4)), post.Density[6][8], 1e-12)
}

func TestWriteJSONKeys(t *testing.T) {
	m := singleModel(t)
	rep, err := Build([]*gp.Model{m}, microns, Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "um^2/s^A", doc["D_units"])
	assert.Equal(t, rep.RunID, doc["run_id"])

	cells, ok := doc["Cells"].([]any)
	require.True(t, ok)
	require.Len(t, cells, 1)
	cell := cells[0].(map[string]any)
	assert.Contains(t, cell, "single")
	assert.NotContains(t, cell, "coupled")
	single := cell["single"].(map[string]any)
	assert.Equal(t, SingleColumns, single["columns"])
	assert.Equal(t, "pixels", single["point_at_zero_units"])
	assert.NotContains(t, single, "posterior")
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(nil, microns, Options{})
	assert.ErrorIs(t, err, ErrNoCells)

	_, err = Build([]*gp.Model{singleModel(t)}, Calibration{}, Options{})
	assert.Error(t, err)

	s, err := simulate.NewGenerator(1).Trajectory(simulate.Params{Frames: 3, Dt: 1, D: 0.5, A: 1, Precision: 0.05})
	require.NoError(t, err)
	short, err := gp.New([]*models.Trajectory{s.Observed})
	require.NoError(t, err)
	_, err = Build([]*gp.Model{short}, microns, Options{})
	assert.ErrorIs(t, err, gp.ErrInsufficientData)
}
