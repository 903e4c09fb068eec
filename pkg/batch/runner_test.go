package batch

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpfbm/internal/models"
	"gpfbm/pkg/gp"
	"gpfbm/pkg/simulate"
)

func singleParams() *Params {
	return &Params{
		Particles: []simulate.Params{{Frames: 60, Dt: 1, D: 0.5, A: 1, Precision: 0.05}},
		Trials:    4,
		Seed:      10,
		NumCores:  2,
		Settings:  gp.DefaultSettings(),
	}
}

func TestProcessSingle(t *testing.T) {
	r := NewRunner(singleParams())
	var last float64
	r.SetProgress(func(f float64) { last = f })

	require.NoError(t, r.Process())
	m := r.GetMetrics()

	assert.Equal(t, []string{"D0", "A0"}, m.Columns)
	assert.Equal(t, 4, m.Trials)
	assert.Equal(t, 0, m.Failures)
	_, err := uuid.Parse(m.RunID)
	assert.NoError(t, err)
	for j := range m.Columns {
		assert.False(t, math.IsNaN(m.Mean[j]))
		assert.GreaterOrEqual(t, m.Std[j], 0.0)
	}
	assert.InDelta(t, 1.0, last, 1e-12)

	rows, cols := r.RelativeErrors().Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 2, cols)
}

func TestProcessCountsFailures(t *testing.T) {
	p := singleParams()
	p.Settings.MaxIterations = 1

	r := NewRunner(p)
	require.NoError(t, r.Process())
	m := r.GetMetrics()
	assert.Equal(t, 4, m.Failures)
	assert.True(t, math.IsNaN(m.Mean[0]))
}

func TestSimulateDeterministicAndOccluded(t *testing.T) {
	p := singleParams()
	p.Occlusion = 0.3
	r := NewRunner(p)

	a, err := r.Simulate(2)
	require.NoError(t, err)
	b, err := r.Simulate(2)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, a[0].Column(models.PosX), b[0].Column(models.PosX))
	assert.Less(t, a[0].Len(), 60)

	c, err := r.Simulate(3)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Column(models.PosX), c[0].Column(models.PosX))
}

func TestColumnsCoupled(t *testing.T) {
	r := NewRunner(&Params{
		Particles: []simulate.Params{{}, {}},
	})
	assert.True(t, r.Coupled())
	assert.Equal(t, []string{"D0", "A0", "D1", "A1", "cD0", "cA0", "cD1", "cA1", "DR", "AR"}, r.columnNames())
}

func TestProcessCoupled(t *testing.T) {
	if testing.Short() {
		t.Skip("coupled trials")
	}

	r := NewRunner(&Params{
		Particles: []simulate.Params{
			{Frames: 60, Dt: 0.5, D: 0.1, A: 0.45, Precision: 0.05},
			{Frames: 60, Dt: 0.5, D: 0.08, A: 0.5, Precision: 0.05},
		},
		Substrate: simulate.Params{D: 0.5, A: 1},
		Trials:    2,
		Seed:      3,
		NumCores:  2,
		Settings:  gp.DefaultSettings(),
	})
	require.NoError(t, r.Process())
	m := r.GetMetrics()
	assert.Len(t, m.Mean, 10)
	assert.Equal(t, 2, m.Trials)
}

func TestProcessRejectsEmpty(t *testing.T) {
	assert.ErrorIs(t, NewRunner(&Params{Trials: 1}).Process(), ErrNoParticles)
	_, err := NewRunner(&Params{}).Simulate(0)
	assert.ErrorIs(t, err, ErrNoParticles)

	p := singleParams()
	p.Trials = 0
	assert.Error(t, NewRunner(p).Process())
}
