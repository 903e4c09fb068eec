// Package report converts model results to physical units and lays them out
// in the JSON schema used by saved analysis files.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"gpfbm/internal/models"
	"gpfbm/pkg/gp"
	"gpfbm/pkg/mcmc"
)

// Column descriptions written next to each table.
const (
	SingleColumns    = "channel, particle_id, D, A, mu_x, mu_y"
	CoupledColumns   = "channel, particle_id, D, A"
	PosteriorColumns = "D, A, mu_x, mu_y"
)

// TrajectoryRows describes the substrate trajectory columns.
var TrajectoryRows = strings.Join(models.ColumnNames[:], ", ")

// PointAtZeroUnits is the unit of the fitted mean positions.
const PointAtZeroUnits = "pixels"

// ErrNoCells is returned when Build is given no models.
var ErrNoCells = errors.New("no models to report")

// Calibration converts pixel units to physical ones.
type Calibration struct {
	// PixelSize is the physical length of one pixel.
	PixelSize  float64
	LengthUnit string
	TimeUnit   string
}

// DUnits returns the unit string of D, e.g. "um^2/s^A".
func (c Calibration) DUnits() string {
	return c.LengthUnit + "^2/" + c.TimeUnit + "^A"
}

func (c Calibration) dScale() float64 {
	return c.PixelSize * c.PixelSize
}

// Options selects the optional parts of a report.
type Options struct {
	// Substrate adds the estimated substrate trajectory to coupled cells.
	Substrate bool

	// Samples, when positive, adds posterior summaries and densities from
	// that many draws per particle and for the coupled model.
	Samples int
}

// Report is the top-level document.
type Report struct {
	RunID  string `json:"run_id"`
	DUnits string `json:"D_units"`
	Cells  []Cell `json:"Cells"`
}

// Cell holds the results of one model.
type Cell struct {
	Single  Single   `json:"single"`
	Coupled *Coupled `json:"coupled,omitempty"`
}

// Single lists the per-particle single fits.
type Single struct {
	Columns          string      `json:"columns"`
	PointAtZeroUnits string      `json:"point_at_zero_units"`
	Dynamics         [][]float64 `json:"dynamics"`

	Posterior []Posterior `json:"posterior,omitempty"`
}

// Posterior summarizes posterior samples. Density rows hold a (value,
// fraction) column pair per parameter, in Columns order.
type Posterior struct {
	Columns string       `json:"columns"`
	Summary mcmc.Summary `json:"summary"`
	Density [][]float64  `json:"density"`
}

// Coupled lists the substrate-corrected fits.
type Coupled struct {
	Columns   string      `json:"columns"`
	Dynamics  [][]float64 `json:"dynamics"`
	Substrate Substrate   `json:"substrate"`

	Posterior *Posterior `json:"posterior,omitempty"`
}

// Substrate holds the shared-motion dynamics and, optionally, its path.
type Substrate struct {
	D          float64     `json:"D"`
	A          float64     `json:"A"`
	Rows       string      `json:"rows,omitempty"`
	Trajectory [][]float64 `json:"trajectory,omitempty"`
}

// Build fits every model as needed and assembles the report. Models with a
// single particle get no coupled section.
func Build(cells []*gp.Model, cal Calibration, opts Options) (*Report, error) {
	if len(cells) == 0 {
		return nil, ErrNoCells
	}
	if cal.PixelSize <= 0 {
		return nil, fmt.Errorf("pixel size must be positive, got %g", cal.PixelSize)
	}

	rep := &Report{
		RunID:  uuid.NewString(),
		DUnits: cal.DUnits(),
		Cells:  make([]Cell, 0, len(cells)),
	}
	for i, m := range cells {
		cell, err := buildCell(m, cal, opts)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		rep.Cells = append(rep.Cells, *cell)
	}
	return rep, nil
}

func buildCell(m *gp.Model, cal Calibration, opts Options) (*Cell, error) {
	ids := m.IDs()
	cell := &Cell{Single: Single{
		Columns:          SingleColumns,
		PointAtZeroUnits: PointAtZeroUnits,
		Dynamics:         [][]float64{},
	}}

	for p := 0; p < m.NumParticles(); p++ {
		da, err := m.Single(p)
		if err != nil {
			return nil, err
		}
		cell.Single.Dynamics = append(cell.Single.Dynamics, []float64{
			float64(ids[p].TrackID), float64(ids[p].TrajID),
			cal.dScale() * da.D, da.A, da.Mu[0], da.Mu[1],
		})

		if opts.Samples > 0 {
			samples, err := m.SingleDistribution(opts.Samples, p)
			if err != nil {
				return nil, err
			}
			cell.Single.Posterior = append(cell.Single.Posterior,
				posterior(PosteriorColumns, scaleD(samples, 1, cal.dScale())))
		}
	}

	if m.NumParticles() < 2 {
		return cell, nil
	}

	cda, err := m.Coupled()
	if err != nil {
		return nil, err
	}
	coupled := &Coupled{
		Columns:   CoupledColumns,
		Dynamics:  make([][]float64, 0, len(cda.DA)),
		Substrate: Substrate{D: cal.dScale() * cda.DR, A: cda.AR},
	}
	for p, da := range cda.DA {
		coupled.Dynamics = append(coupled.Dynamics, []float64{
			float64(ids[p].TrackID), float64(ids[p].TrajID), cal.dScale() * da.D, da.A,
		})
	}

	if opts.Substrate {
		sub, err := m.Substrate(false)
		if err != nil {
			return nil, err
		}
		coupled.Substrate.Rows = TrajectoryRows
		for r := 0; r < sub.Len(); r++ {
			coupled.Substrate.Trajectory = append(coupled.Substrate.Trajectory, sub.Row(r))
		}
	}

	if opts.Samples > 0 {
		samples, err := m.CoupledDistribution(opts.Samples)
		if err != nil {
			return nil, err
		}
		post := posterior(coupledPosteriorColumns(len(cda.DA)), scaleD(samples, len(cda.DA)+1, cal.dScale()))
		coupled.Posterior = &post
	}

	cell.Coupled = coupled
	return cell, nil
}

// scaleD copies samples with the D column of each of the first pairs
// (D, A) column pairs multiplied by scale.
func scaleD(samples mat.Matrix, pairs int, scale float64) *mat.Dense {
	out := mat.DenseCopyOf(samples)
	for p := 0; p < pairs; p++ {
		col := mat.Col(nil, 2*p, out)
		for i := range col {
			col[i] *= scale
		}
		out.SetCol(2*p, col)
	}
	return out
}

func posterior(columns string, samples *mat.Dense) Posterior {
	return Posterior{
		Columns: columns,
		Summary: mcmc.Summarize(samples),
		Density: rowsOf(mcmc.Density(samples)),
	}
}

func coupledPosteriorColumns(particles int) string {
	names := make([]string, 0, 2*particles+2)
	for p := 0; p < particles; p++ {
		names = append(names, fmt.Sprintf("D%d", p), fmt.Sprintf("A%d", p))
	}
	names = append(names, "DR", "AR")
	return strings.Join(names, ", ")
}

func rowsOf(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}

// WriteJSON writes rep as indented JSON.
func (rep *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("error encoding report: %w", err)
	}
	return nil
}
