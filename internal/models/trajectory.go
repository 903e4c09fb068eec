package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Column layout of a trajectory matrix. Additional columns (size, signal,
// background) may follow ErrY and are carried through untouched.
const (
	Frame = iota
	Time
	PosX
	PosY
	ErrX
	ErrY

	// NumCols is the number of mandatory columns.
	NumCols
)

// ColumnNames lists the mandatory columns in storage order.
var ColumnNames = [NumCols]string{"frame", "time", "pos_x", "pos_y", "error_x", "error_y"}

var (
	ErrEmptyTrajectory = errors.New("trajectory has no rows")
	ErrColumnCount     = errors.New("trajectory has too few columns")
	ErrTimeOrder       = errors.New("trajectory times are decreasing")
	ErrDuplicateFrame  = errors.New("trajectory repeats a frame index")
)

// Trajectory is one particle's ordered detections, one row per frame.
type Trajectory struct {
	data *mat.Dense
}

// NewTrajectory validates data and wraps it without copying.
func NewTrajectory(data *mat.Dense) (*Trajectory, error) {
	if data == nil || data.IsEmpty() {
		return nil, ErrEmptyTrajectory
	}
	rows, cols := data.Dims()
	if cols < NumCols {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrColumnCount, cols, NumCols)
	}

	seen := make(map[int]struct{}, rows)
	for i := 0; i < rows; i++ {
		if i > 0 && data.At(i, Time) < data.At(i-1, Time) {
			return nil, fmt.Errorf("%w at row %d", ErrTimeOrder, i)
		}
		fr := int(math.Round(data.At(i, Frame)))
		if _, ok := seen[fr]; ok {
			return nil, fmt.Errorf("%w: frame %d", ErrDuplicateFrame, fr)
		}
		seen[fr] = struct{}{}
	}

	return &Trajectory{data: data}, nil
}

// NewTrajectoryFromRows copies rows into a new validated trajectory.
func NewTrajectoryFromRows(rows [][]float64) (*Trajectory, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyTrajectory
	}
	cols := len(rows[0])
	data := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%w: row %d has %d values, row 0 has %d", ErrColumnCount, i, len(r), cols)
		}
		data.SetRow(i, r)
	}
	return NewTrajectory(data)
}

// Wrap builds a trajectory around data without validating it. It is meant
// for matrices produced by this module, e.g. regression output.
func Wrap(data *mat.Dense) *Trajectory {
	return &Trajectory{data: data}
}

// Len returns the number of rows.
func (t *Trajectory) Len() int {
	r, _ := t.data.Dims()
	return r
}

// Cols returns the number of columns.
func (t *Trajectory) Cols() int {
	_, c := t.data.Dims()
	return c
}

func (t *Trajectory) At(i, col int) float64 { return t.data.At(i, col) }

func (t *Trajectory) Set(i, col int, v float64) { t.data.Set(i, col, v) }

// FrameAt returns the integer frame index of row i.
func (t *Trajectory) FrameAt(i int) int {
	return int(math.Round(t.data.At(i, Frame)))
}

// Column returns a copy of column col.
func (t *Trajectory) Column(col int) []float64 {
	return mat.Col(nil, col, t.data)
}

// Row returns a copy of row i.
func (t *Trajectory) Row(i int) []float64 {
	return mat.Row(nil, i, t.data)
}

// Clone returns a deep copy.
func (t *Trajectory) Clone() *Trajectory {
	return &Trajectory{data: mat.DenseCopyOf(t.data)}
}

// SelectRows returns a new trajectory holding only the given rows, in order.
func (t *Trajectory) SelectRows(rows []int) *Trajectory {
	if len(rows) == 0 {
		// mat cannot hold a zero-row matrix; keep an empty shell.
		return &Trajectory{data: &mat.Dense{}}
	}
	out := mat.NewDense(len(rows), t.Cols(), nil)
	for i, r := range rows {
		out.SetRow(i, mat.Row(nil, r, t.data))
	}
	return &Trajectory{data: out}
}

// Empty reports whether the trajectory has no rows.
func (t *Trajectory) Empty() bool {
	return t == nil || t.data == nil || t.data.IsEmpty()
}
