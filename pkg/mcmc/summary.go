package mcmc

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Summary holds per-column statistics of a sample matrix.
type Summary struct {
	Mean   []float64 `json:"mean"`
	Std    []float64 `json:"std"`
	Lower  []float64 `json:"q025"`
	Median []float64 `json:"q50"`
	Upper  []float64 `json:"q975"`
}

// Summarize computes mean, standard deviation and the 2.5/50/97.5 percentiles
// of every column of samples.
func Summarize(samples mat.Matrix) Summary {
	_, cols := samples.Dims()
	s := Summary{
		Mean:   make([]float64, cols),
		Std:    make([]float64, cols),
		Lower:  make([]float64, cols),
		Median: make([]float64, cols),
		Upper:  make([]float64, cols),
	}
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, samples)
		s.Mean[j], s.Std[j] = stat.MeanStdDev(col, nil)

		sort.Float64s(col)
		s.Lower[j] = stat.Quantile(0.025, stat.Empirical, col, nil)
		s.Median[j] = stat.Quantile(0.5, stat.Empirical, col, nil)
		s.Upper[j] = stat.Quantile(0.975, stat.Empirical, col, nil)
	}
	return s
}

// Bins returns the Sturges bin count for n samples.
func Bins(n int) int {
	if n < 1 {
		return 1
	}
	return 1 + int(math.Ceil(math.Log2(float64(n))))
}

// Density returns a normalized histogram of every column of samples. Column j
// of samples becomes the pair (2j, 2j+1): evenly spaced values from the column
// minimum to its maximum, and the fraction of samples in each bin. The bins
// split [min, max] evenly; the maximum falls in the last bin.
func Density(samples mat.Matrix) *mat.Dense {
	rows, cols := samples.Dims()
	bins := Bins(rows)
	out := mat.NewDense(bins, 2*cols, nil)

	values := make([]float64, bins)
	counts := make([]float64, bins)
	dividers := make([]float64, bins+1)
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, samples)
		sort.Float64s(col)
		lo, hi := col[0], col[rows-1]

		if bins > 1 {
			floats.Span(values, lo, hi)
		} else {
			values[0] = lo
		}
		for i := range counts {
			counts[i] = 0
		}
		if hi > lo {
			floats.Span(dividers, lo, hi)
			dividers[bins] = math.Nextafter(hi, math.Inf(1))
			stat.Histogram(counts, dividers, col, nil)
		} else {
			counts[0] = float64(rows)
		}
		floats.Scale(1/float64(rows), counts)

		out.SetCol(2*j, values)
		out.SetCol(2*j+1, counts)
	}
	return out
}
