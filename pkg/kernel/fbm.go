// Package kernel builds fractional-Brownian-motion covariance matrices and the
// Gaussian likelihood terms computed from them.
package kernel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Jitter is added to kernel diagonals before factorization.
const Jitter = 1e-4

// ErrNotPositiveDefinite is returned when a covariance matrix cannot be
// Cholesky-factorized even after jitter.
var ErrNotPositiveDefinite = errors.New("covariance matrix is not positive definite")

// FBM returns the cross covariance between time sets t1 and t2:
//
//	K[i][j] = D * (|t1_i|^A + |t2_j|^A - |t1_i - t2_j|^A)
func FBM(D, A float64, t1, t2 []float64) *mat.Dense {
	ta1 := powAbs(t1, A)
	ta2 := powAbs(t2, A)

	k := mat.NewDense(len(t1), len(t2), nil)
	for i := range t1 {
		for j := range t2 {
			k.Set(i, j, D*(ta1[i]+ta2[j]-math.Pow(math.Abs(t1[i]-t2[j]), A)))
		}
	}
	return k
}

// FBMSym returns the covariance of t with itself. Only the upper triangle is
// computed.
func FBMSym(D, A float64, t []float64) *mat.SymDense {
	ta := powAbs(t, A)

	n := len(t)
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, D*(ta[i]+ta[j]-math.Pow(math.Abs(t[i]-t[j]), A)))
		}
	}
	return k
}

// Variance returns the prior variance 2D|t|^A, the diagonal of FBMSym.
func Variance(D, A, t float64) float64 {
	return 2 * D * math.Pow(math.Abs(t), A)
}

// AddDiag adds v[i] + c to the i-th diagonal entry of k in place. v may be nil.
func AddDiag(k *mat.SymDense, v []float64, c float64) {
	n := k.SymmetricDim()
	for i := 0; i < n; i++ {
		d := k.At(i, i) + c
		if v != nil {
			d += v[i]
		}
		k.SetSym(i, i, d)
	}
}

// Factorize computes the Cholesky factorization of k.
func Factorize(k mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		return nil, ErrNotPositiveDefinite
	}
	return &chol, nil
}

// SolveErr filters the error of a Cholesky solve. Finite condition numbers
// are reported by gonum after the result has been written and are accepted.
func SolveErr(err error) error {
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) && !math.IsInf(float64(cond), 0) && !math.IsNaN(float64(cond)) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotPositiveDefinite, err)
}

// NegLogLikelihood returns 0.5*rᵀK⁻¹r + 0.5*log|K| for a factorized K. The
// constant term is omitted.
func NegLogLikelihood(chol *mat.Cholesky, r []float64) (float64, error) {
	rv := mat.NewVecDense(len(r), r)
	var alpha mat.VecDense
	if err := SolveErr(chol.SolveVecTo(&alpha, rv)); err != nil {
		return math.Inf(1), err
	}
	return 0.5*mat.Dot(rv, &alpha) + 0.5*chol.LogDet(), nil
}

func powAbs(t []float64, a float64) []float64 {
	out := make([]float64, len(t))
	for i, v := range t {
		out[i] = math.Pow(math.Abs(v), a)
	}
	return out
}
