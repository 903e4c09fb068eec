package kernel

import "math"

// The optimizer works on (log D, logit A) so that any real vector maps to a
// valid D > 0 and A in (0, 2).

// ToUnconstrained maps physical (D, A) to optimizer space.
func ToUnconstrained(D, A float64) (float64, float64) {
	return math.Log(D), Logit(A)
}

// FromUnconstrained maps optimizer space back to physical (D, A).
func FromUnconstrained(x0, x1 float64) (float64, float64) {
	return math.Exp(x0), Alpha(x1)
}

// Alpha returns A = 2eˣ/(1+eˣ).
func Alpha(x float64) float64 {
	if x >= 0 {
		return 2 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return 2 * e / (1 + e)
}

// Logit is the inverse of Alpha.
func Logit(A float64) float64 {
	return -math.Log(2/A - 1)
}

// PriorPenalty is the term added to a negative log-likelihood so that the
// implied prior is flat in (D, A) rather than in (log D, logit A).
func PriorPenalty(logD, logitA float64) float64 {
	return -logD - logitA + 2*softplus(logitA)
}

// softplus returns log(1+eˣ) without overflowing for large x.
func softplus(x float64) float64 {
	if x > 30 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}
