package control

import "math"

// Curve describes a reciprocal-exponential gain schedule of the form
//
//	f(x) = A + (K - A) * exp(-1 / (B * (x - C)))
//
// A is the lower asymptote, K the upper asymptote, B the scale and C the
// shift. The curve maps an absolute error magnitude onto a PID gain. The
// evaluation is total: degenerate denominators fall back to A instead of
// propagating an error.
type Curve struct {
	A float64 `yaml:"a" json:"a"`
	K float64 `yaml:"k" json:"k"`
	B float64 `yaml:"b" json:"b"`
	C float64 `yaml:"c" json:"c"`
}

const denomEpsilon = 1e-9

// Value evaluates the curve at x. The result is clamped to
// [min(A,K), max(A,K)] so a schedule can never leave its configured band.
func (c Curve) Value(x float64) float64 {
	if math.Abs(c.B) < denomEpsilon {
		return c.A
	}
	denom := c.B * (x - c.C)
	if math.Abs(denom) < denomEpsilon {
		return c.A
	}
	val := c.A + (c.K-c.A)*math.Exp(-1.0/denom)
	return clamp(val, math.Min(c.A, c.K), math.Max(c.A, c.K))
}

// Derivative evaluates d/dt of f(t) = A + (K-A)*exp(-1/(B*t)) at t, with the
// shift C ignored. It is used by the slope-matching solver, which works on
// unshifted curves.
func (c Curve) Derivative(t float64) float64 {
	if t <= denomEpsilon {
		return 0
	}
	factor := (c.K - c.A) * math.Exp(-1.0/(c.B*t))
	denom := c.B * t * t
	if denom == 0 {
		return 0
	}
	return factor / denom
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
