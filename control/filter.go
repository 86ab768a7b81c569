package control

import "math"

// ErrorFilter conditions the raw control error before it reaches the gain
// schedules and the PID engine. It is a two-pole cascade: an adaptive
// first-order low-pass whose coefficient is itself a reciprocal-exponential
// function of the error magnitude, followed by a fixed-coefficient
// exponential moving average.
//
// The adaptive pole is slope-matched against the Ki gain curve: at the
// reference time the secondary curve's derivative equals the Ki curve's
// derivative, so the filter opens up at the same rate the integral gain
// ramps in.
type ErrorFilter struct {
	primary    Curve
	secondaryA float64
	secondaryK float64
	refTime    float64
	emaAlpha   float64

	b2     float64
	state  float64
	alpha  float64
	smooth float64
	primed bool
}

// NewErrorFilter builds a filter from the Ki gain curve and the secondary
// curve asymptotes. The secondary scale B2 is solved immediately.
func NewErrorFilter(primary Curve, secondaryA, secondaryK, refTime, emaAlpha float64) *ErrorFilter {
	f := &ErrorFilter{
		primary:    primary,
		secondaryA: secondaryA,
		secondaryK: secondaryK,
		refTime:    refTime,
		emaAlpha:   emaAlpha,
	}
	f.Reset()
	return f
}

// Reset zeroes both filter stages and re-solves the secondary scale. The
// solve only depends on static configuration, so repeating it is idempotent.
func (f *ErrorFilter) Reset() {
	f.b2 = SolveSecondaryB(f.primary, f.secondaryA, f.secondaryK, f.refTime)
	f.state = 0
	f.alpha = 0
	f.smooth = 0
	f.primed = false
}

// Update pushes a raw error sample through both stages and returns the
// conditioned value.
func (f *ErrorFilter) Update(raw float64) float64 {
	alpha := f.adaptiveAlpha(math.Abs(raw))
	f.state = alpha*raw + (1-alpha)*f.state
	f.alpha = alpha

	if !f.primed {
		// Seed the moving average from the first sample so start-up does
		// not drag the conditioned error toward zero.
		f.smooth = f.state
		f.primed = true
		return f.smooth
	}
	f.smooth = f.emaAlpha*f.state + (1-f.emaAlpha)*f.smooth
	return f.smooth
}

// Alpha returns the adaptive coefficient applied on the last update.
func (f *ErrorFilter) Alpha() float64 {
	return f.alpha
}

// SecondaryB returns the slope-matched scale of the secondary curve.
func (f *ErrorFilter) SecondaryB() float64 {
	return f.b2
}

func (f *ErrorFilter) adaptiveAlpha(magnitude float64) float64 {
	if magnitude < denomEpsilon {
		// Error that should be zero is passed through unsmoothed.
		return 1.0
	}
	val := f.secondaryA + (f.secondaryK-f.secondaryA)*math.Exp(-1.0/(f.b2*magnitude))
	return clamp(val, 0, 1)
}

// Slope-matching bisection bounds and termination.
const (
	slopeMatchLow        = 1e-3
	slopeMatchHigh       = 100.0
	slopeMatchIterations = 60
	slopeMatchEpsilon    = 1e-6
)

// SolveSecondaryB finds B2 such that the derivative of the secondary curve
// f2(t) = A2 + (K2-A2)*exp(-1/(B2*t)) matches the primary curve's derivative
// at the reference time. It bisects over [1e-3, 100] for 60 iterations or
// until the bracket narrows below 1e-6.
//
// The search assumes the secondary derivative at fixed t decreases as B2
// grows. Parameter sets violating that assumption converge to an incorrect
// root; the assumption has not been verified for every region.
func SolveSecondaryB(primary Curve, secondaryA, secondaryK, refTime float64) float64 {
	slopePrimary := primary.Derivative(refTime)

	low := slopeMatchLow
	high := slopeMatchHigh
	b2 := 0.5 * (low + high)
	for i := 0; i < slopeMatchIterations; i++ {
		mid := 0.5 * (low + high)
		slope := Curve{A: secondaryA, K: secondaryK, B: mid}.Derivative(refTime)
		if slope > slopePrimary {
			low = mid
		} else {
			high = mid
		}
		if high-low < slopeMatchEpsilon {
			b2 = mid
			break
		}
		b2 = mid
	}
	return b2
}
