package control

import "time"

// minStep floors the measured time delta so back-to-back updates cannot
// produce an unbounded derivative or a zero-length integration step.
const minStep = time.Millisecond

// PIDResult carries the outcome of one PID iteration. Fraction is the
// clamped output; Raw is the unclamped term sum the coordinator inspects for
// anti-windup. Increment is the raw integrator increment of this iteration
// so saturation handling can undo exactly one step.
type PIDResult struct {
	Fraction  float64
	Raw       float64
	P         float64
	I         float64
	D         float64
	Increment float64
}

// PID integrates the conditioned error over measured time deltas and
// produces an output fraction in [0,1]. Gains are set externally per tick by
// the coordinator; the engine itself knows nothing about gain scheduling or
// whether its output was actually applied.
type PID struct {
	kp float64
	ki float64
	kd float64

	derivAlpha    float64
	derivFiltered float64

	integrator float64
	lastError  float64
	lastTime   time.Time
}

// NewPID returns an engine with the given derivative filter coefficient.
func NewPID(derivAlpha float64, now time.Time) *PID {
	p := &PID{derivAlpha: derivAlpha}
	p.Reset(now)
	return p
}

// Reset zeroes the integrator, derivative filter and last-error memory and
// stamps the current time.
func (p *PID) Reset(now time.Time) {
	p.integrator = 0
	p.lastError = 0
	p.derivFiltered = 0
	p.lastTime = now
}

// SetGains applies new proportional, integral and derivative gains.
func (p *PID) SetGains(kp, ki, kd float64) {
	p.kp = kp
	p.ki = ki
	p.kd = kd
}

// Integrator returns the raw integrator accumulator (without the Ki factor).
func (p *PID) Integrator() float64 {
	return p.integrator
}

// ScaleIntegrator multiplies the accumulator by ratio. The coordinator uses
// it to keep the integral term continuous across a gain-schedule jump.
func (p *PID) ScaleIntegrator(ratio float64) {
	p.integrator *= ratio
}

// Unwind subtracts a previously recorded integrator increment, undoing one
// integration step after the coordinator detects output saturation.
func (p *PID) Unwind(increment float64) {
	p.integrator -= increment
}

// Update runs one PID iteration against the supplied error. The time step is
// the wall-clock delta since the previous update, floored at one
// millisecond.
func (p *PID) Update(now time.Time, err float64) PIDResult {
	dt := now.Sub(p.lastTime)
	if dt < minStep {
		dt = minStep
	}
	p.lastTime = now
	seconds := dt.Seconds()

	pTerm := p.kp * err

	increment := err * seconds
	p.integrator += increment
	iTerm := p.ki * p.integrator

	rawDeriv := (err - p.lastError) / seconds
	p.derivFiltered = p.derivAlpha*rawDeriv + (1-p.derivAlpha)*p.derivFiltered
	dTerm := p.kd * p.derivFiltered

	p.lastError = err

	raw := pTerm + iTerm + dTerm
	return PIDResult{
		Fraction:  clamp(raw, 0, 1),
		Raw:       raw,
		P:         pTerm,
		I:         iTerm,
		D:         dTerm,
		Increment: increment,
	}
}
