package control

import (
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Settings carries the static tuning of a coordinator instance.
type Settings struct {
	// Gain schedules, one curve per PID gain.
	Kp Curve
	Ki Curve
	Kd Curve

	// Error conditioner parameters. The adaptive pole is slope-matched
	// against the Ki curve at ReferenceTime; SmoothingAlpha is the fixed
	// coefficient of the second pole.
	SecondaryA     float64
	SecondaryK     float64
	ReferenceTime  float64
	SmoothingAlpha float64

	// Derivative filter coefficient of the PID engine.
	DerivativeAlpha float64

	// Voltage envelope of the pump command.
	MinVoltage float64
	MaxVoltage float64

	// Output of the open-loop constant-voltage mode.
	ConstantVoltage float64
}

func (s Settings) validate() error {
	if s.MaxVoltage <= 0 {
		return errors.New("max voltage must be positive")
	}
	if s.MinVoltage < 0 || s.MinVoltage > s.MaxVoltage {
		return errors.New("min voltage must lie within [0, max voltage]")
	}
	if s.SmoothingAlpha < 0 || s.SmoothingAlpha > 1 {
		return errors.New("smoothing alpha must lie within [0, 1]")
	}
	if s.DerivativeAlpha < 0 || s.DerivativeAlpha > 1 {
		return errors.New("derivative alpha must lie within [0, 1]")
	}
	if s.ReferenceTime <= 0 {
		return errors.New("reference time must be positive")
	}
	return nil
}

// Command is the pump instruction produced by one coordinator tick.
type Command struct {
	Voltage float64
	Stop    bool
}

// Coordinator owns the controller state machine: OFF, on in exp mode, or on
// in constant-voltage mode. It runs the per-tick pipeline of error
// conditioning, gain scheduling, integrator rescaling, PID update,
// anti-windup and voltage mapping.
type Coordinator struct {
	settings Settings
	logger   zerolog.Logger

	pid    *PID
	filter *ErrorFilter

	on     bool
	mode   Mode
	lastKi float64
	state  State
}

// NewCoordinator validates the settings and builds a coordinator starting in
// the OFF state with the given mode.
func NewCoordinator(settings Settings, mode Mode, now time.Time, logger zerolog.Logger) (*Coordinator, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeExp
	}
	c := &Coordinator{
		settings: settings,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		pid:      NewPID(settings.DerivativeAlpha, now),
		filter:   NewErrorFilter(settings.Ki, settings.SecondaryA, settings.SecondaryK, settings.ReferenceTime, settings.SmoothingAlpha),
		mode:     mode,
	}
	c.logger.Debug().Float64("secondary_b", c.filter.SecondaryB()).Msg("slope matching complete")
	return c, nil
}

// SystemOn reports whether the coordinator is in an ON state.
func (c *Coordinator) SystemOn() bool { return c.on }

// Mode returns the currently selected control mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// State returns a copy of the per-tick observables.
func (c *Coordinator) State() State { return c.state }

// SetSystemOn applies a power transition. Both edges force a full reset of
// the active controller: resuming with a stale integrator after any off
// period is treated as unsafe and is not optimised away.
func (c *Coordinator) SetSystemOn(on bool, now time.Time) {
	if on == c.on {
		return
	}
	c.on = on
	c.reset(now)
	c.logger.Info().Bool("system_on", on).Msg("power transition, controller reset")
}

// ToggleMode flips between exp and constant-voltage control. Entering exp
// mode resets the closed-loop state so the PID never resumes from values
// accumulated before the open-loop excursion.
func (c *Coordinator) ToggleMode(now time.Time) {
	if c.mode == ModeExp {
		c.mode = ModeConstantVoltage
	} else {
		c.mode = ModeExp
		c.reset(now)
	}
	c.logger.Info().Str("mode", string(c.mode)).Msg("control mode toggled")
}

func (c *Coordinator) reset(now time.Time) {
	c.pid.Reset(now)
	c.filter.Reset()
	c.lastKi = 0
	c.state = State{}
}

// Tick runs one control iteration and returns the pump command. The caller
// guarantees ticks are serialised; nothing here is safe for concurrent use.
func (c *Coordinator) Tick(now time.Time, flow, setpoint float64) Command {
	if !c.on {
		c.state = State{}
		return Command{Stop: true}
	}
	if c.mode == ModeConstantVoltage {
		voltage := math.Min(c.settings.ConstantVoltage, c.settings.MaxVoltage)
		c.state = State{Voltage: voltage}
		return Command{Voltage: voltage}
	}
	return c.tickExp(now, flow, setpoint)
}

func (c *Coordinator) tickExp(now time.Time, flow, setpoint float64) Command {
	rawError := setpoint - flow

	smoothed := c.filter.Update(rawError)
	c.state.FilteredError = smoothed
	c.state.CurrentAlpha = c.filter.Alpha()

	magnitude := math.Abs(smoothed)
	kp := c.settings.Kp.Value(magnitude)
	ki := c.settings.Ki.Value(magnitude)
	kd := c.settings.Kd.Value(magnitude)

	// A gain-schedule jump in Ki would snap the integral term Ki*sum
	// discontinuously; rescaling the accumulator by the gain ratio keeps
	// the term value continuous. Skipped when either gain is ~0 because
	// the ratio is undefined there.
	if math.Abs(ki-c.lastKi) > denomEpsilon {
		if math.Abs(c.lastKi) > denomEpsilon && math.Abs(ki) > denomEpsilon {
			ratio := c.lastKi / ki
			c.pid.ScaleIntegrator(ratio)
			c.logger.Debug().
				Float64("old_ki", c.lastKi).
				Float64("new_ki", ki).
				Float64("ratio", ratio).
				Float64("integrator", c.pid.Integrator()).
				Msg("integrator rescaled")
		}
	}
	c.lastKi = ki

	c.pid.SetGains(kp, ki, kd)
	c.state.Kp = kp
	c.state.Ki = ki
	c.state.Kd = kd

	res := c.pid.Update(now, smoothed)
	fraction := res.Fraction
	if res.Raw > 1.0 {
		// Undo this tick's integration so the accumulator does not wind
		// up while the output is pinned. The low side is deliberately
		// left uncorrected, matching the device's observed behaviour.
		c.pid.Unwind(res.Increment)
		fraction = 1.0
	} else if res.Raw < 0 {
		fraction = 0
	}
	c.state.PTerm = res.P
	c.state.ITerm = res.I
	c.state.DTerm = res.D
	c.state.Fraction = fraction

	voltage := fraction * c.settings.MaxVoltage
	if voltage > 0 && voltage < c.settings.MinVoltage {
		voltage = c.settings.MinVoltage
	}
	if voltage > c.settings.MaxVoltage {
		voltage = c.settings.MaxVoltage
	}
	c.state.Voltage = voltage

	return Command{Voltage: voltage}
}
