package control

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// passthroughSettings disable both filter stages (adaptive coefficient and
// moving average pinned at 1) and the derivative filter, so the conditioned
// error equals the raw error and ticks are exactly predictable.
func passthroughSettings() Settings {
	return Settings{
		SecondaryA:      1,
		SecondaryK:      1,
		ReferenceTime:   0.005,
		SmoothingAlpha:  1,
		DerivativeAlpha: 0,
		MinVoltage:      0,
		MaxVoltage:      150,
		ConstantVoltage: 80,
	}
}

// flat returns a schedule that evaluates to g for every magnitude.
func flat(g float64) Curve {
	return Curve{A: g, K: g, B: 1}
}

func newTestCoordinator(t *testing.T, settings Settings, mode Mode, now time.Time) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(settings, mode, now, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestCoordinatorRejectsInvalidSettings(t *testing.T) {
	bad := passthroughSettings()
	bad.MaxVoltage = 0
	_, err := NewCoordinator(bad, ModeExp, time.Unix(0, 0), zerolog.Nop())
	require.Error(t, err)

	bad = passthroughSettings()
	bad.SmoothingAlpha = 1.5
	_, err = NewCoordinator(bad, ModeExp, time.Unix(0, 0), zerolog.Nop())
	require.Error(t, err)
}

func TestCoordinatorOffTickZerosStateAndStops(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestCoordinator(t, passthroughSettings(), ModeExp, now)

	cmd := c.Tick(now.Add(time.Second), 0.5, 1.0)
	require.True(t, cmd.Stop)
	require.Equal(t, State{}, c.State())
}

func TestCoordinatorFirstTickEndToEnd(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	settings.Kp = flat(0.2)
	settings.Ki = flat(0.1)
	c := newTestCoordinator(t, settings, ModeExp, now)
	c.SetSystemOn(true, now)

	cmd := c.Tick(now.Add(time.Second), 0.5, 1.0)
	state := c.State()
	require.InDelta(t, 0.5, state.FilteredError, 1e-12)
	require.InDelta(t, 0.2*0.5, state.PTerm, 1e-12)
	require.InDelta(t, 0.1*0.5*1.0, state.ITerm, 1e-12)
	require.Zero(t, state.DTerm)
	require.InDelta(t, 0.15, state.Fraction, 1e-12)
	require.InDelta(t, 0.15*150, cmd.Voltage, 1e-9)
	require.False(t, cmd.Stop)
}

func TestCoordinatorRescalesIntegratorAcrossGainJump(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	// Ki ramps from 2 down to 1 with growing error magnitude, forcing a
	// schedule jump between the two ticks.
	settings.Ki = Curve{A: 2, K: 1, B: 300}
	c := newTestCoordinator(t, settings, ModeExp, now)
	c.SetSystemOn(true, now)

	c.Tick(now.Add(time.Second), 0, 0.001)
	first := c.State()

	c.Tick(now.Add(2*time.Second), 0, 1.0)
	second := c.State()

	require.Greater(t, first.Ki-second.Ki, 0.5, "gain jump expected")
	// With the accumulator rescaled by the gain ratio, the integral term
	// carries over continuously and only grows by the new increment.
	require.InDelta(t, first.ITerm+second.Ki*1.0*1.0, second.ITerm, 1e-9)
}

func TestCoordinatorAntiWindupOnHighSaturation(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	settings.Kp = flat(5)
	settings.Ki = flat(0.1)
	c := newTestCoordinator(t, settings, ModeExp, now)
	c.SetSystemOn(true, now)

	cmd := c.Tick(now.Add(time.Second), 0, 1.0)
	state := c.State()
	require.Equal(t, 1.0, state.Fraction)
	require.InDelta(t, 150.0, cmd.Voltage, 1e-9)
	// The reported integral term still shows this tick's wound-up value.
	require.InDelta(t, 0.1, state.ITerm, 1e-12)

	// The increment was undone, so a zero-error tick exposes an empty
	// accumulator.
	c.Tick(now.Add(2*time.Second), 0, 0)
	require.Zero(t, c.State().ITerm)
}

func TestCoordinatorLowSaturationDoesNotUnwind(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	settings.Kp = flat(5)
	settings.Ki = flat(0.1)
	c := newTestCoordinator(t, settings, ModeExp, now)
	c.SetSystemOn(true, now)

	cmd := c.Tick(now.Add(time.Second), 1.0, 0)
	require.Equal(t, 0.0, c.State().Fraction)
	require.Equal(t, 0.0, cmd.Voltage)
	first := c.State().ITerm

	c.Tick(now.Add(2*time.Second), 1.0, 0)
	second := c.State().ITerm
	require.Less(t, second, first, "negative increments keep accumulating")
}

func TestCoordinatorPowerEdgesResetEverything(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	settings.Kp = flat(0.2)
	settings.Ki = flat(0.1)
	c := newTestCoordinator(t, settings, ModeExp, now)
	c.SetSystemOn(true, now)

	c.Tick(now.Add(time.Second), 0, 1.0)
	c.Tick(now.Add(2*time.Second), 0, 1.0)
	require.NotZero(t, c.State().ITerm)

	c.SetSystemOn(false, now.Add(3*time.Second))
	require.Equal(t, State{}, c.State())
	cmd := c.Tick(now.Add(4*time.Second), 0, 1.0)
	require.True(t, cmd.Stop)

	// Turning back on behaves like a cold start.
	c.SetSystemOn(true, now.Add(5*time.Second))
	c.Tick(now.Add(6*time.Second), 0, 1.0)
	require.InDelta(t, 0.1*1.0*1.0, c.State().ITerm, 1e-12)
}

func TestCoordinatorConstantVoltageMode(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestCoordinator(t, passthroughSettings(), ModeConstantVoltage, now)
	c.SetSystemOn(true, now)

	cmd := c.Tick(now.Add(time.Second), 0.5, 1.0)
	require.Equal(t, 80.0, cmd.Voltage)
	require.Equal(t, State{Voltage: 80}, c.State())
}

func TestCoordinatorConstantVoltageClampsMaxOnly(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	settings.ConstantVoltage = 200
	c := newTestCoordinator(t, settings, ModeConstantVoltage, now)
	c.SetSystemOn(true, now)
	require.Equal(t, 150.0, c.Tick(now.Add(time.Second), 0, 0).Voltage)

	settings = passthroughSettings()
	settings.MinVoltage = 30
	settings.ConstantVoltage = 10
	c = newTestCoordinator(t, settings, ModeConstantVoltage, now)
	c.SetSystemOn(true, now)
	// The dead band applies to the closed-loop path only.
	require.Equal(t, 10.0, c.Tick(now.Add(time.Second), 0, 0).Voltage)
}

func TestCoordinatorDeadBandRaisesSmallOutputs(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	settings.MinVoltage = 30
	settings.Kp = flat(0.1)
	c := newTestCoordinator(t, settings, ModeExp, now)
	c.SetSystemOn(true, now)

	// Fraction 0.1 maps to 15 V, inside the dead band.
	cmd := c.Tick(now.Add(time.Second), 0, 1.0)
	require.Equal(t, 30.0, cmd.Voltage)
}

func TestCoordinatorToggleModeResetsOnExpEntry(t *testing.T) {
	now := time.Unix(0, 0)
	settings := passthroughSettings()
	settings.Kp = flat(0.2)
	settings.Ki = flat(0.1)
	c := newTestCoordinator(t, settings, ModeExp, now)
	c.SetSystemOn(true, now)

	c.Tick(now.Add(time.Second), 0, 1.0)
	require.NotZero(t, c.State().ITerm)

	c.ToggleMode(now.Add(2 * time.Second))
	require.Equal(t, ModeConstantVoltage, c.Mode())

	c.ToggleMode(now.Add(3 * time.Second))
	require.Equal(t, ModeExp, c.Mode())
	c.Tick(now.Add(4*time.Second), 0, 1.0)
	require.InDelta(t, 0.1*1.0*1.0, c.State().ITerm, 1e-12)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeExp, mode)

	mode, err = ParseMode("constant_voltage")
	require.NoError(t, err)
	require.Equal(t, ModeConstantVoltage, mode)

	_, err = ParseMode("bang_bang")
	require.Error(t, err)
}
