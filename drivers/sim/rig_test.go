package sim

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRigApproachesSteadyStateFlow(t *testing.T) {
	settings := DefaultSettings()
	rig := New(settings, nil)
	require.NoError(t, rig.Drive(100, zerolog.Nop()))

	now := time.Unix(0, 0)
	rig.Read(now, zerolog.Nop())

	var flow float64
	for i := 1; i <= 200; i++ {
		sample, err := rig.Read(now.Add(time.Duration(i)*100*time.Millisecond), zerolog.Nop())
		require.NoError(t, err)
		flow = sample.Flow
	}
	// 20 seconds at tau = 2 s: effectively settled at 100 V * 0.01.
	require.InDelta(t, 1.0, flow, 1e-3)
}

func TestRigStopsToZeroFlow(t *testing.T) {
	rig := New(DefaultSettings(), nil)
	require.NoError(t, rig.Drive(100, zerolog.Nop()))
	now := time.Unix(0, 0)
	rig.Read(now, zerolog.Nop())
	rig.Read(now.Add(10*time.Second), zerolog.Nop())

	require.NoError(t, rig.Stop(zerolog.Nop()))
	require.Zero(t, rig.Voltage())
	sample, err := rig.Read(now.Add(60*time.Second), zerolog.Nop())
	require.NoError(t, err)
	require.InDelta(t, 0.0, sample.Flow, 1e-3)
}

func TestRigReplaysDeterministically(t *testing.T) {
	settings := DefaultSettings()
	settings.NoiseAmplitude = 0.01
	settings.Seed = 42

	run := func() []float64 {
		rig := New(settings, nil)
		require.NoError(t, rig.Drive(50, zerolog.Nop()))
		now := time.Unix(0, 0)
		out := make([]float64, 0, 20)
		for i := 0; i < 20; i++ {
			sample, err := rig.Read(now.Add(time.Duration(i)*50*time.Millisecond), zerolog.Nop())
			require.NoError(t, err)
			out = append(out, sample.Flow)
		}
		return out
	}
	require.Equal(t, run(), run())
}

func TestRigAppliesTrim(t *testing.T) {
	rig := New(DefaultSettings(), func() float64 { return -50 })
	require.NoError(t, rig.Drive(100, zerolog.Nop()))
	now := time.Unix(0, 0)
	rig.Read(now, zerolog.Nop())
	sample, err := rig.Read(now.Add(30*time.Second), zerolog.Nop())
	require.NoError(t, err)
	// Settled flow 1.0 doubled by the -50% trim compensation.
	require.InDelta(t, 2.0, sample.Flow, 1e-2)
	require.Equal(t, -50.0, rig.ErrorTrimPercent())
}
