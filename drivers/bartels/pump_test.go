package bartels

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/microflow/config"
)

type fakeBus struct {
	writes [][]byte
}

func (f *fakeBus) Tx(_ uint8, w, _ []byte) error {
	f.writes = append(f.writes, append([]byte(nil), w...))
	return nil
}

func pumpConfig() config.PumpConfig {
	return config.PumpConfig{
		Address:     0x59,
		MinVoltage:  0,
		MaxVoltage:  150,
		AbsoluteMax: 150,
		Frequency:   300,
	}
}

func TestPumpRegisterConversions(t *testing.T) {
	p := New(&fakeBus{}, pumpConfig())
	require.Equal(t, uint8(38), p.freqByte())
	require.Equal(t, uint8(127), p.amplitudeByte(75))
	require.Equal(t, uint8(255), p.amplitudeByte(150))
	require.Equal(t, uint8(0), p.amplitudeByte(-10))
	require.Equal(t, uint8(255), p.amplitudeByte(500))
}

func TestPumpFrequencyByteNeverZero(t *testing.T) {
	cfg := pumpConfig()
	cfg.Frequency = 1
	p := New(&fakeBus{}, cfg)
	require.Equal(t, uint8(1), p.freqByte())
}

func TestPumpFirstDriveConfiguresWaveform(t *testing.T) {
	bus := &fakeBus{}
	p := New(bus, pumpConfig())
	require.NoError(t, p.Drive(75, zerolog.Nop()))

	// Two waveform passes (page select + 10 registers each) followed by
	// the control data block (page select + 4 registers).
	require.Len(t, bus.writes, 2*(1+10)+(1+4))

	require.Equal(t, []byte{0xFF, 1}, bus.writes[0])
	require.Equal(t, []byte{6, 127}, bus.writes[7], "amplitude register")
	require.Equal(t, []byte{7, 38}, bus.writes[8], "frequency register")
	require.Equal(t, []byte{8, 0x64}, bus.writes[9], "cycle count register")

	require.Equal(t, []byte{0xFF, 0}, bus.writes[22])
	require.Equal(t, []byte{0, 0x00}, bus.writes[23])
	require.Equal(t, []byte{1, 0x3B}, bus.writes[24])
	require.Equal(t, []byte{2, 0x01}, bus.writes[25])
	require.Equal(t, []byte{3, 0x01}, bus.writes[26])
}

func TestPumpSubsequentDriveOnlyUpdatesAmplitude(t *testing.T) {
	bus := &fakeBus{}
	p := New(bus, pumpConfig())
	require.NoError(t, p.Drive(75, zerolog.Nop()))

	bus.writes = nil
	require.NoError(t, p.Drive(150, zerolog.Nop()))
	require.Equal(t, [][]byte{{0xFF, 1}, {6, 255}}, bus.writes)
}

func TestPumpDriveClampsToEnvelope(t *testing.T) {
	bus := &fakeBus{}
	cfg := pumpConfig()
	cfg.MinVoltage = 30
	p := New(bus, cfg)
	require.NoError(t, p.Drive(75, zerolog.Nop()))

	bus.writes = nil
	require.NoError(t, p.Drive(500, zerolog.Nop()))
	require.Equal(t, []byte{6, p.amplitudeByte(150)}, bus.writes[1])

	bus.writes = nil
	require.NoError(t, p.Drive(5, zerolog.Nop()))
	require.Equal(t, []byte{6, p.amplitudeByte(30)}, bus.writes[1])
}

func TestPumpStopWritesZeroAmplitude(t *testing.T) {
	bus := &fakeBus{}
	p := New(bus, pumpConfig())
	require.NoError(t, p.Drive(75, zerolog.Nop()))

	bus.writes = nil
	require.NoError(t, p.Stop(zerolog.Nop()))
	require.Len(t, bus.writes, 2*(1+10)+(1+4))
	require.Equal(t, []byte{6, 0}, bus.writes[7], "amplitude register zeroed")
}
