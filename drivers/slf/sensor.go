// Package slf drives a Sensirion SLF-style liquid flow sensor over a
// register bus and exposes it as a serviceio.FlowSource.
package slf

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/microflow/config"
	"github.com/timzifer/microflow/drivers/bus"
	"github.com/timzifer/microflow/serviceio"
)

// Sensor command bytes.
const (
	cmdStartMeasurement = 0x36
	cmdCalibrationField = 0x08
	cmdStopMeasurement  = 0x3F
	cmdStopField        = 0xF9
)

// Air-in-line bit of the sensor's flag word.
const flagAirInLine = 0x0001

// frameLen is flow, temperature and flags, each an int16 followed by a CRC
// byte the driver skips.
const frameLen = 9

// TrimProvider supplies the calibration trim in the firmware sign
// convention (negated operator value).
type TrimProvider func() float64

// Sensor reads compensated flow samples from the bus. It keeps the last
// good sample so a failing transaction degrades to stale data instead of an
// outage, which is what the control loop expects.
type Sensor struct {
	bus  bus.Bus
	addr uint8

	flowScale float64
	tempScale float64
	trim      TrimProvider

	measuring bool
	last      serviceio.Sample
}

// New builds a sensor from configuration. The trim provider may be nil, in
// which case no compensation is applied.
func New(b bus.Bus, cfg config.SensorConfig, trim TrimProvider) *Sensor {
	if trim == nil {
		trim = func() float64 { return 0 }
	}
	return &Sensor{
		bus:       b,
		addr:      cfg.Address,
		flowScale: cfg.FlowScale,
		tempScale: cfg.TempScale,
		trim:      trim,
	}
}

// Start switches the sensor into continuous measurement mode.
func (s *Sensor) Start() error {
	if err := s.bus.Tx(s.addr, []byte{cmdStartMeasurement, cmdCalibrationField}, nil); err != nil {
		return fmt.Errorf("start flow measurement: %w", err)
	}
	s.measuring = true
	return nil
}

// Stop leaves continuous measurement mode.
func (s *Sensor) Stop() error {
	s.measuring = false
	if err := s.bus.Tx(s.addr, []byte{cmdStopMeasurement, cmdStopField}, nil); err != nil {
		return fmt.Errorf("stop flow measurement: %w", err)
	}
	return nil
}

// Read fetches one measurement frame and returns the compensated sample.
// While not measuring, or when the bus fails, the previous sample is
// returned alongside the error.
func (s *Sensor) Read(_ time.Time, logger zerolog.Logger) (serviceio.Sample, error) {
	if !s.measuring {
		return s.last, nil
	}
	var frame [frameLen]byte
	if err := s.bus.Tx(s.addr, nil, frame[:]); err != nil {
		logger.Warn().Err(err).Msg("flow sensor read failed, reusing last sample")
		return s.last, fmt.Errorf("read flow frame: %w", err)
	}

	rawFlow := int16(binary.BigEndian.Uint16(frame[0:2]))
	rawTemp := int16(binary.BigEndian.Uint16(frame[3:5]))
	flags := binary.BigEndian.Uint16(frame[6:8])

	flow := float64(rawFlow) / s.flowScale
	compensation := 1.0 / (1.0 + s.trim()/100.0)

	s.last = serviceio.Sample{
		Flow:        flow * compensation,
		Temperature: float64(rawTemp) / s.tempScale,
		Bubble:      flags&flagAirInLine != 0,
	}
	return s.last, nil
}

// ErrorTrimPercent returns the trim applied to raw counts, firmware sign
// convention.
func (s *Sensor) ErrorTrimPercent() float64 {
	return s.trim()
}

// Close stops the measurement mode.
func (s *Sensor) Close() error {
	if !s.measuring {
		return nil
	}
	return s.Stop()
}
