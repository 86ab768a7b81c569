// Package bartels drives a Bartels mp6-style piezo micropump through its
// amplitude/frequency register map and exposes it as a serviceio.PumpSink.
package bartels

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/microflow/config"
	"github.com/timzifer/microflow/drivers/bus"
)

const (
	pageRegister = 0xFF

	amplitudeRegister = 6

	// freqDivisor converts a frequency in Hz into the driver's register
	// byte, per the OEM conversion table.
	freqDivisor = 7.8125
)

// controlData is written to page 0 once during the first drive sequence.
var controlData = [4]byte{0x00, 0x3B, 0x01, 0x01}

// Pump writes amplitude and frequency registers over the bus. The first
// drive performs a full two-pass waveform setup; subsequent drives only
// touch the amplitude register.
type Pump struct {
	bus  bus.Bus
	addr uint8

	minVoltage  float64
	maxVoltage  float64
	absoluteMax float64
	frequency   float64
	writeDelay  time.Duration

	firstRun bool
}

// New builds a pump driver from configuration.
func New(b bus.Bus, cfg config.PumpConfig) *Pump {
	return &Pump{
		bus:         b,
		addr:        cfg.Address,
		minVoltage:  cfg.MinVoltage,
		maxVoltage:  cfg.MaxVoltage,
		absoluteMax: cfg.AbsoluteMax,
		frequency:   cfg.Frequency,
		writeDelay:  cfg.WriteDelay.Duration,
		firstRun:    true,
	}
}

// Drive updates the pump to the requested voltage, clamped to the
// configured envelope.
func (p *Pump) Drive(voltage float64, logger zerolog.Logger) error {
	if voltage > p.maxVoltage {
		voltage = p.maxVoltage
	}
	if voltage < p.minVoltage {
		voltage = p.minVoltage
	}
	freqByte := p.freqByte()

	if p.firstRun {
		for i := 0; i < 2; i++ {
			if err := p.writeWaveform(voltage, freqByte); err != nil {
				return err
			}
		}
		if err := p.writeControlData(); err != nil {
			return err
		}
		p.firstRun = false
		logger.Debug().Float64("voltage", voltage).Uint8("freq_byte", freqByte).Msg("pump waveform configured")
		return nil
	}
	return p.writeAmplitude(voltage)
}

// Stop halts the pump by driving the amplitude to zero with a two-pass
// waveform write, then repeats the control data so a later Drive starts
// from a known register state.
func (p *Pump) Stop(logger zerolog.Logger) error {
	freqByte := p.freqByte()
	for i := 0; i < 2; i++ {
		if err := p.writeWaveform(0, freqByte); err != nil {
			return err
		}
	}
	if err := p.writeControlData(); err != nil {
		return err
	}
	logger.Debug().Msg("pump stopped")
	return nil
}

// Close stops the pump without logging.
func (p *Pump) Close() error {
	return p.Stop(zerolog.Nop())
}

func (p *Pump) freqByte() uint8 {
	b := uint8(p.frequency / freqDivisor)
	if b == 0 {
		b = 1
	}
	return b
}

func (p *Pump) amplitudeByte(voltage float64) uint8 {
	ratio := voltage / p.absoluteMax
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return uint8(ratio * 255.0)
}

func (p *Pump) selectPage(page byte) error {
	if err := p.bus.Tx(p.addr, []byte{pageRegister, page}, nil); err != nil {
		return fmt.Errorf("select page %d: %w", page, err)
	}
	return nil
}

func (p *Pump) writeWaveform(voltage float64, freqByte uint8) error {
	waveform := [10]byte{
		0x05, 0x80, 0x06, 0x00, 0x09, 0x00,
		p.amplitudeByte(voltage),
		freqByte,
		0x64, // cycle count
		0x00,
	}
	if err := p.selectPage(1); err != nil {
		return err
	}
	for i, value := range waveform {
		if err := p.bus.Tx(p.addr, []byte{byte(i), value}, nil); err != nil {
			return fmt.Errorf("write waveform register %d: %w", i, err)
		}
	}
	p.settle()
	return nil
}

func (p *Pump) writeAmplitude(voltage float64) error {
	if err := p.selectPage(1); err != nil {
		return err
	}
	if err := p.bus.Tx(p.addr, []byte{amplitudeRegister, p.amplitudeByte(voltage)}, nil); err != nil {
		return fmt.Errorf("write amplitude register: %w", err)
	}
	p.settle()
	return nil
}

func (p *Pump) writeControlData() error {
	if err := p.selectPage(0); err != nil {
		return err
	}
	for i, value := range controlData {
		if err := p.bus.Tx(p.addr, []byte{byte(i), value}, nil); err != nil {
			return fmt.Errorf("write control register %d: %w", i, err)
		}
	}
	p.settle()
	return nil
}

func (p *Pump) settle() {
	if p.writeDelay > 0 {
		time.Sleep(p.writeDelay)
	}
}
