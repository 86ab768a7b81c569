// Package sim provides a deterministic simulated pump-and-sensor rig. It
// implements both serviceio.FlowSource and serviceio.PumpSink so the service
// can run closed-loop without hardware, for tests and demo configurations.
package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/microflow/serviceio"
)

// Settings parameterise the simulated plant.
type Settings struct {
	// FlowPerVolt is the steady-state flow reached per volt of drive.
	FlowPerVolt float64
	// TimeConstant of the first-order response.
	TimeConstant time.Duration
	// NoiseAmplitude of the uniform measurement noise.
	NoiseAmplitude float64
	// Temperature reported with every sample.
	Temperature float64
	// Seed of the noise source; rigs with equal seeds replay identically.
	Seed int64
}

// DefaultSettings returns a plant loosely matched to the real rig: 150 V
// drive the flow to about 1.5 mL/min with a 2 s response.
func DefaultSettings() Settings {
	return Settings{
		FlowPerVolt:  0.01,
		TimeConstant: 2 * time.Second,
		Temperature:  23.0,
	}
}

// Rig is a first-order plant with optional measurement noise.
type Rig struct {
	mu sync.Mutex

	settings Settings
	rng      *rand.Rand
	trim     func() float64

	voltage  float64
	flow     float64
	lastRead time.Time
}

// New builds a rig. The trim provider may be nil.
func New(settings Settings, trim func() float64) *Rig {
	if settings.TimeConstant <= 0 {
		settings.TimeConstant = 2 * time.Second
	}
	if trim == nil {
		trim = func() float64 { return 0 }
	}
	return &Rig{
		settings: settings,
		rng:      rand.New(rand.NewSource(settings.Seed)),
		trim:     trim,
	}
}

// Drive implements serviceio.PumpSink.
func (r *Rig) Drive(voltage float64, _ zerolog.Logger) error {
	r.mu.Lock()
	r.voltage = voltage
	r.mu.Unlock()
	return nil
}

// Stop implements serviceio.PumpSink.
func (r *Rig) Stop(_ zerolog.Logger) error {
	r.mu.Lock()
	r.voltage = 0
	r.mu.Unlock()
	return nil
}

// Read advances the plant to now and returns the simulated sample.
func (r *Rig) Read(now time.Time, _ zerolog.Logger) (serviceio.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastRead.IsZero() {
		dt := now.Sub(r.lastRead).Seconds()
		if dt > 0 {
			steady := r.voltage * r.settings.FlowPerVolt
			tau := r.settings.TimeConstant.Seconds()
			step := dt / tau
			if step > 1 {
				step = 1
			}
			r.flow += (steady - r.flow) * step
		}
	}
	r.lastRead = now

	measured := r.flow
	if r.settings.NoiseAmplitude > 0 {
		measured += (r.rng.Float64()*2 - 1) * r.settings.NoiseAmplitude
	}
	compensation := 1.0 / (1.0 + r.trim()/100.0)
	return serviceio.Sample{
		Flow:        measured * compensation,
		Temperature: r.settings.Temperature,
	}, nil
}

// ErrorTrimPercent implements serviceio.FlowSource.
func (r *Rig) ErrorTrimPercent() float64 {
	return r.trim()
}

// Voltage returns the drive voltage currently applied to the plant.
func (r *Rig) Voltage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.voltage
}

// Close implements serviceio.FlowSource.
func (r *Rig) Close() error { return nil }
