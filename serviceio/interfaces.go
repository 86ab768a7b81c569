package serviceio

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/microflow/control"
)

// Sample is one instantaneous, already-compensated flow sensor reading.
type Sample struct {
	// Flow in engineering units (mL/min).
	Flow float64
	// Temperature of the medium in °C.
	Temperature float64
	// Bubble is true when the sensor flags air in the line.
	Bubble bool
}

// FlowSource models the flow sensor collaborator.
//
// Implementations return whatever the hardware last reported; the control
// core does not detect or special-case sensor silence, so a failing bus
// should surface as a stale or zero sample rather than a hard stop.
type FlowSource interface {
	Read(now time.Time, logger zerolog.Logger) (Sample, error)
	// ErrorTrimPercent returns the calibration trim in the firmware sign
	// convention, i.e. the negated operator-entered value.
	ErrorTrimPercent() float64
	Close() error
}

// ControlPanel models the operator-input collaborator: setpoint, trim,
// power level and the mode toggle edge.
//
// Poll is invoked once at the start of every tick; ModeTogglePressed must
// report true for exactly one tick per physical press.
type ControlPanel interface {
	Poll(now time.Time)
	Setpoint() float64
	TrimPercent() float64
	SystemOn() bool
	ModeTogglePressed() bool
}

// PumpSink models the piezo pump driver. Drive is only ever called with a
// voltage inside the configured envelope; Stop is issued on every OFF tick
// and must be safe to repeat.
type PumpSink interface {
	Drive(voltage float64, logger zerolog.Logger) error
	Stop(logger zerolog.Logger) error
	Close() error
}

// TelemetrySink consumes the per-tick snapshot. Sinks are pure consumers;
// the core has no dependency on how or whether they serialise it.
type TelemetrySink interface {
	Publish(snapshot control.Snapshot)
}

// TelemetrySinkFunc adapts a function to the TelemetrySink interface.
type TelemetrySinkFunc func(snapshot control.Snapshot)

// Publish implements TelemetrySink.
func (f TelemetrySinkFunc) Publish(snapshot control.Snapshot) { f(snapshot) }
