package control

import (
	"fmt"
	"time"
)

// Mode selects the active control strategy.
type Mode string

const (
	// ModeExp runs the adaptively-gained PID pipeline.
	ModeExp Mode = "exp"
	// ModeConstantVoltage drives the pump with a fixed open-loop voltage.
	ModeConstantVoltage Mode = "constant_voltage"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeExp, "":
		return ModeExp, nil
	case ModeConstantVoltage:
		return ModeConstantVoltage, nil
	default:
		return "", fmt.Errorf("unknown control mode %q", raw)
	}
}

// State holds the per-tick observables of the coordinator. It is mutated
// once per tick and zeroed on power transitions.
type State struct {
	FilteredError float64
	CurrentAlpha  float64
	Kp            float64
	Ki            float64
	Kd            float64
	PTerm         float64
	ITerm         float64
	DTerm         float64
	Fraction      float64
	Voltage       float64
}

// Snapshot is the external-facing view produced once per tick for display
// and telemetry sinks. The core never reads it back.
type Snapshot struct {
	Time          time.Time       `json:"time"`
	Flow          float64         `json:"flow"`
	Setpoint      float64         `json:"setpoint"`
	ErrorPercent  float64         `json:"errorPercent"`
	Bubble        bool            `json:"bubble"`
	Temperature   float64         `json:"temperature"`
	SystemOn      bool            `json:"systemOn"`
	Mode          Mode            `json:"mode"`
	Voltage       float64         `json:"voltage"`
	Fraction      float64         `json:"fraction"`
	PTerm         float64         `json:"pTerm"`
	ITerm         float64         `json:"iTerm"`
	DTerm         float64         `json:"dTerm"`
	Kp            float64         `json:"kp"`
	Ki            float64         `json:"ki"`
	Kd            float64         `json:"kd"`
	FilteredError float64         `json:"filteredError"`
	CurrentAlpha  float64         `json:"currentAlpha"`
	Alarms        map[string]bool `json:"alarms,omitempty"`
}
