package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/microflow/control"
)

// Duration wraps time.Duration to support unmarshalling from strings like
// "5s" or "40ms" in both YAML and CUE/JSON documents.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON parses duration strings from JSON (used by the CUE loader).
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	return d.parse(raw)
}

// MarshalJSON renders the duration as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

func (d *Duration) parse(raw string) error {
	if raw == "" || raw == "null" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	URL     string            `yaml:"url" json:"url"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level"`
	Format string     `yaml:"format,omitempty" json:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki" json:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// FilterConfig parameterises the two-pole error conditioner. The adaptive
// pole's secondary curve is pinned by the two asymptotes and slope-matched
// against the Ki schedule at the reference time.
type FilterConfig struct {
	SecondaryA     float64 `yaml:"secondary_a" json:"secondary_a"`
	SecondaryK     float64 `yaml:"secondary_k" json:"secondary_k"`
	ReferenceTime  float64 `yaml:"reference_time" json:"reference_time"`
	SmoothingAlpha float64 `yaml:"smoothing_alpha" json:"smoothing_alpha"`
}

// ControlConfig tunes the control coordinator.
type ControlConfig struct {
	Mode            string        `yaml:"mode,omitempty" json:"mode,omitempty"`
	Kp              control.Curve `yaml:"kp" json:"kp"`
	Ki              control.Curve `yaml:"ki" json:"ki"`
	Kd              control.Curve `yaml:"kd" json:"kd"`
	Filter          FilterConfig  `yaml:"filter" json:"filter"`
	DerivativeAlpha float64       `yaml:"derivative_alpha" json:"derivative_alpha"`
	ConstantVoltage float64       `yaml:"constant_voltage" json:"constant_voltage"`
}

// PumpConfig describes the piezo pump driver limits and register interface.
type PumpConfig struct {
	Address     uint8    `yaml:"address,omitempty" json:"address,omitempty"`
	MinVoltage  float64  `yaml:"min_voltage" json:"min_voltage"`
	MaxVoltage  float64  `yaml:"max_voltage" json:"max_voltage"`
	AbsoluteMax float64  `yaml:"absolute_max" json:"absolute_max"`
	Frequency   float64  `yaml:"frequency" json:"frequency"`
	WriteDelay  Duration `yaml:"write_delay,omitempty" json:"write_delay,omitempty"`
}

// SensorConfig describes the flow sensor interface and scaling.
type SensorConfig struct {
	Address   uint8   `yaml:"address,omitempty" json:"address,omitempty"`
	FlowScale float64 `yaml:"flow_scale" json:"flow_scale"`
	TempScale float64 `yaml:"temp_scale" json:"temp_scale"`
}

// PanelConfig describes operator-input ranges and the settings file holding
// the two persisted calibration scalars.
type PanelConfig struct {
	SettingsFile string  `yaml:"settings_file,omitempty" json:"settings_file,omitempty"`
	SetpointMin  float64 `yaml:"setpoint_min" json:"setpoint_min"`
	SetpointMax  float64 `yaml:"setpoint_max" json:"setpoint_max"`
	SetpointStep float64 `yaml:"setpoint_step" json:"setpoint_step"`
	TrimMin      float64 `yaml:"trim_min" json:"trim_min"`
	TrimMax      float64 `yaml:"trim_max" json:"trim_max"`
	TrimStep     float64 `yaml:"trim_step" json:"trim_step"`
}

// AlarmConfig declares a boolean expression evaluated against every
// snapshot.
type AlarmConfig struct {
	ID         string `yaml:"id" json:"id"`
	Expression string `yaml:"expression" json:"expression"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name        string          `yaml:"name,omitempty" json:"name,omitempty"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Cycle       Duration        `yaml:"cycle" json:"cycle"`
	RunTimeout  Duration        `yaml:"run_timeout" json:"run_timeout"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Control     ControlConfig   `yaml:"control" json:"control"`
	Pump        PumpConfig      `yaml:"pump" json:"pump"`
	Sensor      SensorConfig    `yaml:"sensor" json:"sensor"`
	Panel       PanelConfig     `yaml:"panel" json:"panel"`
	Alarms      []AlarmConfig   `yaml:"alarms,omitempty" json:"alarms,omitempty"`
}

// Firmware defaults. The gain schedule carries only an integral band by
// default; proportional and derivative schedules stay flat at zero.
func defaults() Config {
	return Config{
		Cycle:      Duration{50 * time.Millisecond},
		RunTimeout: Duration{36000 * time.Second},
		Logging:    LoggingConfig{Level: "info"},
		Control: ControlConfig{
			Mode: string(control.ModeExp),
			Ki:   control.Curve{A: 0.001, K: 0.3, B: 300, C: 0},
			Filter: FilterConfig{
				SecondaryA:     0,
				SecondaryK:     1,
				ReferenceTime:  0.005,
				SmoothingAlpha: 0.2,
			},
			DerivativeAlpha: 0.8,
			ConstantVoltage: 80,
		},
		Pump: PumpConfig{
			Address:     0x59,
			MinVoltage:  0,
			MaxVoltage:  150,
			AbsoluteMax: 150,
			Frequency:   300,
			WriteDelay:  Duration{40 * time.Millisecond},
		},
		Sensor: SensorConfig{
			Address:   0x08,
			FlowScale: 10000,
			TempScale: 200,
		},
		Panel: PanelConfig{
			SetpointMin:  0,
			SetpointMax:  2,
			SetpointStep: 0.05,
			TrimMin:      -50,
			TrimMax:      50,
			TrimStep:     1,
		},
	}
}

// Load reads and decodes a configuration file. Files ending in ".cue" are
// evaluated with the CUE tooling; everything else is parsed as YAML. Missing
// sections fall back to the firmware defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := defaults()
	if strings.EqualFold(filepath.Ext(abs), ".cue") {
		if err := loadCUE(abs, &cfg); err != nil {
			return nil, err
		}
	} else {
		raw, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", abs, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", abs, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return &cfg, nil
}

// Default returns the built-in firmware configuration.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

// CycleInterval returns the configured controller tick duration.
func (c *Config) CycleInterval() time.Duration {
	if c == nil || c.Cycle.Duration <= 0 {
		return 50 * time.Millisecond
	}
	return c.Cycle.Duration
}

// Validate checks cross-field invariants the decoder cannot express.
func (c *Config) Validate() error {
	if c.Cycle.Duration < 0 {
		return errors.New("cycle must not be negative")
	}
	if c.RunTimeout.Duration <= 0 {
		return errors.New("run timeout must be positive")
	}
	if _, err := control.ParseMode(c.Control.Mode); err != nil {
		return err
	}
	if c.Pump.MaxVoltage <= 0 {
		return errors.New("pump max voltage must be positive")
	}
	if c.Pump.MinVoltage < 0 || c.Pump.MinVoltage > c.Pump.MaxVoltage {
		return errors.New("pump min voltage must lie within [0, max voltage]")
	}
	if c.Pump.AbsoluteMax < c.Pump.MaxVoltage {
		return errors.New("pump absolute max must not be below max voltage")
	}
	if c.Pump.Frequency <= 0 {
		return errors.New("pump frequency must be positive")
	}
	if c.Sensor.FlowScale <= 0 || c.Sensor.TempScale <= 0 {
		return errors.New("sensor scale factors must be positive")
	}
	if c.Control.Filter.ReferenceTime <= 0 {
		return errors.New("filter reference time must be positive")
	}
	if a := c.Control.Filter.SmoothingAlpha; a < 0 || a > 1 {
		return errors.New("filter smoothing alpha must lie within [0, 1]")
	}
	if a := c.Control.DerivativeAlpha; a < 0 || a > 1 {
		return errors.New("derivative alpha must lie within [0, 1]")
	}
	if c.Panel.SetpointMax < c.Panel.SetpointMin {
		return errors.New("setpoint range is inverted")
	}
	if c.Panel.TrimMax < c.Panel.TrimMin {
		return errors.New("trim range is inverted")
	}
	seen := make(map[string]struct{}, len(c.Alarms))
	for _, alarm := range c.Alarms {
		if alarm.ID == "" {
			return errors.New("alarm id must not be empty")
		}
		if alarm.Expression == "" {
			return fmt.Errorf("alarm %s: expression must not be empty", alarm.ID)
		}
		if _, dup := seen[alarm.ID]; dup {
			return fmt.Errorf("duplicate alarm id %s", alarm.ID)
		}
		seen[alarm.ID] = struct{}{}
	}
	return nil
}

// ControlSettings maps the configuration onto the coordinator's settings.
func (c *Config) ControlSettings() control.Settings {
	return control.Settings{
		Kp:              c.Control.Kp,
		Ki:              c.Control.Ki,
		Kd:              c.Control.Kd,
		SecondaryA:      c.Control.Filter.SecondaryA,
		SecondaryK:      c.Control.Filter.SecondaryK,
		ReferenceTime:   c.Control.Filter.ReferenceTime,
		SmoothingAlpha:  c.Control.Filter.SmoothingAlpha,
		DerivativeAlpha: c.Control.DerivativeAlpha,
		MinVoltage:      c.Pump.MinVoltage,
		MaxVoltage:      c.Pump.MaxVoltage,
		ConstantVoltage: c.Control.ConstantVoltage,
	}
}
