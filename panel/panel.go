// Package panel models the operator controls: power toggle, flow setpoint,
// calibration trim and the control-mode toggle. The two calibration scalars
// (setpoint and trim) persist across restarts through a small settings
// store.
package panel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Limits bound the adjustable values and their step sizes.
type Limits struct {
	SetpointMin  float64
	SetpointMax  float64
	SetpointStep float64
	TrimMin      float64
	TrimMax      float64
	TrimStep     float64
}

// Panel holds the operator-facing state. Adjustments may arrive from any
// goroutine (a status UI, tests); the tick loop reads a consistent view via
// Poll and the accessors.
type Panel struct {
	mu sync.Mutex

	limits Limits
	store  *Store
	logger zerolog.Logger

	systemOn  bool
	setpoint  decimal.Decimal
	trim      decimal.Decimal
	modeEdge  bool
	modeLatch bool
	dirty     bool
}

// New builds a panel. When store is non-nil the persisted calibration
// values are loaded, range-checked and adopted; out-of-range or unreadable
// values fall back to the defaults, mirroring the device's EEPROM handling.
func New(limits Limits, store *Store, logger zerolog.Logger) *Panel {
	p := &Panel{
		limits:   limits,
		store:    store,
		logger:   logger.With().Str("component", "panel").Logger(),
		setpoint: decimal.NewFromFloat((limits.SetpointMin + limits.SetpointMax) / 2),
		trim:     decimal.Zero,
	}
	if store != nil {
		settings, err := store.Load()
		if err != nil {
			p.logger.Warn().Err(err).Msg("settings unreadable, using defaults")
		} else {
			if settings.Setpoint >= limits.SetpointMin && settings.Setpoint <= limits.SetpointMax {
				p.setpoint = decimal.NewFromFloat(settings.Setpoint)
			}
			if settings.TrimPercent >= limits.TrimMin && settings.TrimPercent <= limits.TrimMax {
				p.trim = decimal.NewFromFloat(settings.TrimPercent)
			}
		}
	}
	return p
}

// TogglePower flips the system on/off level.
func (p *Panel) TogglePower() {
	p.mu.Lock()
	p.systemOn = !p.systemOn
	p.mu.Unlock()
}

// PressModeToggle latches a mode-toggle press. The press is reported for
// exactly one tick by ModeTogglePressed after the next Poll.
func (p *Panel) PressModeToggle() {
	p.mu.Lock()
	p.modeLatch = true
	p.mu.Unlock()
}

// AdjustSetpoint moves the setpoint by steps increments. Decimal steps keep
// repeated presses exact: twenty 0.05 presses land on 1.00, not 0.9999….
func (p *Panel) AdjustSetpoint(steps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := decimal.NewFromFloat(p.limits.SetpointStep)
	next := p.setpoint.Add(step.Mul(decimal.NewFromInt(int64(steps))))
	p.setpoint = clampDecimal(next, p.limits.SetpointMin, p.limits.SetpointMax)
	p.dirty = true
}

// AdjustTrim moves the calibration trim by steps increments.
func (p *Panel) AdjustTrim(steps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := decimal.NewFromFloat(p.limits.TrimStep)
	next := p.trim.Add(step.Mul(decimal.NewFromInt(int64(steps))))
	p.trim = clampDecimal(next, p.limits.TrimMin, p.limits.TrimMax)
	p.dirty = true
}

// Poll consumes the latched mode-toggle edge and flushes dirty calibration
// values to the settings store. Called once at the start of every tick.
func (p *Panel) Poll(_ time.Time) {
	p.mu.Lock()
	p.modeEdge = p.modeLatch
	p.modeLatch = false
	flush := p.dirty
	p.dirty = false
	settings := Settings{Setpoint: p.setpointLocked(), TrimPercent: p.trimLocked()}
	store := p.store
	p.mu.Unlock()

	if flush && store != nil {
		if err := store.Save(settings); err != nil {
			p.logger.Error().Err(err).Msg("persist settings failed")
		}
	}
}

// Setpoint returns the current flow setpoint.
func (p *Panel) Setpoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setpointLocked()
}

// TrimPercent returns the trim in the operator sign convention:
// 100·(expected − measured)/expected.
func (p *Panel) TrimPercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trimLocked()
}

// FirmwareTrimPercent returns the trim in the firmware sign convention:
// same magnitude, opposite sign. The flow source consumes this value.
func (p *Panel) FirmwareTrimPercent() float64 {
	return -p.TrimPercent()
}

// SystemOn reports the debounced power level.
func (p *Panel) SystemOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.systemOn
}

// ModeTogglePressed reports whether the mode toggle was pressed since the
// previous Poll.
func (p *Panel) ModeTogglePressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modeEdge
}

func (p *Panel) setpointLocked() float64 {
	v, _ := p.setpoint.Float64()
	return v
}

func (p *Panel) trimLocked() float64 {
	v, _ := p.trim.Float64()
	return v
}

func clampDecimal(v decimal.Decimal, min, max float64) decimal.Decimal {
	if lo := decimal.NewFromFloat(min); v.LessThan(lo) {
		return lo
	}
	if hi := decimal.NewFromFloat(max); v.GreaterThan(hi) {
		return hi
	}
	return v
}
