// Package service runs the closed-loop pump controller: it polls the
// operator panel, reads the flow sensor, advances the control coordinator
// once per cycle and forwards the resulting command to the pump driver.
package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/microflow/config"
	"github.com/timzifer/microflow/control"
	"github.com/timzifer/microflow/drivers/sim"
	"github.com/timzifer/microflow/panel"
	"github.com/timzifer/microflow/serviceio"
	"github.com/timzifer/microflow/telemetry"
)

// Option customises a Service during construction.
type Option func(*Service)

// WithFlowSource replaces the default simulated flow source.
func WithFlowSource(src serviceio.FlowSource) Option {
	return func(s *Service) { s.flow = src }
}

// WithPanel replaces the default operator panel.
func WithPanel(p serviceio.ControlPanel) Option {
	return func(s *Service) { s.panel = p }
}

// WithPumpSink replaces the default simulated pump sink.
func WithPumpSink(sink serviceio.PumpSink) Option {
	return func(s *Service) { s.pump = sink }
}

// WithTelemetrySink appends a snapshot consumer.
func WithTelemetrySink(sink serviceio.TelemetrySink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sink) }
}

// Service owns the tick loop and the collaborating ports. All control state
// is advanced on the loop goroutine; only the latest snapshot is shared.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	ctrl   *control.Coordinator
	alarms []alarm

	flow  serviceio.FlowSource
	panel serviceio.ControlPanel
	pump  serviceio.PumpSink
	sinks []serviceio.TelemetrySink

	collector telemetry.Collector

	interval   time.Duration
	runTimeout time.Duration
	onSince    time.Time
	halted     bool

	mu     sync.RWMutex
	latest control.Snapshot
}

// New builds a service from the configuration. Ports not supplied through
// options default to a shared simulated rig and an in-process panel, so a
// bare configuration runs closed-loop without hardware.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	mode, err := control.ParseMode(cfg.Control.Mode)
	if err != nil {
		return nil, err
	}
	ctrl, err := control.NewCoordinator(cfg.ControlSettings(), mode, time.Now(), logger)
	if err != nil {
		return nil, err
	}
	alarms, err := compileAlarms(cfg.Alarms)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		logger:     logger.With().Str("component", "service").Logger(),
		ctrl:       ctrl,
		alarms:     alarms,
		collector:  telemetry.Noop(),
		interval:   cfg.CycleInterval(),
		runTimeout: cfg.RunTimeout.Duration,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.panel == nil {
		var store *panel.Store
		if cfg.Panel.SettingsFile != "" {
			store = panel.NewStore(cfg.Panel.SettingsFile)
		}
		s.panel = panel.New(panelLimits(cfg.Panel), store, logger)
	}
	if s.flow == nil || s.pump == nil {
		rig := sim.New(sim.DefaultSettings(), func() float64 {
			return -s.panel.TrimPercent()
		})
		if s.flow == nil {
			s.flow = rig
		}
		if s.pump == nil {
			s.pump = rig
		}
	}
	return s, nil
}

func panelLimits(cfg config.PanelConfig) panel.Limits {
	return panel.Limits{
		SetpointMin:  cfg.SetpointMin,
		SetpointMax:  cfg.SetpointMax,
		SetpointStep: cfg.SetpointStep,
		TrimMin:      cfg.TrimMin,
		TrimMax:      cfg.TrimMax,
		TrimStep:     cfg.TrimStep,
	}
}

// SetTelemetry installs the metrics collector. A nil collector resets to the
// no-op implementation.
func (s *Service) SetTelemetry(collector telemetry.Collector) {
	if collector == nil {
		collector = telemetry.Noop()
	}
	s.collector = collector
}

// Panel returns the operator panel in use.
func (s *Service) Panel() serviceio.ControlPanel { return s.panel }

// Snapshot returns the most recently published snapshot.
func (s *Service) Snapshot() control.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Run executes the tick loop until the context is cancelled. The pump is
// stopped and the ports closed before Run returns.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("cycle", s.interval).
		Dur("run_timeout", s.runTimeout).
		Str("mode", string(s.ctrl.Mode())).
		Msg("service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("service stopping")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

func (s *Service) shutdown() {
	if err := s.pump.Stop(s.logger); err != nil {
		s.logger.Error().Err(err).Msg("stop pump on shutdown")
	}
	if err := s.pump.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close pump")
	}
	if err := s.flow.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close flow source")
	}
}

// Tick runs one control iteration. Exported so tests and alternative
// schedulers can drive the loop with their own clock.
func (s *Service) Tick(now time.Time) {
	if s.halted {
		return
	}
	started := time.Now()

	s.panel.Poll(now)

	on := s.panel.SystemOn()
	if on != s.ctrl.SystemOn() {
		s.ctrl.SetSystemOn(on, now)
		if on {
			s.onSince = now
		}
	}

	if s.ctrl.SystemOn() && s.runTimeout > 0 && now.Sub(s.onSince) > s.runTimeout {
		s.halt(now)
		return
	}

	if s.panel.ModeTogglePressed() {
		s.ctrl.ToggleMode(now)
	}

	setpoint := s.panel.Setpoint()
	sample, err := s.flow.Read(now, s.logger)
	if err != nil {
		// The controller keeps running on the stale sample the driver
		// returned; a dead sensor shows up as a growing error instead of
		// an outage.
		s.logger.Warn().Err(err).Msg("flow read failed")
	}

	cmd := s.ctrl.Tick(now, sample.Flow, setpoint)
	if cmd.Stop {
		if err := s.pump.Stop(s.logger); err != nil {
			s.logger.Error().Err(err).Msg("stop pump")
		}
	} else {
		if err := s.pump.Drive(cmd.Voltage, s.logger); err != nil {
			s.logger.Error().Err(err).Msg("drive pump")
		}
	}

	snapshot := s.buildSnapshot(now, sample, setpoint)
	snapshot.Alarms = evaluateAlarms(s.alarms, snapshot, s.logger)
	for id, fired := range snapshot.Alarms {
		if fired {
			s.collector.IncAlarm(id)
		}
	}
	state := s.ctrl.State()
	if s.ctrl.SystemOn() && s.ctrl.Mode() == control.ModeExp && state.Fraction >= 1.0 {
		s.collector.IncSaturation()
	}

	s.publish(snapshot)
	s.collector.RecordSnapshot(snapshot)
	s.collector.ObserveTick(time.Since(started))
}

// halt shuts the controller down permanently after the run timeout. The
// loop keeps ticking but ignores everything until restart.
func (s *Service) halt(now time.Time) {
	s.halted = true
	s.ctrl.SetSystemOn(false, now)
	if err := s.pump.Stop(s.logger); err != nil {
		s.logger.Error().Err(err).Msg("stop pump on timeout")
	}
	s.logger.Error().Dur("run_timeout", s.runTimeout).Msg("run timeout exceeded, controller halted")

	snapshot := s.buildSnapshot(now, serviceio.Sample{}, s.panel.Setpoint())
	s.publish(snapshot)
	s.collector.RecordSnapshot(snapshot)
}

// Halted reports whether the run timeout has tripped.
func (s *Service) Halted() bool { return s.halted }

func (s *Service) buildSnapshot(now time.Time, sample serviceio.Sample, setpoint float64) control.Snapshot {
	state := s.ctrl.State()
	errorPercent := 0.0
	if math.Abs(setpoint) > 1e-9 {
		errorPercent = 100.0 * (setpoint - sample.Flow) / setpoint
	}
	return control.Snapshot{
		Time:          now,
		Flow:          sample.Flow,
		Setpoint:      setpoint,
		ErrorPercent:  errorPercent,
		Bubble:        sample.Bubble,
		Temperature:   sample.Temperature,
		SystemOn:      s.ctrl.SystemOn(),
		Mode:          s.ctrl.Mode(),
		Voltage:       state.Voltage,
		Fraction:      state.Fraction,
		PTerm:         state.PTerm,
		ITerm:         state.ITerm,
		DTerm:         state.DTerm,
		Kp:            state.Kp,
		Ki:            state.Ki,
		Kd:            state.Kd,
		FilteredError: state.FilteredError,
		CurrentAlpha:  state.CurrentAlpha,
	}
}

func (s *Service) publish(snapshot control.Snapshot) {
	s.mu.Lock()
	s.latest = snapshot
	s.mu.Unlock()
	for _, sink := range s.sinks {
		sink.Publish(snapshot)
	}
}
