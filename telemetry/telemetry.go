package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timzifer/microflow/control"
)

// Collector captures telemetry events emitted by the control loop.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the tick path.
type Collector interface {
	ObserveTick(d time.Duration)
	RecordSnapshot(snapshot control.Snapshot)
	IncSaturation()
	IncAlarm(id string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveTick(time.Duration)       {}
func (noopCollector) RecordSnapshot(control.Snapshot) {}
func (noopCollector) IncSaturation()                  {}
func (noopCollector) IncAlarm(string)                 {}

// PrometheusCollector exposes control-loop telemetry via Prometheus.
type PrometheusCollector struct {
	tickDuration *prometheus.GaugeVec
	ticks        *prometheus.CounterVec
	observables  *prometheus.GaugeVec
	saturations  *prometheus.CounterVec
	alarms       *prometheus.CounterVec
}

var (
	tickDurationGauge     *prometheus.GaugeVec
	tickDurationGaugeLock sync.Mutex
	tickCounter           *prometheus.CounterVec
	tickCounterLock       sync.Mutex
	observableGauge       *prometheus.GaugeVec
	observableGaugeLock   sync.Mutex
	saturationCounter     *prometheus.CounterVec
	saturationCounterLock sync.Mutex
	alarmCounter          *prometheus.CounterVec
	alarmCounterLock      sync.Mutex
)

func registerGaugeVec(reg prometheus.Registerer, lock *sync.Mutex, cached **prometheus.GaugeVec, opts prometheus.GaugeOpts, labels []string) (*prometheus.GaugeVec, error) {
	lock.Lock()
	defer lock.Unlock()
	if *cached != nil {
		return *cached, nil
	}
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				*cached = existing
				return existing, nil
			}
		}
		return nil, err
	}
	*cached = gauge
	return gauge, nil
}

func registerCounterVec(reg prometheus.Registerer, lock *sync.Mutex, cached **prometheus.CounterVec, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	lock.Lock()
	defer lock.Unlock()
	if *cached != nil {
		return *cached, nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				*cached = existing
				return existing, nil
			}
		}
		return nil, err
	}
	*cached = counter
	return counter, nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tickDuration, err := registerGaugeVec(reg, &tickDurationGaugeLock, &tickDurationGauge, prometheus.GaugeOpts{
		Name: "microflow_tick_duration_seconds",
		Help: "Duration of the last control tick.",
	}, []string{"mode"})
	if err != nil {
		return nil, err
	}
	ticks, err := registerCounterVec(reg, &tickCounterLock, &tickCounter, prometheus.CounterOpts{
		Name: "microflow_ticks_total",
		Help: "Number of completed control ticks.",
	}, []string{"mode"})
	if err != nil {
		return nil, err
	}
	observables, err := registerGaugeVec(reg, &observableGaugeLock, &observableGauge, prometheus.GaugeOpts{
		Name: "microflow_control_value",
		Help: "Per-tick control observables keyed by signal name.",
	}, []string{"signal"})
	if err != nil {
		return nil, err
	}
	saturations, err := registerCounterVec(reg, &saturationCounterLock, &saturationCounter, prometheus.CounterOpts{
		Name: "microflow_output_saturation_total",
		Help: "Number of ticks whose raw PID sum exceeded the output ceiling.",
	}, []string{"side"})
	if err != nil {
		return nil, err
	}
	alarms, err := registerCounterVec(reg, &alarmCounterLock, &alarmCounter, prometheus.CounterOpts{
		Name: "microflow_alarm_total",
		Help: "Number of ticks on which an alarm expression evaluated true.",
	}, []string{"alarm"})
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		tickDuration: tickDuration,
		ticks:        ticks,
		observables:  observables,
		saturations:  saturations,
		alarms:       alarms,
	}, nil
}

// ObserveTick records the duration of a completed tick.
func (p *PrometheusCollector) ObserveTick(d time.Duration) {
	if p == nil || p.tickDuration == nil {
		return
	}
	p.tickDuration.WithLabelValues("control").Set(d.Seconds())
	p.ticks.WithLabelValues("control").Inc()
}

// RecordSnapshot exports the per-tick observables.
func (p *PrometheusCollector) RecordSnapshot(snapshot control.Snapshot) {
	if p == nil || p.observables == nil {
		return
	}
	set := func(signal string, value float64) {
		p.observables.WithLabelValues(signal).Set(value)
	}
	set("flow", snapshot.Flow)
	set("setpoint", snapshot.Setpoint)
	set("voltage", snapshot.Voltage)
	set("fraction", snapshot.Fraction)
	set("filtered_error", snapshot.FilteredError)
	set("kp", snapshot.Kp)
	set("ki", snapshot.Ki)
	set("kd", snapshot.Kd)
	set("temperature", snapshot.Temperature)
	if snapshot.SystemOn {
		set("system_on", 1)
	} else {
		set("system_on", 0)
	}
}

// IncSaturation counts a high-side output saturation event.
func (p *PrometheusCollector) IncSaturation() {
	if p == nil || p.saturations == nil {
		return
	}
	p.saturations.WithLabelValues("high").Inc()
}

// IncAlarm counts a tick on which the named alarm fired.
func (p *PrometheusCollector) IncAlarm(id string) {
	if p == nil || p.alarms == nil {
		return
	}
	p.alarms.WithLabelValues(id).Inc()
}
