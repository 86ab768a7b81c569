package service

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/microflow/config"
	"github.com/timzifer/microflow/control"
)

// alarm is one compiled alarm expression. Expressions are evaluated against
// every snapshot and must yield a boolean.
type alarm struct {
	id      string
	program *vm.Program
}

func compileAlarms(specs []config.AlarmConfig) ([]alarm, error) {
	alarms := make([]alarm, 0, len(specs))
	for _, spec := range specs {
		program, err := expr.Compile(spec.Expression,
			expr.Env(snapshotEnv(control.Snapshot{})),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("compile alarm %s: %w", spec.ID, err)
		}
		alarms = append(alarms, alarm{id: spec.ID, program: program})
	}
	return alarms, nil
}

// snapshotEnv flattens a snapshot into the expression environment.
func snapshotEnv(s control.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"flow":           s.Flow,
		"setpoint":       s.Setpoint,
		"error_percent":  s.ErrorPercent,
		"bubble":         s.Bubble,
		"temperature":    s.Temperature,
		"system_on":      s.SystemOn,
		"mode":           string(s.Mode),
		"voltage":        s.Voltage,
		"fraction":       s.Fraction,
		"p_term":         s.PTerm,
		"i_term":         s.ITerm,
		"d_term":         s.DTerm,
		"kp":             s.Kp,
		"ki":             s.Ki,
		"kd":             s.Kd,
		"filtered_error": s.FilteredError,
		"alpha":          s.CurrentAlpha,
	}
}

// evaluate runs every alarm against the snapshot and returns the active set.
// Evaluation errors disable the offending alarm for the tick but never stop
// the loop.
func evaluateAlarms(alarms []alarm, snapshot control.Snapshot, logger zerolog.Logger) map[string]bool {
	if len(alarms) == 0 {
		return nil
	}
	env := snapshotEnv(snapshot)
	active := make(map[string]bool, len(alarms))
	for _, a := range alarms {
		out, err := expr.Run(a.program, env)
		if err != nil {
			logger.Warn().Err(err).Str("alarm", a.id).Msg("alarm evaluation failed")
			continue
		}
		fired, ok := out.(bool)
		if !ok {
			logger.Warn().Str("alarm", a.id).Msg("alarm expression is not boolean")
			continue
		}
		active[a.id] = fired
	}
	return active
}
