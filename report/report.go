// Package report contains the built-in telemetry sinks: a JSON-lines
// recorder for offline analysis and a compact human-readable status line.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/microflow/control"
)

// JSONLines writes every snapshot as one JSON object per line. The writer is
// typically a log file or stdout.
type JSONLines struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger zerolog.Logger
}

// NewJSONLines builds a recorder around w.
func NewJSONLines(w io.Writer, logger zerolog.Logger) *JSONLines {
	return &JSONLines{
		enc:    json.NewEncoder(w),
		logger: logger.With().Str("component", "report").Logger(),
	}
}

// Publish implements serviceio.TelemetrySink.
func (j *JSONLines) Publish(snapshot control.Snapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(snapshot); err != nil {
		j.logger.Error().Err(err).Msg("write snapshot record")
	}
}

// StatusLine formats a snapshot the way the device's display shows it: flow
// against setpoint, the drive voltage and the state flags.
func StatusLine(s control.Snapshot) string {
	state := "off"
	if s.SystemOn {
		state = string(s.Mode)
	}
	line := fmt.Sprintf("%s flow=%.3f set=%.3f err=%+.1f%% U=%.1fV",
		state, s.Flow, s.Setpoint, s.ErrorPercent, s.Voltage)
	if s.Bubble {
		line += " BUBBLE"
	}
	for id, active := range s.Alarms {
		if active {
			line += " !" + id
		}
	}
	return line
}
