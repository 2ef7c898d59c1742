package telemetry

import (
	"github.com/rjboer/sdrsource/internal/logging"
)

// StdoutReporter logs chunk levels at debug and drops at warn.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger.With(logging.F("subsystem", "telemetry"))}
}

func (r StdoutReporter) Report(s Sample) {
	fields := []logging.Field{
		logging.F("session", s.Session),
		logging.F("chunk", s.Chunk),
		logging.F("samples", s.Samples),
		logging.F("power_dbfs", s.PowerDBFS),
		logging.F("peak_dbfs", s.PeakDBFS),
	}
	if s.Clipped > 0 {
		fields = append(fields, logging.F("clipped", s.Clipped))
	}
	r.logger.Debug("chunk", fields...)
}

func (r StdoutReporter) ReportDrop(d Drop) {
	r.logger.Warn("samples dropped",
		logging.F("session", d.Session),
		logging.F("dropped_samples", d.Dropped),
	)
}
