package app

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
)

// Tuning is the initial radio setup applied after open. Zero values leave
// the device defaults in place.
type Tuning struct {
	SampleRate  float64
	CenterFreq  float64
	FreqCorr    float64
	GainMode    string // "auto", "manual" or ""
	Gains       map[string]float64
	Antenna     string
	ClockSource string
}

// Apply programs t into src. Unsupported parameters are logged and skipped;
// any other failure aborts.
func Apply(src sdr.Source, t Tuning, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	check := func(param string, err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, sdr.ErrUnsupportedParameter) {
			logger.Warn("parameter not supported", logging.F("param", param), logging.F("err", err))
			return nil
		}
		return fmt.Errorf("set %s: %w", param, err)
	}

	if t.ClockSource != "" {
		if err := check("clock_source", src.SetClockSource(t.ClockSource)); err != nil {
			return err
		}
	}
	if t.Antenna != "" {
		_, err := src.SetAntenna(t.Antenna)
		if err := check("antenna", err); err != nil {
			return err
		}
	}
	if t.SampleRate > 0 {
		actual, err := src.SetSampleRate(t.SampleRate)
		if err := check("sample_rate", err); err != nil {
			return err
		}
		logger.Info("sample rate set", logging.F("requested", t.SampleRate), logging.F("actual", actual))
	}
	if t.CenterFreq > 0 {
		actual, err := src.SetCenterFreq(t.CenterFreq)
		if err := check("center_freq", err); err != nil {
			return err
		}
		logger.Info("center frequency set", logging.F("requested", t.CenterFreq), logging.F("actual", actual))
	}
	if t.FreqCorr != 0 {
		_, err := src.SetFreqCorr(t.FreqCorr)
		if err := check("freq_corr", err); err != nil {
			return err
		}
	}
	switch t.GainMode {
	case "auto", "manual":
		_, err := src.SetGainMode(t.GainMode == "auto")
		if err := check("gain_mode", err); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(t.Gains))
	for name := range t.Gains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		actual, err := src.SetGain(name, t.Gains[name])
		if err := check("gain "+name, err); err != nil {
			return err
		}
		logger.Info("gain set", logging.F("stage", name), logging.F("db", actual))
	}
	return nil
}
