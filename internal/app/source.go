package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/rjboer/sdrsource/internal/airspyhf"
	"github.com/rjboer/sdrsource/internal/bladerf"
	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
	"github.com/rjboer/sdrsource/internal/stream"
)

// Backends lists the device families OpenSource accepts.
var Backends = []string{airspyhf.DriverName, bladerf.DriverName}

// ErrNoSDK is returned when the binary was built without the vendor library
// for the requested backend and simulation is off.
var ErrNoSDK = errors.New("built without vendor SDK support")

// Session is an open source together with its per-session identity and
// stream statistics.
type Session interface {
	sdr.Source
	Session() uuid.UUID
	Stats() stream.Stats
	Streaming() bool
}

// OpenOptions selects and configures a backend.
type OpenOptions struct {
	Backend     string
	Args        sdr.Args
	Simulate    bool
	PullTimeout time.Duration
	Logger      logging.Logger
	Observer    stream.Observer
}

func airspyhfDriver(simulate bool) (airspyhf.Driver, error) {
	if simulate {
		return airspyhf.NewSimulator(airspyhf.SimConfig{ToneOffset: 12e3}), nil
	}
	if drv := airspyhfLib(); drv != nil {
		return drv, nil
	}
	return nil, fmt.Errorf("%s: %w (build with -tags airspyhf)", airspyhf.DriverName, ErrNoSDK)
}

func bladerfDriver(simulate bool) (bladerf.Driver, error) {
	if simulate {
		return bladerf.NewSimulator(bladerf.SimConfig{
			FPGAConfigured: true,
			ToneOffset:     100e3,
		}), nil
	}
	if drv := bladerfLib(); drv != nil {
		return drv, nil
	}
	return nil, fmt.Errorf("%s: %w (build with -tags bladerf)", bladerf.DriverName, ErrNoSDK)
}

// OpenSource opens one session of the selected backend.
func OpenSource(o OpenOptions) (Session, error) {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	switch o.Backend {
	case airspyhf.DriverName:
		drv, err := airspyhfDriver(o.Simulate)
		if err != nil {
			return nil, &sdr.OpenError{Err: err}
		}
		opts := []airspyhf.Option{airspyhf.WithLogger(o.Logger), airspyhf.WithPullTimeout(o.PullTimeout)}
		if o.Observer != nil {
			opts = append(opts, airspyhf.WithObserver(o.Observer))
		}
		src, err := airspyhf.Open(drv, o.Args, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	case bladerf.DriverName:
		drv, err := bladerfDriver(o.Simulate)
		if err != nil {
			return nil, &sdr.OpenError{Err: err}
		}
		opts := []bladerf.Option{bladerf.WithLogger(o.Logger), bladerf.WithPullTimeout(o.PullTimeout)}
		if o.Observer != nil {
			opts = append(opts, bladerf.WithObserver(o.Observer))
		}
		src, err := bladerf.Open(drv, o.Args, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, &sdr.OpenError{Err: fmt.Errorf("unknown backend %q", o.Backend)}
	}
}

// ListDevices enumerates attached devices of one backend.
func ListDevices(backend string, simulate bool) ([]sdr.DeviceInfo, error) {
	switch backend {
	case airspyhf.DriverName:
		drv, err := airspyhfDriver(simulate)
		if err != nil {
			return nil, err
		}
		return airspyhf.ListDevices(drv)
	case bladerf.DriverName:
		drv, err := bladerfDriver(simulate)
		if err != nil {
			return nil, err
		}
		return bladerf.ListDevices(drv)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// OpenWithRetry calls open with exponential backoff, up to retries extra
// attempts. Only device open failures are retried.
func OpenWithRetry(ctx context.Context, retries int, logger logging.Logger, open func() (Session, error)) (Session, error) {
	if logger == nil {
		logger = logging.Default()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 0

	var (
		src     Session
		attempt int
	)
	op := func() error {
		attempt++
		s, err := open()
		if err == nil {
			src = s
			return nil
		}
		if !errors.Is(err, sdr.ErrDeviceOpenFailed) || errors.Is(err, ErrNoSDK) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("open failed, retrying",
			logging.F("attempt", attempt),
			logging.F("retry_in", wait.String()),
			logging.F("err", err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(retries, 0))), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}
	return src, nil
}
