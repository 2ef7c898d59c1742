package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/sdrsource/internal/airspyhf"
	"github.com/rjboer/sdrsource/internal/dsp"
	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
	"github.com/rjboer/sdrsource/internal/stream"
	"github.com/rjboer/sdrsource/internal/telemetry"
)

func quietLogger() logging.Logger {
	return logging.New(logging.Error, logging.Text, io.Discard)
}

func openSim(t *testing.T, cfg airspyhf.SimConfig, opts ...airspyhf.Option) *airspyhf.Source {
	t.Helper()
	opts = append([]airspyhf.Option{airspyhf.WithLogger(quietLogger())}, opts...)
	src, err := airspyhf.Open(airspyhf.NewSimulator(cfg), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestOpenSourceSimulated(t *testing.T) {
	for _, backend := range Backends {
		t.Run(backend, func(t *testing.T) {
			src, err := OpenSource(OpenOptions{Backend: backend, Simulate: true, Logger: quietLogger()})
			require.NoError(t, err)
			defer src.Close()
			assert.Equal(t, backend, src.Info().Driver)
			assert.Positive(t, src.ChunkSize())
			assert.False(t, src.Streaming())
		})
	}
}

func TestOpenSourceErrors(t *testing.T) {
	_, err := OpenSource(OpenOptions{Backend: "rtlsdr", Logger: quietLogger()})
	assert.ErrorIs(t, err, sdr.ErrDeviceOpenFailed)

	_, err = OpenSource(OpenOptions{Backend: airspyhf.DriverName, Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrNoSDK)
	assert.ErrorIs(t, err, sdr.ErrDeviceOpenFailed)
}

func TestListDevicesSimulated(t *testing.T) {
	devs, err := ListDevices(airspyhf.DriverName, true)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "AirspyHF", devs[0].Label)

	_, err = ListDevices("rtlsdr", true)
	assert.Error(t, err)
}

// fakeSession satisfies Session for tests that never touch the device.
type fakeSession struct{ sdr.Source }

func (fakeSession) Session() uuid.UUID  { return uuid.Nil }
func (fakeSession) Stats() stream.Stats { return stream.Stats{} }
func (fakeSession) Streaming() bool     { return false }

func TestOpenWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		attempts := 0
		src, err := OpenWithRetry(ctx, 3, quietLogger(), func() (Session, error) {
			attempts++
			if attempts < 3 {
				return nil, &sdr.OpenError{Err: errors.New("device busy")}
			}
			return fakeSession{}, nil
		})
		require.NoError(t, err)
		assert.NotNil(t, src)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		attempts := 0
		_, err := OpenWithRetry(ctx, 1, quietLogger(), func() (Session, error) {
			attempts++
			return nil, &sdr.OpenError{Err: errors.New("device busy")}
		})
		assert.ErrorIs(t, err, sdr.ErrDeviceOpenFailed)
		assert.Equal(t, 2, attempts)
	})

	t.Run("permanent", func(t *testing.T) {
		attempts := 0
		_, err := OpenWithRetry(ctx, 5, quietLogger(), func() (Session, error) {
			attempts++
			return nil, sdr.CommandFailed("airspyhf_set_freq", errors.New("usb"))
		})
		assert.ErrorIs(t, err, sdr.ErrDeviceCommandFailed)
		assert.Equal(t, 1, attempts)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := OpenWithRetry(cctx, 5, quietLogger(), func() (Session, error) {
			return nil, &sdr.OpenError{Err: errors.New("device busy")}
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type countingWriter struct {
	n      atomic.Int64
	limit  int64
	cancel context.CancelFunc
}

func (w *countingWriter) Write(samples []complex64) error {
	if w.n.Add(1) == w.limit {
		w.cancel()
	}
	return nil
}

type collectingReporter struct {
	mu      sync.Mutex
	samples []telemetry.Sample
	drops   []telemetry.Drop
}

func (r *collectingReporter) Report(s telemetry.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *collectingReporter) ReportDrop(d telemetry.Drop) {
	r.mu.Lock()
	r.drops = append(r.drops, d)
	r.mu.Unlock()
}

func TestReceiverRunFeedsTelemetry(t *testing.T) {
	reporter := &collectingReporter{}
	relay := NewDropRelay(reporter)
	src := openSim(t, airspyhf.SimConfig{ToneOffset: 12e3, DropEvery: 5}, airspyhf.WithObserver(relay))
	relay.Bind(src.Session().String())

	hub := telemetry.NewHub(100, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	writer := &countingWriter{limit: 20, cancel: cancel}

	rx := NewReceiver(src, hub, telemetry.MultiReporter{hub, reporter}, writer, quietLogger(), Config{
		SpectrumEvery: 4,
		Window:        dsp.Hann,
	})
	require.NoError(t, rx.Run(ctx))
	require.NotErrorIs(t, ctx.Err(), context.DeadlineExceeded)

	assert.False(t, src.Streaming())
	assert.GreaterOrEqual(t, rx.Chunks(), uint64(20))
	assert.Equal(t, "stopped", hub.Status().State)
	assert.Empty(t, hub.Status().Err)

	reporter.mu.Lock()
	assert.GreaterOrEqual(t, len(reporter.samples), 20)
	assert.Equal(t, src.ChunkSize(), reporter.samples[0].Samples)
	assert.InDelta(t, 0, reporter.samples[0].PowerDBFS, 0.5)
	assert.NotEmpty(t, reporter.drops)
	assert.Equal(t, src.Session().String(), reporter.drops[0].Session)
	reporter.mu.Unlock()

	snap := hub.Spectrum()
	require.Positive(t, snap.Frames)
	assert.InDelta(t, src.CenterFreq()+12e3, snap.PeakFreq, 1500)
}

func TestReceiverStallsAfterTimeouts(t *testing.T) {
	src := openSim(t, airspyhf.SimConfig{Manual: true}, airspyhf.WithPullTimeout(20*time.Millisecond))
	hub := telemetry.NewHub(10, quietLogger())

	rx := NewReceiver(src, hub, nil, nil, quietLogger(), Config{MaxTimeouts: 3})
	err := rx.Run(context.Background())
	require.ErrorIs(t, err, sdr.ErrTimeout)
	assert.False(t, src.Streaming())
	assert.Equal(t, uint64(3), src.Stats().Timeouts)
	assert.NotEmpty(t, hub.Status().Err)
}

func TestReceiverStartFailure(t *testing.T) {
	sim := airspyhf.NewSimulator(airspyhf.SimConfig{})
	src, err := airspyhf.Open(sim, nil, airspyhf.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer src.Close()
	sim.Device(0).Fail("airspyhf_start", errors.New("usb busy"))

	rx := NewReceiver(src, nil, nil, nil, quietLogger(), Config{})
	err = rx.Run(context.Background())
	assert.Error(t, err)
	assert.False(t, src.Streaming())
}

func TestDropRelayWithoutReporter(t *testing.T) {
	var relay *DropRelay
	relay.StreamDropped(10)
	NewDropRelay(nil).StreamDropped(10)
}
