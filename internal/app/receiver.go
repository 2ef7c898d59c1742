package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rjboer/sdrsource/internal/dsp"
	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
	"github.com/rjboer/sdrsource/internal/stream"
	"github.com/rjboer/sdrsource/internal/telemetry"
)

// ChunkWriter persists pulled chunks.
type ChunkWriter interface {
	Write(samples []complex64) error
}

// Config captures receiver loop settings.
type Config struct {
	// SpectrumEvery computes a spectrum snapshot every n chunks; 0 disables it.
	SpectrumEvery int
	SpectrumSize  int
	Window        dsp.Window
	// MaxTimeouts is how many consecutive pull timeouts are tolerated.
	MaxTimeouts int
}

const defaultMaxTimeouts = 3

// Receiver pulls chunks from a source and feeds telemetry, the spectrum
// analyzer and an optional recorder.
type Receiver struct {
	src      Session
	hub      *telemetry.Hub
	reporter telemetry.Reporter
	writer   ChunkWriter
	logger   logging.Logger
	cfg      Config
	analyzer *dsp.Analyzer
	window   dsp.Window
	chunks   uint64
}

// NewReceiver wires a receiver. hub, reporter and writer may be nil.
func NewReceiver(src Session, hub *telemetry.Hub, reporter telemetry.Reporter, writer ChunkWriter, logger logging.Logger, cfg Config) *Receiver {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxTimeouts <= 0 {
		cfg.MaxTimeouts = defaultMaxTimeouts
	}
	if cfg.SpectrumSize <= 0 {
		cfg.SpectrumSize = 1024
	}
	r := &Receiver{
		src:      src,
		hub:      hub,
		reporter: reporter,
		writer:   writer,
		logger:   logger.With(logging.F("subsystem", "receiver"), logging.F("session", src.Session().String())),
		cfg:      cfg,
		window:   cfg.Window,
	}
	if cfg.SpectrumEvery > 0 || hub != nil {
		r.analyzer = dsp.NewAnalyzer(min(cfg.SpectrumSize, src.ChunkSize()), cfg.Window, 0.25)
	}
	return r
}

// Chunks returns how many chunks were pulled.
func (r *Receiver) Chunks() uint64 { return r.chunks }

// Run starts the source and pulls until ctx is done or the stream ends. The
// source is always stopped on return. A canceled ctx is not an error.
func (r *Receiver) Run(ctx context.Context) (err error) {
	if err := r.src.Start(); err != nil {
		r.publishStatus(err)
		return fmt.Errorf("start source: %w", err)
	}
	r.logger.Info("receiver started",
		logging.F("center_freq", r.src.CenterFreq()),
		logging.F("sample_rate", r.src.SampleRate()),
		logging.F("chunk_size", r.src.ChunkSize()),
	)
	r.publishStatus(nil)
	defer func() {
		if stopErr := r.src.Stop(); stopErr != nil && err == nil {
			err = fmt.Errorf("stop source: %w", stopErr)
		}
		r.publishStatus(err)
		r.logger.Info("receiver stopped", logging.F("chunks", r.chunks))
	}()

	buf := make([]complex64, r.src.ChunkSize())
	timeouts := 0
	lastStatus := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.src.Pull(ctx, buf)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, sdr.ErrTimeout):
			timeouts++
			r.logger.Warn("pull timed out", logging.F("consecutive", timeouts))
			if timeouts >= r.cfg.MaxTimeouts {
				return fmt.Errorf("source stalled after %d timeouts: %w", timeouts, err)
			}
			continue
		case stream.IsEndOfStream(err):
			r.logger.Info("end of stream")
			return nil
		default:
			return fmt.Errorf("pull: %w", err)
		}
		timeouts = 0
		if n == 0 {
			continue
		}
		if err := r.handle(buf[:n]); err != nil {
			return err
		}
		if time.Since(lastStatus) >= time.Second {
			r.publishStatus(nil)
			lastStatus = time.Now()
		}
	}
}

func (r *Receiver) handle(samples []complex64) error {
	r.chunks++
	lv := dsp.MeasureLevels(samples)
	if r.reporter != nil {
		r.reporter.Report(telemetry.Sample{
			Timestamp: time.Now(),
			Session:   r.src.Session().String(),
			Chunk:     r.chunks,
			Samples:   len(samples),
			PowerDBFS: math.Max(lv.PowerDBFS, telemetry.MinDB),
			PeakDBFS:  math.Max(lv.PeakDBFS, telemetry.MinDB),
			Clipped:   lv.Clipped,
		})
	}
	if r.writer != nil {
		if err := r.writer.Write(samples); err != nil {
			return fmt.Errorf("record: %w", err)
		}
	}
	r.spectrum(samples)
	return nil
}

func (r *Receiver) spectrum(samples []complex64) {
	if r.analyzer == nil {
		return
	}
	every := r.cfg.SpectrumEvery
	if r.hub != nil {
		cfg := r.hub.ConfigSnapshot()
		every = cfg.SpectrumEvery
		if w, err := dsp.ParseWindow(cfg.Window); err == nil && w != r.window {
			r.window = w
			r.analyzer = dsp.NewAnalyzer(r.analyzer.Size(), w, 0.25)
		}
	}
	if every <= 0 {
		return
	}
	r.analyzer.Process(samples)
	if r.chunks%uint64(every) != 0 {
		return
	}
	snap := r.analyzer.Snapshot(r.src.CenterFreq(), r.src.SampleRate())
	if r.hub != nil {
		r.hub.UpdateSpectrum(snap)
	}
	r.logger.Debug("spectrum",
		logging.F("peak_freq", snap.PeakFreq),
		logging.F("peak_db", math.Max(snap.PeakDB, telemetry.MinDB)),
	)
}

func (r *Receiver) publishStatus(err error) {
	if r.hub == nil {
		return
	}
	state := stream.Stopped
	if r.src.Streaming() {
		state = stream.Streaming
	}
	status := telemetry.Status{
		State:      state.String(),
		Device:     r.src.Info(),
		Session:    r.src.Session().String(),
		CenterFreq: r.src.CenterFreq(),
		SampleRate: r.src.SampleRate(),
		ChunkSize:  r.src.ChunkSize(),
		Stream:     r.src.Stats(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	r.hub.UpdateStatus(status)
}

// DropRelay forwards SDK-side sample loss to a reporter. It is handed to
// OpenSource before the session exists and bound to it afterwards.
type DropRelay struct {
	reporter telemetry.Reporter

	mu      sync.Mutex
	session string
}

func NewDropRelay(reporter telemetry.Reporter) *DropRelay {
	return &DropRelay{reporter: reporter}
}

// Bind tags subsequent drops with the session identifier.
func (d *DropRelay) Bind(session string) {
	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
}

// StreamDropped implements stream.Observer.
func (d *DropRelay) StreamDropped(dropped uint64) {
	if d == nil || d.reporter == nil {
		return
	}
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	d.reporter.ReportDrop(telemetry.Drop{Timestamp: time.Now(), Session: session, Dropped: dropped})
}
