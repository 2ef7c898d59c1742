package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rjboer/sdrsource/internal/app"
	"github.com/rjboer/sdrsource/internal/config"
	"github.com/rjboer/sdrsource/internal/dsp"
	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/mdns"
	"github.com/rjboer/sdrsource/internal/record"
	"github.com/rjboer/sdrsource/internal/sdr"
	"github.com/rjboer/sdrsource/internal/telemetry"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdrsource: %v\n", err)
		os.Exit(2)
	}

	logger, closer, err := openLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdrsource: %v\n", err)
		os.Exit(2)
	}
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("sdrsource failed", logging.F("err", err))
	}
	closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by -config and overlays the flags
// that were set explicitly.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("sdrsource", flag.ContinueOnError)
	path := fs.String("config", "", "Config file (yaml, json or toml)")
	backend := fs.String("backend", "", "Device family (airspyhf|bladerf)")
	devArgs := fs.String("args", "", "Device arguments, e.g. serial=3652d65d2a0c4a89")
	simulate := fs.Bool("simulate", false, "Use the simulated SDK instead of hardware")
	freq := fs.Float64("freq", 0, "Center frequency in Hz")
	rate := fs.Float64("rate", 0, "Sample rate in Hz")
	webAddr := fs.String("web-addr", "", "Telemetry listen address (e.g. :8080); empty disables")
	recordPath := fs.String("record", "", "Write IQ to this WAV file")
	logLevel := fs.String("log-level", "", "Log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return config.Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = *backend
		case "args":
			cfg.Args = *devArgs
		case "simulate":
			cfg.Simulate = *simulate
		case "freq":
			cfg.CenterFreq = *freq
		case "rate":
			cfg.SampleRate = *rate
		case "web-addr":
			cfg.WebAddr = *webAddr
		case "record":
			cfg.RecordPath = *recordPath
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	return cfg, cfg.Validate()
}

func openLogger(c config.Log) (logging.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, nil, err
	}
	logger, closer := logging.Open(level, format, logging.FileOptions{
		Path:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}, os.Stderr)
	return logger, closer, nil
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	hub := telemetry.NewHub(0, logger)
	reporters := telemetry.MultiReporter{hub, telemetry.NewStdoutReporter(logger)}

	if cfg.NATSURL != "" {
		nc, err := telemetry.DialNATS(cfg.NATSURL, "sdrsource", logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		reporters = append(reporters, telemetry.NewNATSReporter(nc, cfg.NATSSubject, logger))
	}

	relay := app.NewDropRelay(reporters)
	src, err := app.OpenWithRetry(ctx, cfg.OpenRetries, logger, func() (app.Session, error) {
		return app.OpenSource(app.OpenOptions{
			Backend:     cfg.Backend,
			Args:        sdr.ParseArgs(cfg.Args),
			Simulate:    cfg.Simulate,
			PullTimeout: cfg.PullTimeout,
			Logger:      logger,
			Observer:    relay,
		})
	})
	if err != nil {
		return err
	}
	defer src.Close()
	relay.Bind(src.Session().String())

	if err := app.Apply(src, app.Tuning{
		SampleRate:  cfg.SampleRate,
		CenterFreq:  cfg.CenterFreq,
		FreqCorr:    cfg.FreqCorr,
		GainMode:    cfg.GainMode,
		Gains:       cfg.Gains,
		Antenna:     cfg.Antenna,
		ClockSource: cfg.ClockSource,
	}, logger); err != nil {
		return err
	}

	var writer app.ChunkWriter
	if cfg.RecordPath != "" {
		rec, err := record.Create(cfg.RecordPath, src.SampleRate())
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn("close recording", logging.F("err", err))
			}
			logger.Info("recording closed",
				logging.F("path", cfg.RecordPath),
				logging.F("samples", rec.Samples()),
				logging.F("clipped", rec.Clipped()),
			)
		}()
		writer = rec
	}

	if cfg.WebAddr != "" {
		ln, err := net.Listen("tcp", cfg.WebAddr)
		if err != nil {
			return fmt.Errorf("telemetry listen: %w", err)
		}
		go telemetry.NewWebServer(cfg.WebAddr, hub, logger).Serve(ctx, ln)

		if cfg.Advertise {
			port := ln.Addr().(*net.TCPAddr).Port
			info := src.Info()
			err := mdns.Advertise(ctx, mdns.Advertisement{
				Instance: "sdrsource " + info.Driver + " " + strconv.Itoa(port),
				Port:     port,
				Driver:   info.Driver,
				Serial:   info.Serial,
				Session:  src.Session().String(),
			})
			if err != nil {
				logger.Warn("dns-sd advertise failed", logging.F("err", err))
			}
		}
	}

	window, err := dsp.ParseWindow(cfg.Window)
	if err != nil {
		return err
	}
	rx := app.NewReceiver(src, hub, reporters, writer, logger, app.Config{
		SpectrumEvery: cfg.SpectrumEvery,
		SpectrumSize:  cfg.SpectrumSize,
		Window:        window,
	})
	logger.Info("receiving (Ctrl+C to stop)", logging.F("device", src.Info().String()))
	if err := rx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
