package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjboer/sdrsource/internal/logging"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig([]string{})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Backend != "airspyhf" || cfg.PullTimeout != time.Second || cfg.WebAddr != ":8080" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rx.yaml")
	if err := os.WriteFile(path, []byte("backend: airspyhf\ncenter_freq: 7.1e6\nweb_addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig([]string{"-config", path, "-backend", "bladerf", "-simulate", "-web-addr", ""})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Backend != "bladerf" || !cfg.Simulate || cfg.CenterFreq != 7.1e6 || cfg.WebAddr != "" {
		t.Fatalf("flag overrides not applied: %#v", cfg)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	if _, err := loadConfig([]string{"-backend", "rtlsdr"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRunSimulatedUntilCanceled(t *testing.T) {
	cfg, err := loadConfig([]string{"-simulate", "-web-addr", "", "-record", filepath.Join(t.TempDir(), "iq.wav")})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := run(ctx, cfg, logging.New(logging.Error, logging.Text, io.Discard)); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if fi, err := os.Stat(cfg.RecordPath); err != nil || fi.Size() <= 44 {
		t.Fatalf("expected samples in recording, stat=%v err=%v", fi, err)
	}
}
