package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "INFO": Info, "warning": Warn, "error": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v got %v", in, want, got)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestTextLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Text, &buf)
	l.Info("hidden")
	l.Warn("dropped samples", F("count", 12))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info entry should be filtered: %q", out)
	}
	if !strings.Contains(out, "dropped samples") || !strings.Contains(out, "count=12") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestJSONLoggerCarriesWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Debug, JSON, &buf).With(F("driver", "airspyhf"), Field{})
	l.Debug("start", F("chunk", 1024))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if payload["driver"] != "airspyhf" {
		t.Fatalf("missing driver field: %v", payload)
	}
	if payload["chunk"] != float64(1024) {
		t.Fatalf("missing chunk field: %v", payload)
	}
	if payload["level"] != "DEBUG" {
		t.Fatalf("unexpected level: %v", payload["level"])
	}
}

func TestOpenWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdr.log")
	l, closer := Open(Info, Text, FileOptions{Path: path}, io.Discard)
	l.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDefaultIsNeverNil(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected default logger")
	}
	SetDefault(nil)
	if Default() == nil {
		t.Fatal("nil must not replace default logger")
	}
}
