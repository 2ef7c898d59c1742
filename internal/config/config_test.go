package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "airspyhf", cfg.Backend)
	assert.Equal(t, time.Second, cfg.PullTimeout)
	assert.Equal(t, 3, cfg.OpenRetries)
	assert.Equal(t, ":8080", cfg.WebAddr)
	assert.Equal(t, 16, cfg.SpectrumEvery)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdrsource.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: bladerf
args: "bladerf=0,buflen=8192"
center_freq: 433.92e6
sample_rate: 2e6
gain_mode: manual
gains:
  system: 30
pull_timeout: 250ms
log:
  level: debug
`), 0o644))

	t.Setenv("SDRSOURCE_CENTER_FREQ", "868000000")
	t.Setenv("SDRSOURCE_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bladerf", cfg.Backend)
	assert.Equal(t, "bladerf=0,buflen=8192", cfg.Args)
	assert.Equal(t, 868e6, cfg.CenterFreq)
	assert.Equal(t, 2e6, cfg.SampleRate)
	assert.Equal(t, "manual", cfg.GainMode)
	assert.Equal(t, 30.0, cfg.Gains["system"])
	assert.Equal(t, 250*time.Millisecond, cfg.PullTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"backend":   "backend: rtlsdr\n",
		"gain mode": "gain_mode: sometimes\n",
		"timeout":   "pull_timeout: 0s\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
