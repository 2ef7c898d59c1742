// Package config loads the receiver configuration from a file, the
// environment and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SDRSOURCE_CENTER_FREQ.
const EnvPrefix = "SDRSOURCE"

// Log configures the process logger.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the application configuration.
type Config struct {
	Backend       string             `mapstructure:"backend"`
	Args          string             `mapstructure:"args"`
	Simulate      bool               `mapstructure:"simulate"`
	SampleRate    float64            `mapstructure:"sample_rate"`
	CenterFreq    float64            `mapstructure:"center_freq"`
	FreqCorr      float64            `mapstructure:"freq_corr"`
	GainMode      string             `mapstructure:"gain_mode"`
	Gains         map[string]float64 `mapstructure:"gains"`
	Antenna       string             `mapstructure:"antenna"`
	ClockSource   string             `mapstructure:"clock_source"`
	PullTimeout   time.Duration      `mapstructure:"pull_timeout"`
	OpenRetries   int                `mapstructure:"open_retries"`
	WebAddr       string             `mapstructure:"web_addr"`
	Advertise     bool               `mapstructure:"advertise"`
	NATSURL       string             `mapstructure:"nats_url"`
	NATSSubject   string             `mapstructure:"nats_subject"`
	RecordPath    string             `mapstructure:"record_path"`
	SpectrumEvery int                `mapstructure:"spectrum_every"`
	SpectrumSize  int                `mapstructure:"spectrum_size"`
	Window        string             `mapstructure:"window"`
	Log           Log                `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "airspyhf")
	v.SetDefault("args", "")
	v.SetDefault("simulate", false)
	v.SetDefault("sample_rate", 0.0)
	v.SetDefault("center_freq", 0.0)
	v.SetDefault("freq_corr", 0.0)
	v.SetDefault("gain_mode", "")
	v.SetDefault("gains", map[string]float64{})
	v.SetDefault("antenna", "")
	v.SetDefault("clock_source", "")
	v.SetDefault("pull_timeout", "1s")
	v.SetDefault("open_retries", 3)
	v.SetDefault("web_addr", ":8080")
	v.SetDefault("advertise", false)
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "sdrsource")
	v.SetDefault("record_path", "")
	v.SetDefault("spectrum_every", 16)
	v.SetDefault("spectrum_size", 1024)
	v.SetDefault("window", "hann")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads path (yaml, json or toml; empty means defaults only) and applies
// SDRSOURCE_ environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no backend could accept.
func (c Config) Validate() error {
	switch c.Backend {
	case "airspyhf", "bladerf":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.GainMode {
	case "", "auto", "manual":
	default:
		return fmt.Errorf("gain_mode must be auto or manual, got %q", c.GainMode)
	}
	if c.SampleRate < 0 || c.CenterFreq < 0 {
		return fmt.Errorf("sample_rate and center_freq must not be negative")
	}
	if c.PullTimeout <= 0 {
		return fmt.Errorf("pull_timeout must be positive")
	}
	if c.OpenRetries < 0 {
		return fmt.Errorf("open_retries must not be negative")
	}
	if c.SpectrumEvery < 0 || c.SpectrumSize < 0 {
		return fmt.Errorf("spectrum settings must not be negative")
	}
	return nil
}
