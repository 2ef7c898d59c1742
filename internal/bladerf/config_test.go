package bladerf

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
)

var lib25 = Version{2, 5, 0}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(sdr.Args{}, lib25, logging.Default())
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Ident)
	assert.Equal(t, StreamConfig{
		Buffers:   512,
		BufferLen: 4096,
		Transfers: 32,
		Timeout:   3 * time.Second,
	}, cfg.Stream)
}

func TestParseConfigDeviceIdent(t *testing.T) {
	cases := map[string]string{
		"bladerf=0":        "*:instance=0",
		"bladerf=12":       "*:instance=12",
		"bladerf=f12ce1":   "*:serial=f12ce1",
		"bladerf=''":       "",
		"verbosity=silent": "",
	}
	for in, want := range cases {
		cfg, err := ParseConfig(sdr.ParseArgs(in), lib25, logging.Default())
		require.NoError(t, err, in)
		assert.Equal(t, want, cfg.Ident, in)
	}

	_, err := ParseConfig(sdr.ParseArgs("bladerf=x1"), lib25, logging.Default())
	assert.ErrorContains(t, err, "device number")

	_, err = ParseConfig(sdr.ParseArgs("bladerf=f12ce1"), Version{1, 4, 0}, logging.Default())
	assert.ErrorContains(t, err, "full serial")

	_, err = ParseConfig(sdr.ParseArgs("verbosity=loud"), lib25, logging.Default())
	assert.ErrorContains(t, err, "invalid log level")
}

func TestStreamSizingFallsBack(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.New(logging.Debug, logging.Text, &logs)

	cfg, err := ParseConfig(sdr.ParseArgs("buffers=1,buflen=1000,transfers=0"), lib25, logger)
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Stream.Buffers)
	assert.Equal(t, 4096, cfg.Stream.BufferLen)
	assert.Equal(t, 32, cfg.Stream.Transfers)
	assert.Contains(t, logs.String(), "invalid buflen")

	cfg, err = ParseConfig(sdr.ParseArgs("buffers=16,buflen=2048,transfers=16"), lib25, logger)
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Stream.BufferLen)
	assert.Equal(t, 8, cfg.Stream.Transfers)
	assert.Contains(t, logs.String(), "clamping transfers")

	cfg, err = ParseConfig(sdr.ParseArgs("buffers=8,transfers=0"), lib25, logger)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Stream.Transfers)
}

func TestStreamTimeoutKeys(t *testing.T) {
	cfg, err := ParseConfig(sdr.ParseArgs("stream_timeout_ms=500"), lib25, logging.Default())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.Timeout)

	cfg, err = ParseConfig(sdr.ParseArgs("stream_timeout=250,stream_timeout_ms=500,enable_metadata"), lib25, logging.Default())
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.Timeout)
	assert.True(t, cfg.Stream.Metadata)

	_, err = ParseConfig(sdr.ParseArgs("buffers=many"), lib25, logging.Default())
	assert.Error(t, err)
}

func TestXB200FilterNames(t *testing.T) {
	assert.Equal(t, XB200144M, xb200Filter("144M"))
	assert.Equal(t, XB200Auto3dB, xb200Filter("auto3db"))
	assert.Equal(t, XB200Auto1dB, xb200Filter("bogus"))
}

func TestVersionAtLeast(t *testing.T) {
	v := Version{1, 8, 9}
	assert.True(t, v.AtLeast(1, 8, 9))
	assert.True(t, v.AtLeast(1, 4, 1))
	assert.False(t, v.AtLeast(1, 9, 0))
	assert.False(t, v.AtLeast(2, 0, 0))
	assert.Equal(t, "1.8.9", v.String())
}

func TestRationalRate(t *testing.T) {
	r := RationalRate(1e6 + 0.25)
	assert.Equal(t, Rational{Integer: 1000000, Num: 2500, Den: 10000}, r)
	assert.InDelta(t, 1000000.25, r.Float(), 1e-9)
}
