package sdr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	a := ParseArgs("bladerf=0,label='Nuand bladeRF SN 1234' buflen=8192,,enable_metadata")

	assert.Equal(t, "0", a.String("bladerf"))
	assert.Equal(t, "Nuand bladeRF SN 1234", a.String("label"))
	assert.True(t, a.Has("enable_metadata"))
	assert.False(t, a.Has("fpga"))

	n, err := a.Int("buflen", 4096)
	require.NoError(t, err)
	assert.Equal(t, 8192, n)

	n, err = a.Int("buffers", 512)
	require.NoError(t, err)
	assert.Equal(t, 512, n)

	_, err = ParseArgs("smb=fast").Float("smb", 0)
	assert.Error(t, err)
}

func TestArgsEncodeRoundTrip(t *testing.T) {
	in := Args{"serial": "3b52ab5dac9c1f05", "label": "Airspy HF"}
	out := ParseArgs(in.Encode())
	assert.Equal(t, in, out)
}

func TestRangeClip(t *testing.T) {
	att := Range{Start: -48, Stop: 0, Step: 6}
	assert.Equal(t, -48.0, att.Clip(-50))
	assert.Equal(t, 0.0, att.Clip(12))
	assert.Equal(t, -6.0, att.Clip(-4))
	assert.Equal(t, -12.0, att.Clip(-10))
	assert.True(t, att.Contains(-24))
	assert.False(t, att.Contains(1))

	cont := Range{Start: 9e3, Stop: 260e6}
	assert.Equal(t, 14e6, cont.Clip(14e6))
}

func TestMetaRange(t *testing.T) {
	m := MetaRange{Point(768e3), Point(192e3), Range{Start: 1, Stop: 3, Step: 1}}
	assert.Equal(t, Range{Start: 1, Stop: 768e3}, m.Bounds())
	assert.Equal(t, []float64{768e3, 192e3, 1, 2, 3}, m.Values())
	assert.Equal(t, Range{}, MetaRange(nil).Bounds())
}

func TestErrorTaxonomy(t *testing.T) {
	cmd := CommandFailed("set sample rate", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, cmd, ErrDeviceCommandFailed)
	assert.ErrorIs(t, cmd, io.ErrUnexpectedEOF)
	assert.Nil(t, CommandFailed("noop", nil))

	open := &OpenError{Device: "serial=1", Err: errors.New("busy")}
	assert.ErrorIs(t, open, ErrDeviceOpenFailed)
	assert.Contains(t, open.Error(), "serial=1")

	assert.ErrorIs(t, Unsupported("gain stage", "VGA9"), ErrUnsupportedParameter)
}

func TestDeviceInfoString(t *testing.T) {
	d := DeviceInfo{Driver: "airspyhf", Index: 0, Label: "AirspyHF", Serial: "3b52ab5dac9c1f05"}
	assert.Equal(t, "airspyhf=0,label='AirspyHF',serial=3b52ab5dac9c1f05", d.String())
	assert.Equal(t, "3b52ab5dac9c1f05", d.Args()["serial"])
	assert.Equal(t, "abcd...wxyz", AbbreviateSerial("abcd"+"012345678901234567890123"+"wxyz"))
}
