package bladerf

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
)

func openSim(t *testing.T, args string, cfg SimConfig) (*Source, *Simulator, *bytes.Buffer) {
	t.Helper()
	sim := NewSimulator(cfg)
	var logs bytes.Buffer
	src, err := Open(sim, sdr.ParseArgs(args),
		WithRegistry(NewRegistry()),
		WithLogger(logging.New(logging.Debug, logging.Text, &logs)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src, sim, &logs
}

func TestOpenLogsDeviceInfo(t *testing.T) {
	src, _, logs := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})

	out := logs.String()
	assert.Contains(t, out, "Nuand bladeRF 2.0")
	assert.Contains(t, out, "f12c...1413")
	assert.Contains(t, out, "fpga=0.15.0")
	assert.Equal(t, "Nuand bladeRF SN f12c...1413", src.Info().Label)
	assert.Equal(t, 4096, src.ChunkSize())
}

func TestOpenRequiresConfiguredFPGA(t *testing.T) {
	sim := NewSimulator(SimConfig{})
	_, err := Open(sim, sdr.Args{}, WithRegistry(NewRegistry()))
	assert.ErrorIs(t, err, sdr.ErrDeviceOpenFailed)
	assert.ErrorContains(t, err, "FPGA is not configured")
	assert.False(t, sim.Device(0).IsOpen())
}

func TestOpenLoadsFPGA(t *testing.T) {
	_, sim, _ := openSim(t, "fpga=/opt/hostedxA4.rbf", SimConfig{Manual: true})
	assert.Equal(t, 1, sim.Device(0).FPGALoads())
}

func TestOpenSkipsLoadedFPGAUnlessReload(t *testing.T) {
	_, sim, logs := openSim(t, "fpga=/opt/hostedxA4.rbf", SimConfig{FPGAConfigured: true, Manual: true})
	assert.Zero(t, sim.Device(0).FPGALoads())
	assert.Contains(t, logs.String(), "fpga-reload=1")

	_, sim, _ = openSim(t, "fpga=/opt/hostedxA4.rbf,fpga-reload=1", SimConfig{FPGAConfigured: true, Manual: true})
	assert.Equal(t, 1, sim.Device(0).FPGALoads())
}

func TestOpenAppliesVerbosityTamerAndXB200(t *testing.T) {
	src, sim, logs := openSim(t, "verbosity=debug,tamer=external,xb200=144M",
		SimConfig{Board: "bladerf1", FPGAConfigured: true, Manual: true})

	assert.Equal(t, "debug", sim.Verbosity())
	cs, err := src.ClockSource()
	require.NoError(t, err)
	assert.Equal(t, "external", cs)
	assert.Equal(t, XB200144M, sim.Device(0).XB200Filter())
	assert.Contains(t, logs.String(), "Nuand bladeRF")
}

func TestSampleRateSuggestionsAndActualRate(t *testing.T) {
	src, _, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})

	rates := src.SampleRates()
	require.Len(t, rates, 3)
	assert.Equal(t, 520834.0, rates[0].Start)
	assert.Equal(t, 61.44e6/4, rates[0].Stop)
	assert.Equal(t, 61.44e6, rates[2].Stop)
	assert.Equal(t, 61.44e6/4, rates[2].Step)

	got, err := src.SetSampleRate(2e6 + 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2e6, got)
	assert.Equal(t, 2e6, src.SampleRate())
}

func TestCenterFreqOutOfRangeIsIgnored(t *testing.T) {
	src, _, logs := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})

	got, err := src.SetCenterFreq(915e6)
	require.NoError(t, err)
	assert.Equal(t, 915e6, got)

	got, err = src.SetCenterFreq(10e6)
	require.NoError(t, err)
	assert.Equal(t, 915e6, got)
	assert.Contains(t, logs.String(), "outside range")
}

func TestBandwidthAutoSelect(t *testing.T) {
	src, _, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	_, err := src.SetSampleRate(4e6)
	require.NoError(t, err)

	bw, err := src.SetBandwidth(0)
	require.NoError(t, err)
	assert.Equal(t, 3e6, bw)
}

func TestGainStages(t *testing.T) {
	src, _, logs := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true, Stages: []string{"full", "lna"}})

	assert.Equal(t, []string{"system", "full", "lna"}, src.GainNames())

	got, err := src.SetGain("", 40)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got)
	g, err := src.Gain("system")
	require.NoError(t, err)
	assert.Equal(t, 40.0, g)

	got, err = src.SetGain("lna", 99)
	require.NoError(t, err)
	assert.Equal(t, 60.0, got)

	_, err = src.SetGain("vga9", 10)
	assert.ErrorIs(t, err, sdr.ErrUnsupportedParameter)
	assert.Contains(t, logs.String(), "not supported by device")

	r, err := src.GainRange("system")
	require.NoError(t, err)
	assert.Equal(t, sdr.Range{Start: -15, Stop: 60, Step: 1}, r)
}

func TestGainSetterFailureReportsCommandError(t *testing.T) {
	src, sim, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	sim.Device(0).Fail("bladerf_set_gain", &StatusError{Call: "bladerf_set_gain", Code: StatusIO})

	got, err := src.SetGain("system", 10)
	assert.ErrorIs(t, err, sdr.ErrDeviceCommandFailed)
	assert.Equal(t, 30.0, got)
}

func TestFailedSettersKeepLastAcceptedTuning(t *testing.T) {
	src, sim, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	dev := sim.Device(0)

	_, err := src.SetCenterFreq(915e6)
	require.NoError(t, err)
	_, err = src.SetSampleRate(2e6)
	require.NoError(t, err)
	_, err = src.SetBandwidth(1e6)
	require.NoError(t, err)

	ioErr := &StatusError{Call: "sdk", Code: StatusIO}
	for _, call := range []string{
		"bladerf_set_frequency", "bladerf_get_frequency",
		"bladerf_set_rational_sample_rate", "bladerf_get_rational_sample_rate",
		"bladerf_set_bandwidth", "bladerf_get_bandwidth",
	} {
		dev.Fail(call, ioErr)
	}

	got, err := src.SetCenterFreq(433e6)
	assert.ErrorIs(t, err, sdr.ErrDeviceCommandFailed)
	assert.Equal(t, 915e6, got)
	assert.Equal(t, 915e6, src.CenterFreq())

	got, err = src.SetSampleRate(8e6)
	assert.ErrorIs(t, err, sdr.ErrDeviceCommandFailed)
	assert.Equal(t, 2e6, got)
	assert.Equal(t, 2e6, src.SampleRate())

	got, err = src.SetBandwidth(5e6)
	assert.ErrorIs(t, err, sdr.ErrDeviceCommandFailed)
	assert.Equal(t, 1e6, got)
	assert.Equal(t, 1e6, src.Bandwidth())
}

func TestFailedGainReadIsReported(t *testing.T) {
	src, sim, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	_, err := src.SetGainMode(false)
	require.NoError(t, err)
	_, err = src.SetGain("system", 20)
	require.NoError(t, err)

	ioErr := &StatusError{Call: "sdk", Code: StatusIO}
	sim.Device(0).Fail("bladerf_set_gain", ioErr)
	sim.Device(0).Fail("bladerf_get_gain", ioErr)

	got, err := src.SetGain("system", 50)
	assert.ErrorIs(t, err, sdr.ErrDeviceCommandFailed)
	assert.Equal(t, 20.0, got)
	g, err := src.Gain("system")
	require.NoError(t, err)
	assert.Equal(t, 20.0, g)

	// A stage never read has no cached value, so the read error surfaces.
	_, err = src.SetGain("full", 50)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, sdr.ErrDeviceCommandFailed)
}

func TestGainMode(t *testing.T) {
	src, _, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})

	auto, err := src.SetGainMode(false)
	require.NoError(t, err)
	assert.False(t, auto)
	auto, err = src.SetGainMode(true)
	require.NoError(t, err)
	assert.True(t, auto)
}

func TestAntennaSelectsChannel(t *testing.T) {
	src, sim, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true, Channels: 2})

	assert.Equal(t, []string{"RX1", "RX2"}, src.Antennas())
	name, err := src.SetAntenna("RX2")
	require.NoError(t, err)
	assert.Equal(t, "RX2", name)

	_, err = src.SetCenterFreq(433e6)
	require.NoError(t, err)
	hz, _ := sim.Device(0).Frequency(1)
	assert.Equal(t, uint64(433e6), hz)
	hz, _ = sim.Device(0).Frequency(0)
	assert.Equal(t, uint64(2.4e9), hz)

	require.NoError(t, src.Start())
	streaming, ch := sim.Device(0).Streaming()
	assert.True(t, streaming)
	assert.Equal(t, 1, ch)

	_, err = src.SetAntenna("TX1")
	assert.ErrorIs(t, err, sdr.ErrUnsupportedParameter)
}

func TestClockSources(t *testing.T) {
	src, _, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})

	assert.Equal(t, []string{"internal", "external_1pps", "external"}, src.ClockSources())
	require.NoError(t, src.SetClockSource("external_1pps"))
	cs, err := src.ClockSource()
	require.NoError(t, err)
	assert.Equal(t, "external_1pps", cs)
	assert.ErrorIs(t, src.SetClockSource("gps"), sdr.ErrUnsupportedParameter)
}

func TestSMBRefusedWithExpansionBoard(t *testing.T) {
	src, _, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true, Expansion: true})
	_, err := src.SetSMBFrequency(10e6)
	assert.ErrorIs(t, err, sdr.ErrUnsupportedParameter)

	src, _, logs := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	got, err := src.SetSMBFrequency(38.4e6 + 1234)
	require.NoError(t, err)
	assert.Equal(t, 38.4e6, got)
	assert.Contains(t, logs.String(), "differs from request")
}

func TestCorrectionsAreScaled(t *testing.T) {
	src, sim, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	dev := sim.Device(0)

	require.NoError(t, src.SetDCOffset(complex(0.5, -0.25)))
	assert.Equal(t, int16(1024), dev.Correction(CorrDCOffI))
	assert.Equal(t, int16(-512), dev.Correction(CorrDCOffQ))

	require.NoError(t, src.SetIQBalance(complex(0.125, 0.0625)))
	assert.Equal(t, int16(512), dev.Correction(CorrGain))
	assert.Equal(t, int16(256), dev.Correction(CorrPhase))

	dev.Fail("bladerf_set_correction", errors.New("spi"))
	assert.ErrorIs(t, src.SetDCOffset(0), sdr.ErrDeviceCommandFailed)
}

func TestFreqCorrUnsupported(t *testing.T) {
	src, _, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	_, err := src.SetFreqCorr(1)
	assert.ErrorIs(t, err, sdr.ErrUnsupportedParameter)
}

func TestStreamingThroughReader(t *testing.T) {
	src, sim, _ := openSim(t, "buflen=1024,enable_metadata", SimConfig{FPGAConfigured: true, OverrunEvery: 2, ToneOffset: 100e3})
	require.NoError(t, src.Start())

	buf := make([]complex64, 1024)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		n, err := src.Pull(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, 1024, n)
	}
	require.NoError(t, src.Stop())
	streaming, _ := sim.Device(0).Streaming()
	assert.False(t, streaming)

	st := src.Stats()
	assert.Equal(t, uint64(4), st.Chunks)
	assert.NotZero(t, st.DroppedSamples)

	_, err := src.Pull(ctx, buf)
	assert.ErrorIs(t, err, sdr.ErrEndOfStream)
}

func TestSecondSessionSharesDevice(t *testing.T) {
	sim := NewSimulator(SimConfig{FPGAConfigured: true, Manual: true})
	reg := NewRegistry()

	a, err := Open(sim, sdr.ParseArgs("bladerf=0"), WithRegistry(reg))
	require.NoError(t, err)
	b, err := Open(sim, sdr.Args{}, WithRegistry(reg))
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Opens())

	require.NoError(t, a.Close())
	assert.True(t, sim.Device(0).IsOpen())
	require.NoError(t, b.Close())
	assert.False(t, sim.Device(0).IsOpen())
}

func TestListDevices(t *testing.T) {
	sim := NewSimulator(SimConfig{Serial: "f12ce1037830a1b27f3ceeba1f521413"}, SimConfig{Serial: "abc"})
	devs, err := ListDevices(sim)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "bladerf=0,label='Nuand bladeRF SN f12c...1413',serial=f12ce1037830a1b27f3ceeba1f521413", devs[0].String())
	assert.Equal(t, "bladerf=1,label='Nuand bladeRF SN abc',serial=abc", devs[1].String())
	assert.Equal(t, "abc", devs[1].Serial)
}

func TestStopReleasesParkedEmit(t *testing.T) {
	src, sim, _ := openSim(t, "", SimConfig{FPGAConfigured: true, Manual: true})
	require.NoError(t, src.Start())

	emitted := make(chan struct{})
	go func() {
		_, _ = sim.Device(0).Emit(make([]complex64, src.ChunkSize()), 0)
		close(emitted)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, src.Stop())
	select {
	case <-emitted:
	default:
		t.Fatal("Stop returned while Emit was still delivering")
	}
	streaming, _ := sim.Device(0).Streaming()
	assert.False(t, streaming)
}
