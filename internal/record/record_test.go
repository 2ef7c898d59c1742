package record

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iq.wav")
	rec, err := Create(path, 768e3)
	require.NoError(t, err)

	require.NoError(t, rec.Write([]complex64{complex(0.5, -0.5), complex(1, -1)}))
	require.NoError(t, rec.Write([]complex64{complex(2, 0)}))
	assert.Equal(t, uint64(3), rec.Samples())
	assert.Equal(t, uint64(1), rec.Clipped())
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	assert.ErrorIs(t, rec.Write([]complex64{0}), ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)

	assert.Equal(t, uint32(768000), dec.SampleRate)
	assert.Equal(t, uint16(2), dec.NumChans)
	assert.Equal(t, uint16(16), dec.BitDepth)
	assert.Equal(t, []int{16384, -16384, 32767, -32767, 32767, 0}, buf.Data)
}

func TestCreateRejectsBadRate(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.wav"), 0)
	assert.Error(t, err)
}
