package dsp

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func streamAll(t *testing.T, r *StreamResampler, in []float32) []float32 {
	t.Helper()
	var out []float32
	for off := 0; off+r.BlockSize() <= len(in); off += r.BlockSize() {
		got, err := r.Process(in[off : off+r.BlockSize()])
		require.NoError(t, err)
		out = append(out, got...)
	}
	return out
}

func TestStreamMatchesBatchWithSameKernel(t *testing.T) {
	in := sine(440, 48000, 48000)
	r, err := NewStreamResampler(48000, 16000, 1024, StreamKernel)
	require.NoError(t, err)
	streamed := streamAll(t, r, in)

	batch, err := ResampleWith(in, 48000, 16000, StreamKernel)
	require.NoError(t, err)
	require.NotEmpty(t, streamed)
	require.LessOrEqual(t, len(streamed), len(batch))
	for i := range streamed {
		require.InDelta(t, batch[i], streamed[i], 1e-6, "sample %d", i)
	}
}

func TestStreamAgreesWithHighQualityBatch(t *testing.T) {
	in := sine(440, 48000, 3*48000)
	r, err := NewStreamResampler(48000, 16000, 1024, StreamKernel)
	require.NoError(t, err)
	streamed := streamAll(t, r, in)

	batch, err := Resample(in, 48000, 16000)
	require.NoError(t, err)

	// skip the start-up region where the two kernels see different zero padding
	for i := 200; i < len(streamed); i++ {
		require.InDelta(t, batch[i], streamed[i], 1e-2, "sample %d", i)
	}
}

func TestResampledSineKeepsAmplitude(t *testing.T) {
	out, err := Resample(sine(440, 44100, 44100), 44100, 16000)
	require.NoError(t, err)
	assert.Len(t, out, 16000)
	var peak float32
	for _, v := range out[1000:15000] {
		if v > peak {
			peak = v
		}
	}
	assert.InDelta(t, 0.5, peak, 0.01)
}

func TestStreamRejectsWrongBlockSize(t *testing.T) {
	r, err := NewStreamResampler(48000, 16000, 1024, StreamKernel)
	require.NoError(t, err)
	_, err = r.Process(make([]float32, 100))
	assert.True(t, errors.Is(err, ErrBlockSize))
}

func TestResampleSameRateCopies(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out, err := Resample(in, 16000, 16000)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	out[0] = 1
	assert.Equal(t, float32(0.1), in[0])

	_, err = Resample(in, 0, 16000)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestPaddedFrames(t *testing.T) {
	assert.Equal(t, 3000, PaddedFrames(16000))
	assert.Equal(t, 4500, PaddedFrames(30*16000))
	assert.Equal(t, 1500, PaddedFrames(0))
}

func identityFilters(nMels int) []float32 {
	f := make([]float32, nMels*nBins)
	for m := 0; m < nMels; m++ {
		f[m*nBins+m*25] = 1
	}
	return f
}

func TestLogMelSpectrogramShapeAndRange(t *testing.T) {
	samples := sine(1000, SampleRate, SampleRate)
	mel, err := LogMelSpectrogram(samples, identityFilters(8), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, mel.Rows)
	assert.Equal(t, 3000, mel.Cols)

	maxV := float32(math.Inf(-1))
	minV := float32(math.Inf(1))
	for _, v := range mel.Data {
		maxV = max(maxV, v)
		minV = min(minV, v)
	}
	// values are clamped to eight decades below the peak before scaling
	assert.InDelta(t, 2, maxV-minV, 1e-4)
}

func TestLogMelSilenceIsFlat(t *testing.T) {
	mel, err := LogMelSpectrogram(make([]float32, 8000), identityFilters(4), 4)
	require.NoError(t, err)
	want := float32((-10 + 4) / 4.0)
	for _, v := range mel.Data {
		require.InDelta(t, want, v, 1e-6)
	}
}

func TestLogMelRejectsBadFilters(t *testing.T) {
	_, err := LogMelSpectrogram(make([]float32, 10), make([]float32, 3), 80)
	assert.Error(t, err)
}

func TestLoadMelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "melfilters.bytes")
	filters := identityFilters(2)
	buf := make([]byte, len(filters)*4)
	for i, v := range filters {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	got, err := LoadMelFilters(path, 2)
	require.NoError(t, err)
	assert.Equal(t, filters, got)

	_, err = LoadMelFilters(path, 80)
	assert.Error(t, err)
}

func TestDownmix(t *testing.T) {
	assert.Equal(t, []float32{0.5, 0}, Downmix([]float32{1, 0, 0.5, -0.5}, 2))
	assert.Equal(t, []float32{0.25}, Downmix([]float32{0.25}, 1))
	assert.InDelta(t, 1.0, Int16ToFloat32([]int16{32767})[0], 1e-7)
}
