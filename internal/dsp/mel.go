package dsp

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/tensor"
	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	SampleRate = 16000
	NFFT       = 400
	HopLength  = 160
	// ChunkLength is the model's context in seconds.
	ChunkLength = 30
	// NFrames is the number of mel frames in one model context.
	NFrames = ChunkLength * SampleRate / HopLength

	nBins = NFFT/2 + 1
)

var hann = sync.OnceValue(func() []float64 {
	w := make([]float64, NFFT)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(NFFT)))
	}
	return w
})

// LoadMelFilters reads a raw little-endian float32 filter bank of shape
// nMels×(NFFT/2+1).
func LoadMelFilters(path string, nMels int) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mel filters: %w", err)
	}
	want := nMels * nBins
	if len(data) != want*4 {
		return nil, fmt.Errorf("mel filters %s: got %d bytes, want %d for %d mel bins", path, len(data), want*4, nMels)
	}
	filters := make([]float32, want)
	for i := range filters {
		filters[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return filters, nil
}

// PaddedFrames returns the number of mel frames produced for n samples: the
// hop count rounded up to half a context, plus half a context of silence.
func PaddedFrames(n int) int {
	pad := NFrames / 2
	frames := n / HopLength
	if frames%pad != 0 {
		frames = (frames/pad + 1) * pad
	}
	return frames + pad
}

// LogMelSpectrogram converts 16 kHz mono samples into the normalized
// log-mel representation the encoder consumes, laid out nMels×frames.
func LogMelSpectrogram(samples []float32, filters []float32, nMels int) (*tensor.Matrix, error) {
	if len(filters) != nMels*nBins {
		return nil, fmt.Errorf("mel filters: got %d values, want %d", len(filters), nMels*nBins)
	}
	frames := PaddedFrames(len(samples))
	padded := frames * HopLength
	win := hann()
	fft := fourier.NewFFT(NFFT)
	frame := make([]float64, NFFT)
	coeffs := make([]complex128, nBins)
	power := make([]float64, nBins)

	mel := tensor.New(nMels, frames)
	maxV := math.Inf(-1)
	for f := 0; f < frames; f++ {
		offset := f * HopLength
		for j := range frame {
			idx := offset + j
			if idx < len(samples) && idx < padded {
				frame[j] = win[j] * float64(samples[idx])
			} else {
				frame[j] = 0
			}
		}
		coeffs = fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}
		// fold the mirrored half of the two-sided spectrum
		for k := 1; k < NFFT/2; k++ {
			power[k] *= 2
		}
		for m := 0; m < nMels; m++ {
			bank := filters[m*nBins : (m+1)*nBins]
			var sum float64
			for k, p := range power {
				sum += p * float64(bank[k])
			}
			v := math.Log10(math.Max(sum, 1e-10))
			mel.Data[m*frames+f] = float32(v)
			if v > maxV {
				maxV = v
			}
		}
	}

	floor := float32(maxV - 8)
	for i, v := range mel.Data {
		if v < floor {
			v = floor
		}
		mel.Data[i] = (v + 4) / 4
	}
	return mel, nil
}

// Downmix averages interleaved frames to mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	inv := 1 / float32(channels)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum * inv
	}
	return out
}

// Int16ToFloat32 scales signed 16-bit PCM into [-1, 1].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32767
	}
	return out
}
