// Package dsp implements the signal processing the recognizer front end
// needs: windowed-sinc sample-rate conversion, channel downmix and the
// Whisper log-mel spectrogram.
package dsp

import (
	"errors"
	"fmt"
	"math"
)

// Window selects the taper applied to the sinc kernel.
type Window int

const (
	WindowBlackman Window = iota
	WindowBlackmanHarris2
)

// KernelConfig describes a windowed-sinc interpolation kernel.
type KernelConfig struct {
	// HalfLen is the number of zero crossings on each side of the kernel centre.
	HalfLen int
	// Cutoff is the passband edge relative to the lower Nyquist frequency.
	Cutoff float64
	// Oversample is the number of table entries per zero crossing.
	Oversample int
	Window     Window
}

var (
	// StreamKernel favours latency and CPU for live capture.
	StreamKernel = KernelConfig{HalfLen: 16, Cutoff: 0.9, Oversample: 256, Window: WindowBlackman}
	// BatchKernel favours fidelity for whole-file conversion.
	BatchKernel = KernelConfig{HalfLen: 64, Cutoff: 0.95, Oversample: 128, Window: WindowBlackmanHarris2}
)

var ErrInvalidRate = errors.New("dsp: sample rates must be positive")

type kernel struct {
	inRate, outRate int
	scale           float64 // effective cutoff as a fraction of the input rate
	radius          float64 // support in input samples on each side
	halfLen         int
	oversample      int
	table           []float64
}

func newKernel(inRate, outRate int, cfg KernelConfig) (*kernel, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, ErrInvalidRate
	}
	if cfg.HalfLen <= 0 || cfg.Oversample <= 0 || cfg.Cutoff <= 0 || cfg.Cutoff > 1 {
		return nil, fmt.Errorf("dsp: invalid kernel config %+v", cfg)
	}
	scale := cfg.Cutoff * math.Min(1, float64(outRate)/float64(inRate))
	k := &kernel{
		inRate:     inRate,
		outRate:    outRate,
		scale:      scale,
		radius:     float64(cfg.HalfLen) / scale,
		halfLen:    cfg.HalfLen,
		oversample: cfg.Oversample,
		table:      make([]float64, cfg.HalfLen*cfg.Oversample+2),
	}
	for i := range k.table {
		u := float64(i) / float64(cfg.Oversample)
		if u > float64(cfg.HalfLen) {
			break
		}
		k.table[i] = sinc(u) * window(cfg.Window, u/float64(cfg.HalfLen))
	}
	return k, nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// window evaluates a symmetric taper at u in [-1, 1].
func window(w Window, u float64) float64 {
	if u < -1 || u > 1 {
		return 0
	}
	a := math.Pi * u
	switch w {
	case WindowBlackmanHarris2:
		v := 0.35875 + 0.48829*math.Cos(a) + 0.14128*math.Cos(2*a) + 0.01168*math.Cos(3*a)
		return v * v
	default:
		return 0.42 + 0.5*math.Cos(a) + 0.08*math.Cos(2*a)
	}
}

// weight returns the kernel tap for a distance d measured in input samples.
func (k *kernel) weight(d float64) float64 {
	u := math.Abs(d) * k.scale
	if u >= float64(k.halfLen) {
		return 0
	}
	pos := u * float64(k.oversample)
	i := int(pos)
	frac := pos - float64(i)
	return k.scale * (k.table[i]*(1-frac) + k.table[i+1]*frac)
}

// position returns the input-domain time of output sample n.
func (k *kernel) position(n int64) float64 {
	return float64(n*int64(k.inRate)) / float64(k.outRate)
}

// interpolate evaluates one output sample centred at x. at returns the input
// sample for an absolute index and zero outside the signal.
func (k *kernel) interpolate(x float64, at func(int64) float32) float32 {
	lo := int64(math.Ceil(x - k.radius))
	hi := int64(math.Floor(x + k.radius))
	var acc float64
	for j := lo; j <= hi; j++ {
		s := at(j)
		if s == 0 {
			continue
		}
		acc += float64(s) * k.weight(x-float64(j))
	}
	return float32(acc)
}

// Resample converts a whole signal from inRate to outRate using BatchKernel.
func Resample(samples []float32, inRate, outRate int) ([]float32, error) {
	return ResampleWith(samples, inRate, outRate, BatchKernel)
}

// ResampleWith converts a whole signal using the given kernel.
func ResampleWith(samples []float32, inRate, outRate int, cfg KernelConfig) ([]float32, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, ErrInvalidRate
	}
	if inRate == outRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}
	k, err := newKernel(inRate, outRate, cfg)
	if err != nil {
		return nil, err
	}
	n := int64(len(samples))
	at := func(j int64) float32 {
		if j < 0 || j >= n {
			return 0
		}
		return samples[j]
	}
	outLen := n * int64(outRate) / int64(inRate)
	out := make([]float32, outLen)
	for i := int64(0); i < outLen; i++ {
		out[i] = k.interpolate(k.position(i), at)
	}
	return out, nil
}
