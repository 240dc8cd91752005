package dsp

import (
	"errors"
	"fmt"
	"math"
)

var ErrBlockSize = errors.New("dsp: resampler input must be exactly one block")

// StreamResampler converts fixed-size blocks of a continuous signal. History
// between blocks is kept so that concatenated outputs equal a whole-signal
// conversion with the same kernel, minus the not-yet-computable tail.
type StreamResampler struct {
	k         *kernel
	blockSize int
	buf       []float32
	bufStart  int64 // absolute index of buf[0]
	next      int64 // next output sample index
}

// NewStreamResampler builds a resampler that accepts exactly blockSize input
// frames per call.
func NewStreamResampler(inRate, outRate, blockSize int, cfg KernelConfig) (*StreamResampler, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("dsp: block size must be positive, got %d", blockSize)
	}
	k, err := newKernel(inRate, outRate, cfg)
	if err != nil {
		return nil, err
	}
	return &StreamResampler{k: k, blockSize: blockSize}, nil
}

func (r *StreamResampler) BlockSize() int {
	return r.blockSize
}

// Process consumes one block and returns every output sample whose kernel
// support is now fully available.
func (r *StreamResampler) Process(block []float32) ([]float32, error) {
	if len(block) != r.blockSize {
		return nil, fmt.Errorf("%w: got %d frames, want %d", ErrBlockSize, len(block), r.blockSize)
	}
	r.buf = append(r.buf, block...)
	end := r.bufStart + int64(len(r.buf))

	at := func(j int64) float32 {
		if j < r.bufStart || j >= end {
			return 0
		}
		return r.buf[j-r.bufStart]
	}

	var out []float32
	for {
		x := r.k.position(r.next)
		if int64(math.Floor(x+r.k.radius)) >= end {
			break
		}
		out = append(out, r.k.interpolate(x, at))
		r.next++
	}

	// drop history no future output can reach
	keepFrom := int64(math.Ceil(r.k.position(r.next)-r.k.radius)) - 1
	if keepFrom > r.bufStart {
		drop := keepFrom - r.bufStart
		if drop > int64(len(r.buf)) {
			drop = int64(len(r.buf))
		}
		n := copy(r.buf, r.buf[drop:])
		r.buf = r.buf[:n]
		r.bufStart += drop
	}
	return out, nil
}
