package whisper

import (
	"math"

	"github.com/loqalabs/loqa-stt/internal/tensor"
)

// linear is a projection with weights stored out×in.
type linear interface {
	forward(x *tensor.Matrix) *tensor.Matrix
}

// linearFactory builds a projection from float32 weights. The factory decides
// the in-memory representation.
type linearFactory func(out, in int, w, b []float32) linear

type denseLinear struct {
	w *tensor.Matrix
	b []float32
}

func newDense(out, in int, w, b []float32) linear {
	return &denseLinear{w: tensor.FromSlice(out, in, w), b: b}
}

func (l *denseLinear) forward(x *tensor.Matrix) *tensor.Matrix {
	y := tensor.MatMulT(x, l.w)
	y.AddRowVector(l.b)
	return y
}

const q8BlockSize = 32

// q8Linear stores weights as signed bytes in blocks of 32 along the input
// dimension, each block with its own scale.
type q8Linear struct {
	out, in int
	blocks  int
	q       []int8
	scales  []float32
	b       []float32
}

func newQ8(out, in int, w, b []float32) linear {
	blocks := (in + q8BlockSize - 1) / q8BlockSize
	l := &q8Linear{
		out:    out,
		in:     in,
		blocks: blocks,
		q:      make([]int8, out*in),
		scales: make([]float32, out*blocks),
		b:      b,
	}
	for o := 0; o < out; o++ {
		row := w[o*in : (o+1)*in]
		for blk := 0; blk < blocks; blk++ {
			lo := blk * q8BlockSize
			hi := min(lo+q8BlockSize, in)
			var amax float32
			for _, v := range row[lo:hi] {
				amax = max(amax, float32(math.Abs(float64(v))))
			}
			scale := amax / 127
			l.scales[o*blocks+blk] = scale
			if scale == 0 {
				continue
			}
			for i := lo; i < hi; i++ {
				l.q[o*in+i] = int8(math.Round(float64(row[i] / scale)))
			}
		}
	}
	return l
}

func (l *q8Linear) forward(x *tensor.Matrix) *tensor.Matrix {
	y := tensor.New(x.Rows, l.out)
	for r := 0; r < x.Rows; r++ {
		in := x.Row(r)
		dst := y.Row(r)
		for o := 0; o < l.out; o++ {
			q := l.q[o*l.in : (o+1)*l.in]
			var acc float32
			for blk := 0; blk < l.blocks; blk++ {
				lo := blk * q8BlockSize
				hi := min(lo+q8BlockSize, l.in)
				var part float32
				for i := lo; i < hi; i++ {
					part += float32(q[i]) * in[i]
				}
				acc += part * l.scales[o*l.blocks+blk]
			}
			dst[o] = acc
		}
	}
	y.AddRowVector(l.b)
	return y
}
