package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatMulT(t *testing.T) {
	a := FromSlice(2, 3, []float32{1, 2, 3, 4, 5, 6})
	b := FromSlice(2, 3, []float32{1, 0, 1, 0, 1, 0})
	out := MatMulT(a, b)
	require.Equal(t, 2, out.Rows)
	require.Equal(t, 2, out.Cols)
	assert.Equal(t, []float32{4, 2, 10, 5}, out.Data)

	direct := MatMul(a, b.Transpose())
	assert.Equal(t, out.Data, direct.Data)
}

func TestLayerNormZeroMeanUnitVariance(t *testing.T) {
	x := FromSlice(1, 4, []float32{1, 2, 3, 4})
	out := LayerNorm(x, []float32{1, 1, 1, 1}, []float32{0, 0, 0, 0}, 1e-5)
	var mean, variance float64
	for _, v := range out.Data {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range out.Data {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4
	assert.InDelta(t, 0, mean, 1e-5)
	assert.InDelta(t, 1, variance, 1e-3)
}

func TestSoftmaxHandlesNegativeInfinity(t *testing.T) {
	ninf := float32(math.Inf(-1))
	p := Softmax([]float32{0, ninf, 0})
	assert.InDelta(t, 0.5, p[0], 1e-6)
	assert.Equal(t, float32(0), p[1])

	lp := LogSoftmax([]float32{0, ninf, 0})
	assert.True(t, math.IsInf(float64(lp[1]), -1))
	assert.InDelta(t, math.Log(0.5), lp[0], 1e-6)

	assert.True(t, math.IsInf(LogSumExp([]float32{ninf, ninf}), -1))
}

func TestConv1DMatchesDirectSum(t *testing.T) {
	// one input channel, one output channel, kernel [1 2 3], padding 1
	x := FromSlice(4, 1, []float32{1, 1, 1, 1})
	out := Conv1D(x, []float32{1, 2, 3}, []float32{0.5}, 1, 3, 1, 1)
	require.Equal(t, 4, out.Rows)
	assert.Equal(t, []float32{5.5, 6.5, 6.5, 3.5}, out.Data)

	strided := Conv1D(x, []float32{1, 2, 3}, []float32{0}, 1, 3, 2, 1)
	require.Equal(t, 2, strided.Rows)
	assert.Equal(t, []float32{5, 6}, strided.Data)
}

func TestNarrowColsAndSetCols(t *testing.T) {
	m := FromSlice(2, 4, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	sub := m.NarrowCols(1, 2)
	assert.Equal(t, []float32{1, 2, 5, 6}, sub.Data)

	dst := New(2, 4)
	dst.SetCols(2, sub)
	assert.Equal(t, []float32{0, 0, 1, 2, 0, 0, 5, 6}, dst.Data)
}
