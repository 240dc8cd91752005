package tensor

import (
	"math"
)

// LayerNorm normalizes each row and applies gamma/beta.
func LayerNorm(x *Matrix, gamma, beta []float32, eps float64) *Matrix {
	out := New(x.Rows, x.Cols)
	n := float64(x.Cols)
	for i := 0; i < x.Rows; i++ {
		row := x.Row(i)
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= n
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= n
		inv := 1 / math.Sqrt(variance+eps)
		dst := out.Row(i)
		for j, v := range row {
			dst[j] = float32((float64(v)-mean)*inv)*gamma[j] + beta[j]
		}
	}
	return out
}

// GELU applies the erf form of the Gaussian error linear unit in place.
func GELU(x *Matrix) {
	for i, v := range x.Data {
		f := float64(v)
		x.Data[i] = float32(0.5 * f * (1 + math.Erf(f/math.Sqrt2)))
	}
}

// SoftmaxRows applies softmax to each row in place.
func SoftmaxRows(x *Matrix) {
	for i := 0; i < x.Rows; i++ {
		softmaxInPlace(x.Row(i))
	}
}

func softmaxInPlace(v []float32) {
	maxV := float32(math.Inf(-1))
	for _, x := range v {
		if x > maxV {
			maxV = x
		}
	}
	if math.IsInf(float64(maxV), -1) {
		for i := range v {
			v[i] = 0
		}
		return
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxV))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}

// Softmax returns a normalized copy of v.
func Softmax(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	softmaxInPlace(out)
	return out
}

// LogSoftmax returns log(softmax(v)) computed stably.
func LogSoftmax(v []float32) []float32 {
	lse := LogSumExp(v)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) - lse)
	}
	return out
}

// LogSumExp returns log Σ exp(v). An empty or all -Inf input yields -Inf.
func LogSumExp(v []float32) float64 {
	maxV := math.Inf(-1)
	for _, x := range v {
		if float64(x) > maxV {
			maxV = float64(x)
		}
	}
	if math.IsInf(maxV, -1) {
		return maxV
	}
	var sum float64
	for _, x := range v {
		sum += math.Exp(float64(x) - maxV)
	}
	return maxV + math.Log(sum)
}

// Argmax returns the index of the largest element, the first on ties.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Conv1D runs a 1-D convolution over time-major input x (T×Cin) with weights
// laid out as Cout×Cin×K. The result is time-major (Tout×Cout).
func Conv1D(x *Matrix, weight []float32, bias []float32, cout, kernel, stride, pad int) *Matrix {
	cin := x.Cols
	tout := (x.Rows+2*pad-kernel)/stride + 1
	cols := New(tout, cin*kernel)
	for t := 0; t < tout; t++ {
		dst := cols.Row(t)
		for k := 0; k < kernel; k++ {
			src := t*stride + k - pad
			if src < 0 || src >= x.Rows {
				continue
			}
			in := x.Row(src)
			for c := 0; c < cin; c++ {
				dst[c*kernel+k] = in[c]
			}
		}
	}
	out := MatMulT(cols, FromSlice(cout, cin*kernel, weight))
	out.AddRowVector(bias)
	return out
}
