// Package tensor holds the small set of dense float32 operations the Whisper
// network needs. Matrices are row-major; heavy products go through gonum BLAS.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// New allocates a zeroed rows×cols matrix.
func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromSlice wraps data without copying. It panics when the length does not
// match the shape, mirroring gonum's constructors.
func FromSlice(rows, cols int, data []float32) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: data length %d does not match %dx%d", len(data), rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}
}

func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

func (m *Matrix) At(i, j int) float32 {
	return m.Data[i*m.Cols+j]
}

func (m *Matrix) Set(i, j int, v float32) {
	m.Data[i*m.Cols+j] = v
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := New(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// NarrowRows returns a view of n rows starting at start. The view shares
// storage with m.
func (m *Matrix) NarrowRows(start, n int) *Matrix {
	return &Matrix{Rows: n, Cols: m.Cols, Data: m.Data[start*m.Cols : (start+n)*m.Cols]}
}

// NarrowCols copies n columns starting at start into a new matrix.
func (m *Matrix) NarrowCols(start, n int) *Matrix {
	out := New(m.Rows, n)
	for i := 0; i < m.Rows; i++ {
		copy(out.Row(i), m.Data[i*m.Cols+start:i*m.Cols+start+n])
	}
	return out
}

// SetCols writes src into the columns of m starting at start.
func (m *Matrix) SetCols(start int, src *Matrix) {
	for i := 0; i < src.Rows; i++ {
		copy(m.Data[i*m.Cols+start:i*m.Cols+start+src.Cols], src.Row(i))
	}
}

func (m *Matrix) Transpose() *Matrix {
	out := New(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*m.Rows+i] = v
		}
	}
	return out
}

func (m *Matrix) general() blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}

// MatMul returns a·b for a (r×k) and b (k×n).
func MatMul(a, b *Matrix) *Matrix {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: matmul shape mismatch %dx%d · %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, b.Cols)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a.general(), b.general(), 0, out.general())
	return out
}

// MatMulT returns a·bᵀ for a (r×k) and b (n×k). Linear layer weights are
// stored out×in, so this is the common product.
func MatMulT(a, b *Matrix) *Matrix {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: matmulT shape mismatch %dx%d · (%dx%d)ᵀ", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, b.Rows)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a.general(), b.general(), 0, out.general())
	return out
}

// AddRowVector adds v to every row in place.
func (m *Matrix) AddRowVector(v []float32) {
	if len(v) == 0 {
		return
	}
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] += v[j]
		}
	}
}

// Add accumulates o into m in place.
func (m *Matrix) Add(o *Matrix) {
	for i := range m.Data {
		m.Data[i] += o.Data[i]
	}
}

// Scale multiplies every element in place.
func (m *Matrix) Scale(f float32) {
	for i := range m.Data {
		m.Data[i] *= f
	}
}
