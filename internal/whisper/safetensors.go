package whisper

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

type weights struct {
	path    string
	data    []byte
	tensors map[string]tensorInfo
}

func openWeights(path string) (*weights, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("weights %s: file too short", path)
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("weights %s: header length %d exceeds file", path, headerLen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("weights %s: parse header: %w", path, err)
	}
	w := &weights{path: path, data: raw[8+headerLen:], tensors: make(map[string]tensorInfo, len(header))}
	for name, msg := range header {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("weights %s: tensor %s: %w", path, name, err)
		}
		if info.Offsets[0] < 0 || info.Offsets[1] < info.Offsets[0] || info.Offsets[1] > int64(len(w.data)) {
			return nil, fmt.Errorf("weights %s: tensor %s has invalid offsets", path, name)
		}
		w.tensors[name] = info
	}
	return w, nil
}

func (w *weights) has(name string) bool {
	_, ok := w.tensors[name]
	return ok
}

// get decodes a tensor into float32 and checks its shape.
func (w *weights) get(name string, shape ...int) ([]float32, error) {
	info, ok := w.tensors[name]
	if !ok {
		return nil, fmt.Errorf("weights %s: missing tensor %s", w.path, name)
	}
	if len(shape) > 0 && !sameShape(info.Shape, shape) {
		return nil, fmt.Errorf("weights %s: tensor %s has shape %v, want %v", w.path, name, info.Shape, shape)
	}
	n := 1
	for _, d := range info.Shape {
		n *= d
	}
	buf := w.data[info.Offsets[0]:info.Offsets[1]]
	out := make([]float32, n)
	switch info.DType {
	case "F32":
		if len(buf) != n*4 {
			return nil, fmt.Errorf("weights %s: tensor %s size mismatch", w.path, name)
		}
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	case "F16":
		if len(buf) != n*2 {
			return nil, fmt.Errorf("weights %s: tensor %s size mismatch", w.path, name)
		}
		for i := range out {
			out[i] = halfToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		}
	case "BF16":
		if len(buf) != n*2 {
			return nil, fmt.Errorf("weights %s: tensor %s size mismatch", w.path, name)
		}
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
		}
	default:
		return nil, fmt.Errorf("weights %s: tensor %s has unsupported dtype %s", w.path, name, info.DType)
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// halfToFloat32 widens an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}
