// Package tensorcodec defines the typed parameter container exchanged
// between the coordinator and its clients, and the binary codec used
// whenever a parameter map crosses a transport or trust boundary.
package tensorcodec

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// DType identifies the element type of a tensor.
type DType uint8

// Supported element types.
const (
	Float32 DType = iota + 1
	Float64
)

// Size returns the byte width of one element.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Tensor is a dense value: element type, shape, and contiguous raw bytes in
// little-endian order.
type Tensor struct {
	DType DType
	Shape []int64
	Data  []byte
}

// NumElems returns the product of the tensor's dimensions. A tensor with no
// dimensions is a scalar with one element.
func (t *Tensor) NumElems() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int64, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	return &Tensor{DType: t.DType, Shape: shape, Data: data}
}

// Float64s decodes the raw bytes into a float64 slice regardless of the
// stored element type.
func (t *Tensor) Float64s() []float64 {
	n := int(t.NumElems())
	out := make([]float64, n)
	switch t.DType {
	case Float32:
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(t.Data[i*4:])
			out[i] = float64(math.Float32frombits(bits))
		}
	case Float64:
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint64(t.Data[i*8:])
			out[i] = math.Float64frombits(bits)
		}
	}
	return out
}

// SetFloat64s encodes vals into the tensor's raw bytes, converting to the
// tensor's element type.
func (t *Tensor) SetFloat64s(vals []float64) error {
	if int64(len(vals)) != t.NumElems() {
		return errors.Errorf("value count %d does not match tensor with %d elements", len(vals), t.NumElems())
	}
	switch t.DType {
	case Float32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(float32(v)))
		}
	case Float64:
		for i, v := range vals {
			binary.LittleEndian.PutUint64(t.Data[i*8:], math.Float64bits(v))
		}
	default:
		return errors.Errorf("unsupported dtype %d", t.DType)
	}
	return nil
}

// NewTensor allocates a zero-valued tensor of the given type and shape.
func NewTensor(dtype DType, shape []int64) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, errors.Errorf("unsupported dtype %d", dtype)
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Errorf("invalid dimension %d", d)
		}
		n *= d
	}
	cp := make([]int64, len(shape))
	copy(cp, shape)
	return &Tensor{DType: dtype, Shape: cp, Data: make([]byte, n*int64(dtype.Size()))}, nil
}

// NewFloat64 builds a float64 tensor from values.
func NewFloat64(shape []int64, vals []float64) (*Tensor, error) {
	t, err := NewTensor(Float64, shape)
	if err != nil {
		return nil, err
	}
	if err := t.SetFloat64s(vals); err != nil {
		return nil, err
	}
	return t, nil
}

// NewFloat32 builds a float32 tensor from values.
func NewFloat32(shape []int64, vals []float64) (*Tensor, error) {
	t, err := NewTensor(Float32, shape)
	if err != nil {
		return nil, err
	}
	if err := t.SetFloat64s(vals); err != nil {
		return nil, err
	}
	return t, nil
}

// ParameterMap maps parameter names to tensors. Iteration order is the
// sorted key order so that encoding and aggregation are deterministic.
type ParameterMap map[string]*Tensor

// Keys returns the parameter names in sorted order.
func (pm ParameterMap) Keys() []string {
	keys := make([]string, 0, len(pm))
	for k := range pm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the map and every tensor in it.
func (pm ParameterMap) Clone() ParameterMap {
	out := make(ParameterMap, len(pm))
	for k, v := range pm {
		out[k] = v.Clone()
	}
	return out
}

// ErrStructureMismatch marks parameter maps whose key sets, shapes or element
// types do not line up. Non-conformant inputs are rejected, never padded.
var ErrStructureMismatch = errors.New("parameter maps are not conformant")

// Conformant verifies that a and b have identical key sets and, per key,
// identical shapes and element types.
func Conformant(a, b ParameterMap) error {
	if len(a) != len(b) {
		return errors.Wrapf(ErrStructureMismatch, "key counts differ: %d vs %d", len(a), len(b))
	}
	for k, ta := range a {
		tb, ok := b[k]
		if !ok {
			return errors.Wrapf(ErrStructureMismatch, "missing parameter %q", k)
		}
		if ta.DType != tb.DType {
			return errors.Wrapf(ErrStructureMismatch, "parameter %q dtype %s vs %s", k, ta.DType, tb.DType)
		}
		if len(ta.Shape) != len(tb.Shape) {
			return errors.Wrapf(ErrStructureMismatch, "parameter %q rank %d vs %d", k, len(ta.Shape), len(tb.Shape))
		}
		for i := range ta.Shape {
			if ta.Shape[i] != tb.Shape[i] {
				return errors.Wrapf(ErrStructureMismatch, "parameter %q dim %d: %d vs %d", k, i, ta.Shape[i], tb.Shape[i])
			}
		}
	}
	return nil
}
