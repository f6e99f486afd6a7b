package engine

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Tensor and Session are opaque handles owned by the backend that produced them.
// Zero is never a valid handle.
type (
	Tensor  uintptr
	Session uintptr
)

// DataType is the element type of a tensor. Values match the native ABI.
type DataType int32

const (
	Float32 DataType = 1
	Uint8   DataType = 2
	Int32   DataType = 6
	Int64   DataType = 7
	Bool    DataType = 9
	Float64 DataType = 11
)

// Size returns the element size in bytes, or 0 for an unknown type.
func (d DataType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("dtype(%d)", int32(d))
	}
}

// Shape is a tensor shape. Every dimension must be positive.
type Shape []int64

// Elements returns the number of elements described by the shape. The result is only
// meaningful for a shape that passed Validate.
func (s Shape) Elements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects empty shapes, non-positive dimensions and element counts that do
// not fit in an int64.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("shape has no dimensions")
	}
	n := int64(1)
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("dimension %d is %d, must be positive", i, d)
		}
		var ok bool
		if n, ok = mulInt64(n, d); !ok {
			return fmt.Errorf("shape %s overflows int64 elements", s)
		}
	}
	return nil
}

// mulInt64 multiplies two positive values, reporting false on overflow.
func mulInt64(a, b int64) (int64, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// CheckBuffer verifies that data holds exactly shape.Elements() values of dtype.
func CheckBuffer(dtype DataType, shape Shape, data []byte) error {
	size := dtype.Size()
	if size == 0 {
		return fmt.Errorf("unsupported data type %s", dtype)
	}
	if err := shape.Validate(); err != nil {
		return err
	}
	want, ok := mulInt64(shape.Elements(), int64(size))
	if !ok {
		return fmt.Errorf("shape %s of %s overflows the addressable size", shape, dtype)
	}
	if int64(len(data)) != want {
		return fmt.Errorf("buffer has %d bytes, shape %s of %s needs %d", len(data), shape, dtype, want)
	}
	return nil
}

// NamedTensor binds a tensor handle to a model input name.
type NamedTensor struct {
	Name   string
	Tensor Tensor
}

// SessionOptions are passed to CreateSession. Backends that discover names and shapes
// from the model ignore the name and shape fields.
type SessionOptions struct {
	Threads     int
	InputNames  []string
	OutputNames []string
	// OutputShapes parallels OutputNames. A dimension of -1 takes the batch size of the
	// first input.
	OutputShapes []Shape
	// Providers overrides the backend's execution providers for this session, in
	// order of preference. Backends without execution providers ignore it.
	Providers []string
}

// Variant identifies which provider family produced a table.
type Variant string

const (
	VariantStatic      Variant = "static"
	VariantDynamic     Variant = "dynamic"
	VariantAlternative Variant = "alternative"
)
