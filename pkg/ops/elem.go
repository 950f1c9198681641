package ops

import "github.com/samcharles93/gradbits/pkg/half"

// Element is the set of tensor element types the kernels accept.
// Arithmetic is always float32; 16-bit elements round through float32
// at block boundaries.
type Element interface {
	float32 | half.Float16
}

// DType identifies an element type at dispatch time.
type DType uint8

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F16:
		return "float16"
	default:
		return "unknown"
	}
}

// ParseDType maps a config string to a DType.
func ParseDType(s string) (DType, bool) {
	switch s {
	case "float32", "f32", "fp32":
		return F32, true
	case "float16", "f16", "fp16":
		return F16, true
	default:
		return F32, false
	}
}

func dtypeOf[T Element]() DType {
	var z T
	switch any(z).(type) {
	case half.Float16:
		return F16
	default:
		return F32
	}
}

// loadBlock widens one block of elements into float32 scratch.
func loadBlock[T Element](dst []float32, src []T) {
	switch s := any(src).(type) {
	case []float32:
		copy(dst, s)
	case []half.Float16:
		half.ToFloat32s(s, dst)
	}
}

// storeBlock narrows float32 scratch back into the element buffer.
func storeBlock[T Element](dst []T, src []float32) {
	switch d := any(dst).(type) {
	case []float32:
		copy(d, src)
	case []half.Float16:
		half.FromFloat32s(src, d)
	}
}
