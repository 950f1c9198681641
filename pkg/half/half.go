// Package half implements the IEEE 754 binary16 storage type used for
// 16-bit tensor elements. Arithmetic always happens in float32; this
// package only converts between the two widths.
package half

import "math"

// Float16 holds the raw binary16 bit pattern:
// 1 sign bit, 5 exponent bits (bias 15), 10 mantissa bits.
type Float16 uint16

const (
	Zero     Float16 = 0x0000
	NegZero  Float16 = 0x8000
	One      Float16 = 0x3C00
	Inf      Float16 = 0x7C00
	NegInf   Float16 = 0xFC00
	NaN      Float16 = 0x7E00
	MaxValue Float16 = 0x7BFF // 65504
)

// FromFloat32 converts with round-to-nearest-even. Values above the
// binary16 range become Inf, values below the smallest denormal become
// signed zero.
func FromFloat32(f float32) Float16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits>>23)&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	switch {
	case exp <= 0:
		if exp < -10 {
			return Float16(sign)
		}
		// Denormal result: shift in the implicit leading 1, then round.
		mant = (mant | 0x800000) >> uint(1-exp)
		if mant&0x1000 != 0 && mant&0x2FFF != 0 {
			mant += 0x2000
		}
		return Float16(sign | uint16(mant>>13))
	case exp == 0xFF-127+15:
		if mant != 0 {
			return Float16(sign|0x7E00) | Float16(mant>>13)&0x1FF
		}
		return Float16(sign | 0x7C00)
	case exp >= 31:
		return Float16(sign | 0x7C00)
	}

	// Round to nearest even: bit 12 rounds, ties go to even.
	if mant&0x1000 != 0 && mant&0x2FFF != 0 {
		mant += 0x2000
		if mant&0x800000 != 0 {
			mant = 0
			exp++
			if exp >= 31 {
				return Float16(sign | 0x7C00)
			}
		}
	}
	return Float16(sign | uint16(exp)<<10 | uint16(mant>>13))
}

// Float32 expands h to float32. Denormals, infinities and NaN payloads
// all survive the trip.
func (h Float16) Float32() float32 {
	bits := uint32(h)
	sign := bits >> 15
	exp := (bits >> 10) & 0x1F
	mant := bits & 0x3FF

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign << 31)
		}
		// Normalize the denormal.
		exp = 1
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		mant &= 0x3FF
		exp = uint32(int32(exp) + 127 - 15)
	case 31:
		if mant == 0 {
			return math.Float32frombits(sign<<31 | 0x7F800000)
		}
		return math.Float32frombits(sign<<31 | 0x7FC00000 | mant<<13)
	default:
		exp = exp + 127 - 15
	}
	return math.Float32frombits(sign<<31 | exp<<23 | mant<<13)
}

func (h Float16) IsNaN() bool {
	return h&0x7C00 == 0x7C00 && h&0x3FF != 0
}

func (h Float16) IsInf() bool {
	return h&0x7FFF == 0x7C00
}

// Bits returns the raw bit pattern.
func (h Float16) Bits() uint16 { return uint16(h) }

// FromBits reinterprets a raw bit pattern.
func FromBits(b uint16) Float16 { return Float16(b) }

// FromFloat32s converts src into dst element by element. Panics if dst
// is shorter than src.
func FromFloat32s(src []float32, dst []Float16) {
	for i, v := range src {
		dst[i] = FromFloat32(v)
	}
}

// ToFloat32s converts src into dst element by element. Panics if dst is
// shorter than src.
func ToFloat32s(src []Float16, dst []float32) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}
