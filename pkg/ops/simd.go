package ops

import "simd/archsimd"

// cpuFeatures holds detected CPU capabilities, checked once at init.
type cpuFeatures struct {
	HasAVX2 bool
}

var cpu cpuFeatures

func init() {
	cpu.HasAVX2 = archsimd.X86.AVX2()
}

// HasAVX2 reports whether the vector fast paths are active on this host.
func HasAVX2() bool { return cpu.HasAVX2 }

// sumSquares returns the sum of v[i]^2.
func sumSquares(v []float32) float32 {
	if cpu.HasAVX2 && len(v) >= 16 {
		return sumSquaresSIMD(v)
	}
	return sumSquaresScalar(v)
}

func sumSquaresScalar(v []float32) float32 {
	var sum float32
	j := 0
	for ; j+3 < len(v); j += 4 {
		sum += v[j]*v[j] + v[j+1]*v[j+1] + v[j+2]*v[j+2] + v[j+3]*v[j+3]
	}
	for ; j < len(v); j++ {
		sum += v[j] * v[j]
	}
	return sum
}

func sumSquaresSIMD(v []float32) float32 {
	var acc archsimd.Float32x8
	j := 0
	for ; j+8 <= len(v); j += 8 {
		x := archsimd.LoadFloat32x8Slice(v[j:])
		acc = acc.Add(x.Mul(x))
	}

	var tmp [8]float32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]

	for ; j < len(v); j++ {
		sum += v[j] * v[j]
	}
	return sum
}

// absMax returns max(|v[i]|), 0 for an empty slice.
func absMax(v []float32) float32 {
	if cpu.HasAVX2 && len(v) >= 16 {
		return absMaxSIMD(v)
	}
	return absMaxScalar(v)
}

func absMaxScalar(v []float32) float32 {
	var m float32
	j := 0
	for ; j+3 < len(v); j += 4 {
		a0, a1, a2, a3 := v[j], v[j+1], v[j+2], v[j+3]
		if a0 < 0 {
			a0 = -a0
		}
		if a1 < 0 {
			a1 = -a1
		}
		if a2 < 0 {
			a2 = -a2
		}
		if a3 < 0 {
			a3 = -a3
		}
		if a1 > a0 {
			a0 = a1
		}
		if a3 > a2 {
			a2 = a3
		}
		if a2 > a0 {
			a0 = a2
		}
		if a0 > m {
			m = a0
		}
	}
	for ; j < len(v); j++ {
		a := v[j]
		if a < 0 {
			a = -a
		}
		if a > m {
			m = a
		}
	}
	return m
}

func absMaxSIMD(v []float32) float32 {
	zero := archsimd.BroadcastFloat32x8(0)
	acc := zero
	j := 0
	for ; j+8 <= len(v); j += 8 {
		x := archsimd.LoadFloat32x8Slice(v[j:])
		// |x| = max(x, 0-x)
		acc = acc.Max(x.Max(zero.Sub(x)))
	}

	var tmp [8]float32
	acc.Store(&tmp)
	m := tmp[0]
	for _, t := range tmp[1:] {
		if t > m {
			m = t
		}
	}

	for ; j < len(v); j++ {
		a := v[j]
		if a < 0 {
			a = -a
		}
		if a > m {
			m = a
		}
	}
	return m
}
