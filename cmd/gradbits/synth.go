package main

import (
	"math/rand"

	"github.com/samcharles93/gradbits/pkg/half"
	"github.com/samcharles93/gradbits/pkg/ops"
	"github.com/samcharles93/gradbits/pkg/optim"
)

// Synthetic tensor helpers shared by the quantize, bench and
// train-step commands.

func fillNormal[T ops.Element](dst []T, rng *rand.Rand, scale float64) {
	switch d := any(dst).(type) {
	case []float32:
		for i := range d {
			d[i] = float32(rng.NormFloat64() * scale)
		}
	case []half.Float16:
		for i := range d {
			d[i] = half.FromFloat32(float32(rng.NormFloat64() * scale))
		}
	}
}

func asFloats[T ops.Element](v []T) []float32 {
	out := make([]float32, len(v))
	switch s := any(v).(type) {
	case []float32:
		copy(out, s)
	case []half.Float16:
		half.ToFloat32s(s, out)
	}
	return out
}

func makeParam[T ops.Element](name string, data, grad []T) *optim.Param {
	p := &optim.Param{Name: name}
	switch d := any(data).(type) {
	case []float32:
		p.Data32 = d
		p.Grad32 = any(grad).([]float32)
	case []half.Float16:
		p.Data16 = d
		p.Grad16 = any(grad).([]half.Float16)
	}
	return p
}
