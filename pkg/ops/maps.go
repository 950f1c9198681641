package ops

import (
	"math"
	"sort"
)

// CreateDynamicMap builds the 256-entry dynamic codebook: seven decades
// of linearly spaced fractions, each decade carrying twice the fraction
// resolution of the one below it, normalized into (-1, 1]. The signed
// variant spends one bit on sign; the unsigned variant folds that bit
// into extra fraction resolution. Entries are sorted ascending and
// include 0 and 1.
func CreateDynamicMap(signed bool) []float32 {
	const levels = 7
	data := make([]float64, 0, CodebookSize)

	for i := 0; i < levels; i++ {
		fracItems := 1<<i + 1
		if !signed {
			fracItems = 1<<(i+1) + 1
		}
		scale := math.Pow(10, float64(i-(levels-1)))
		for j := 0; j < fracItems-1; j++ {
			lo := 0.1 + 0.9*float64(j)/float64(fracItems-1)
			hi := 0.1 + 0.9*float64(j+1)/float64(fracItems-1)
			mean := (lo + hi) / 2
			data = append(data, scale*mean)
			if signed {
				data = append(data, -scale*mean)
			}
		}
	}

	data = append(data, 0, 1)
	sort.Float64s(data)

	code := make([]float32, len(data))
	for i, v := range data {
		code[i] = float32(v)
	}
	return code
}

// CreateLinearMap builds a 256-entry evenly spaced codebook over [-1, 1]
// (signed) or [0, 1] (unsigned).
func CreateLinearMap(signed bool) []float32 {
	code := make([]float32, CodebookSize)
	for i := range code {
		t := float64(i) / float64(CodebookSize-1)
		if signed {
			code[i] = float32(-1 + 2*t)
		} else {
			code[i] = float32(t)
		}
	}
	return code
}
