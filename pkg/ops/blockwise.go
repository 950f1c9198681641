package ops

// Kernel bodies for the blockwise quantizer. One call covers one scale
// block: absmax is computed over the block, every element is normalized
// by it and matched against the shared codebook.

// quantizeBlockwiseBlock quantizes one block and returns its absmax.
// rand enables stochastic rounding: the normalized value's fractional
// position between its two bracketing codebook entries is compared
// against a uniform random draw, so the rounded result is unbiased in
// expectation. randStart is the global element index of the block's
// first element; draws are taken cyclically from rand.
func quantizeBlockwiseBlock(code, in []float32, out []uint8, rand []float32, randStart int) float32 {
	amax := absMax(in)
	inv := float32(0)
	if amax > 0 {
		inv = 1 / amax
	}
	if rand == nil {
		for i, v := range in {
			out[i] = nearestCode(code, v*inv)
		}
		return amax
	}
	for i, v := range in {
		r := rand[(randStart+i)%len(rand)]
		out[i] = stochasticCode(code, v*inv, r)
	}
	return amax
}

// stochasticCode rounds x to one of its two bracketing codebook entries,
// choosing the upper one with probability equal to x's fractional
// position inside the interval. Values at or beyond the codebook ends
// round deterministically.
func stochasticCode(code []float32, x, r float32) uint8 {
	idx := lowerBound(code, x)
	if idx == 0 {
		return 0
	}
	if idx >= len(code) {
		return uint8(len(code) - 1)
	}
	lo, hi := code[idx-1], code[idx]
	if hi == lo {
		return uint8(idx - 1)
	}
	if r < (x-lo)/(hi-lo) {
		return uint8(idx)
	}
	return uint8(idx - 1)
}

func dequantizeBlockwiseBlock(code []float32, in []uint8, scale float32, out []float32) {
	for i, c := range in {
		out[i] = code[c] * scale
	}
}
