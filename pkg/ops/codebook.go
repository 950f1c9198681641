package ops

import "slices"

// Kernel bodies for the codebook quantizer. Each operates on one
// group's worth of elements; the dispatch layer in ops.go owns
// partitioning, buffer checks and accumulator zeroing.

// estimateQuantilesBlock sorts one group's scratch copy and folds its
// 256 interpolated quantiles into the shared codebook. Groups
// contribute equally (1/numGroups each), so the result is a mean of
// per-group quantile estimates.
func estimateQuantilesBlock(block, code []float32, offset, invGroups float32) {
	slices.Sort(block)
	n := len(block)
	span := (1 - 2*offset) / float32(CodebookSize-1)
	for i := 0; i < CodebookSize; i++ {
		pos := float64(offset + float32(i)*span)
		idx := pos * float64(n-1)
		lo := int(idx)
		if lo < 0 {
			lo = 0
		}
		hi := lo + 1
		if hi > n-1 {
			hi = n - 1
		}
		frac := float32(idx - float64(lo))
		q := block[lo]*(1-frac) + block[hi]*frac
		atomicAddFloat32(&code[i], q*invGroups)
	}
}

// lowerBound returns the first index with code[i] >= x. The codebook is
// sorted ascending.
func lowerBound(code []float32, x float32) int {
	lo, hi := 0, len(code)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if code[mid] < x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// nearestCode returns the index of the codebook entry closest to x.
// Ties resolve to the lower entry.
func nearestCode(code []float32, x float32) uint8 {
	idx := lowerBound(code, x)
	if idx == 0 {
		return 0
	}
	if idx >= len(code) {
		return uint8(len(code) - 1)
	}
	if x-code[idx-1] <= code[idx]-x {
		return uint8(idx - 1)
	}
	return uint8(idx)
}

func quantizeBlock(code, in []float32, out []uint8) {
	for i, v := range in {
		out[i] = nearestCode(code, v)
	}
}

func dequantizeBlock(code []float32, in []uint8, out []float32) {
	for i, c := range in {
		out[i] = code[c]
	}
}
