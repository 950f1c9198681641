package ops

import (
	"fmt"
	"slices"
)

// percentileClippingBlock folds one group's squared gradient norm into
// the current history slot.
func percentileClippingBlock(g []float32, slot *float32) {
	atomicAddFloat32(slot, sumSquares(g))
}

// ClipRatio derives the gradient rescale factor from the norm history
// after a PercentileClipping call has been synced. The full window is
// sorted (unwritten slots count as zero norms) and the entry at the
// percentile index becomes the clip value; gradients whose current norm
// exceeds it are scaled down by clip/current. Returns the current norm,
// the clip value and the scale.
func ClipRatio(gnormVec []float32, step, percentile int) (currentNorm, clipValue, gnormScale float32) {
	if len(gnormVec) != GnormWindow {
		panic(fmt.Sprintf("clip ratio: history length %d, want %d", len(gnormVec), GnormWindow))
	}
	if percentile < 0 || percentile >= GnormWindow {
		panic(fmt.Sprintf("clip ratio: percentile %d outside [0, %d)", percentile, GnormWindow))
	}
	vals := make([]float32, GnormWindow)
	copy(vals, gnormVec)
	slices.Sort(vals)

	currentNorm = sqrtf(gnormVec[step%GnormWindow])
	clipValue = sqrtf(vals[percentile])
	gnormScale = 1
	if currentNorm > clipValue {
		gnormScale = clipValue / currentNorm
	}
	return currentNorm, clipValue, gnormScale
}
