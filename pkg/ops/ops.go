// Package ops implements the quantization and optimizer kernels:
// codebook and blockwise quantization, 32-bit and 8-bit optimizer state
// updates, and gradient-norm percentile clipping. The exported
// functions form the dispatch layer: they validate buffers, compute the
// launch partition, zero accumulators and submit kernel bodies to a
// device stream. All launches are asynchronous; results are defined
// only after Stream.Sync returns nil.
package ops

import (
	"errors"

	"github.com/samcharles93/gradbits/pkg/device"
)

// ErrUnsupported marks a configuration with no dispatch path: an
// unregistered (engine, optimizer, dtype) combination, a blocksize
// outside the supported set, or an option an engine does not implement.
var ErrUnsupported = errors.New("unsupported configuration")

const (
	// CodebookSize is the entry count of every quantization codebook.
	CodebookSize = 256
	// QuantBlockSize is the blockwise quantizer's scale block.
	QuantBlockSize = 4096
	// StateBlockSize is the blockwise 8-bit optimizer's scale block.
	StateBlockSize = 2048
	// GnormWindow is the length of the gradient-norm history.
	GnormWindow = 100

	// DefaultQuantileOffset keeps the outermost estimated quantiles off
	// the exact 0th/100th percentiles.
	DefaultQuantileOffset = 1.0 / 512
)

// Launch geometry per routine, in elements per group. The historical
// thread-per-group counts (512/1024/256) only split work inside a
// group and do not affect results, so groups are the unit kept here.
const (
	estimateGroupSize       = 4096
	codebookGroupSize       = 1024
	blockwiseQuantGroupSize = QuantBlockSize
	optim32GroupSize        = 4096
	optim8GroupSize         = 4096
	optim8BlockGroupSize    = StateBlockSize
	clipGroupSize           = 2048
)

// OptimArgs carries the per-call optimizer hyperparameters. A zero
// GnormScale is treated as 1 so a zero-valued struct does not erase
// gradients.
type OptimArgs struct {
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32
	Step        int
	LR          float32
	GnormScale  float32
	MaxUnorm    float32
	ParamNorm   float32
	SkipZeros   bool
}

func (a OptimArgs) normalized() OptimArgs {
	if a.GnormScale == 0 {
		a.GnormScale = 1
	}
	return a
}

// QuantState8 bundles the static 8-bit engine's shared quantization
// state: one codebook and one running max pair per state slot. Max1 and
// Max2 hold the scale used to decode this step; NewMax1 and NewMax2
// receive the next step's scale during the precondition phase. Callers
// swap them after each synced step.
type QuantState8 struct {
	Quantiles1 []float32
	Quantiles2 []float32
	Max1       []float32
	Max2       []float32
	NewMax1    []float32
	NewMax2    []float32
}

// EstimateQuantiles estimates 256 evenly spaced quantiles of a into
// code. Each group sorts its elements and contributes interpolated
// local quantiles; the codebook is the mean across groups. offset
// shifts the sampled positions into [offset, 1-offset].
func EstimateQuantiles[T Element](s *device.Stream, a []T, code []float32, offset float32) error {
	const kernel = "estimateQuantiles"
	if len(code) != CodebookSize {
		return device.Faultf(kernel, 0, "codebook length %d, want %d", len(code), CodebookSize)
	}
	if len(a) == 0 {
		return device.Faultf(kernel, 0, "empty input")
	}
	if offset < 0 || offset > 0.5 {
		return device.Faultf(kernel, 0, "offset %v outside [0, 0.5]", offset)
	}
	p, err := device.Grid(len(a), estimateGroupSize)
	if err != nil {
		return err
	}
	if err := s.Fill(code, 0); err != nil {
		return err
	}
	inv := 1 / float32(p.Groups)
	return s.Launch(p, kernel, func(g device.Group) {
		scratch := make([]float32, g.End-g.Start)
		loadBlock(scratch, a[g.Start:g.End])
		estimateQuantilesBlock(scratch, code, offset, inv)
	})
}

// Quantize maps each element of a to the index of its nearest codebook
// entry. The codebook must be sorted ascending.
func Quantize(s *device.Stream, code, a []float32, out []uint8) error {
	const kernel = "quantize"
	if len(code) != CodebookSize {
		return device.Faultf(kernel, 0, "codebook length %d, want %d", len(code), CodebookSize)
	}
	if len(out) < len(a) {
		return device.Faultf(kernel, 0, "output length %d, need %d", len(out), len(a))
	}
	p, err := device.Grid(len(a), codebookGroupSize)
	if err != nil {
		return err
	}
	return s.Launch(p, kernel, func(g device.Group) {
		quantizeBlock(code, a[g.Start:g.End], out[g.Start:g.End])
	})
}

// Dequantize looks each byte of a up in the codebook.
func Dequantize(s *device.Stream, code []float32, a []uint8, out []float32) error {
	const kernel = "dequantize"
	if len(code) != CodebookSize {
		return device.Faultf(kernel, 0, "codebook length %d, want %d", len(code), CodebookSize)
	}
	if len(out) < len(a) {
		return device.Faultf(kernel, 0, "output length %d, need %d", len(out), len(a))
	}
	p, err := device.Grid(len(a), codebookGroupSize)
	if err != nil {
		return err
	}
	return s.Launch(p, kernel, func(g device.Group) {
		dequantizeBlock(code, a[g.Start:g.End], out[g.Start:g.End])
	})
}

// QuantizeBlockwise quantizes a in 4096-element blocks, writing one
// absmax scale per block. A non-nil rnd enables stochastic rounding;
// draws are taken cyclically starting at rndOffset plus the element's
// global index.
func QuantizeBlockwise[T Element](s *device.Stream, code []float32, a []T, absmax []float32, out []uint8, rnd []float32, rndOffset int) error {
	const kernel = "quantizeBlockwise"
	if len(code) != CodebookSize {
		return device.Faultf(kernel, 0, "codebook length %d, want %d", len(code), CodebookSize)
	}
	n := len(a)
	if len(out) < n {
		return device.Faultf(kernel, 0, "output length %d, need %d", len(out), n)
	}
	blocks := (n + QuantBlockSize - 1) / QuantBlockSize
	if len(absmax) < blocks {
		return device.Faultf(kernel, 0, "absmax length %d, need %d", len(absmax), blocks)
	}
	if rnd != nil && len(rnd) == 0 {
		return device.Faultf(kernel, 0, "empty random vector")
	}
	if rndOffset < 0 {
		return device.Faultf(kernel, 0, "negative random offset %d", rndOffset)
	}
	p, err := device.Grid(n, blockwiseQuantGroupSize)
	if err != nil {
		return err
	}
	return s.Launch(p, kernel, func(g device.Group) {
		scratch := make([]float32, g.End-g.Start)
		loadBlock(scratch, a[g.Start:g.End])
		absmax[g.Index] = quantizeBlockwiseBlock(code, scratch, out[g.Start:g.End], rnd, rndOffset+g.Start)
	})
}

// DequantizeBlockwise reverses QuantizeBlockwise. blocksize must match
// the quantization block (2048 or 4096); anything else has no kernel.
func DequantizeBlockwise[T Element](s *device.Stream, code []float32, a []uint8, absmax []float32, out []T, blocksize int) error {
	const kernel = "dequantizeBlockwise"
	if blocksize != 2048 && blocksize != 4096 {
		return device.Faultf(kernel, 0, "blocksize %d: %w", blocksize, ErrUnsupported)
	}
	if len(code) != CodebookSize {
		return device.Faultf(kernel, 0, "codebook length %d, want %d", len(code), CodebookSize)
	}
	n := len(out)
	if len(a) < n {
		return device.Faultf(kernel, 0, "input length %d, need %d", len(a), n)
	}
	blocks := (n + blocksize - 1) / blocksize
	if len(absmax) < blocks {
		return device.Faultf(kernel, 0, "absmax length %d, need %d", len(absmax), blocks)
	}
	p, err := device.Grid(n, blocksize)
	if err != nil {
		return err
	}
	return s.Launch(p, kernel, func(g device.Group) {
		scratch := make([]float32, g.End-g.Start)
		dequantizeBlockwiseBlock(code, a[g.Start:g.End], absmax[g.Index], scratch)
		storeBlock(out[g.Start:g.End], scratch)
	})
}

// Optimizer32bit applies one optimizer step with full-precision state.
// When a.MaxUnorm > 0 a precondition phase first accumulates the
// squared update norm into unorm[0], and the update phase rescales so
// the update's L2 norm stays within MaxUnorm*ParamNorm.
func Optimizer32bit[T Element](s *device.Stream, kind Optimizer, g, p []T, state1, state2, unorm []float32, a OptimArgs) error {
	const kernel = "optimizer32bit"
	if !Supports(Engine32, kind, dtypeOf[T]()) {
		return device.Faultf(kernel, 0, "%s/%s: %w", kind, dtypeOf[T](), ErrUnsupported)
	}
	n := len(p)
	if len(g) < n {
		return device.Faultf(kernel, 0, "gradient length %d, need %d", len(g), n)
	}
	if len(state1) < n {
		return device.Faultf(kernel, 0, "state1 length %d, need %d", len(state1), n)
	}
	if kind.TwoState() && len(state2) < n {
		return device.Faultf(kernel, 0, "state2 length %d, need %d", len(state2), n)
	}
	if a.Step < 1 {
		return device.Faultf(kernel, 0, "step %d, must be >= 1", a.Step)
	}
	a = a.normalized()
	part, err := device.Grid(n, optim32GroupSize)
	if err != nil {
		return err
	}

	if a.MaxUnorm > 0 {
		if len(unorm) < 1 {
			return device.Faultf(kernel, 0, "unorm buffer required when max_unorm > 0")
		}
		if err := s.Fill(unorm[:1], 0); err != nil {
			return err
		}
		if err := s.Launch(part, kernel+"/precondition", func(gr device.Group) {
			gbuf := make([]float32, gr.End-gr.Start)
			loadBlock(gbuf, g[gr.Start:gr.End])
			var s2 []float32
			if kind.TwoState() {
				s2 = state2[gr.Start:gr.End]
			}
			local := precondition32Block(kind, gbuf, state1[gr.Start:gr.End], s2, a)
			atomicAddFloat32(&unorm[0], local)
		}); err != nil {
			return err
		}
	}

	return s.Launch(part, kernel+"/update", func(gr device.Group) {
		m := gr.End - gr.Start
		gbuf := make([]float32, m)
		pbuf := make([]float32, m)
		loadBlock(gbuf, g[gr.Start:gr.End])
		loadBlock(pbuf, p[gr.Start:gr.End])
		var s2 []float32
		if kind.TwoState() {
			s2 = state2[gr.Start:gr.End]
		}
		scale := unormScale(unorm, a)
		update32Block(kind, gbuf, pbuf, state1[gr.Start:gr.End], s2, scale, a)
		storeBlock(p[gr.Start:gr.End], pbuf)
	})
}

// OptimizerStatic8bit applies one optimizer step with byte state
// decoded through global codebooks and running maxima. The
// precondition phase always runs: it discovers the next step's maxima
// (into q.NewMax1/q.NewMax2, zeroed first) before any state is
// re-encoded. The update phase decodes with the old maxima and encodes
// with the new ones. After a sync the caller swaps Max and NewMax.
// Adagrad has no kernel in this engine, and skip_zeros is not
// implemented here.
func OptimizerStatic8bit[T Element](s *device.Stream, kind Optimizer, g, p []T, state1, state2 []uint8, unorm []float32, q *QuantState8, a OptimArgs) error {
	const kernel = "optimizerStatic8bit"
	if !Supports(Engine8Static, kind, dtypeOf[T]()) {
		return device.Faultf(kernel, 0, "%s/%s: %w", kind, dtypeOf[T](), ErrUnsupported)
	}
	if a.SkipZeros {
		return device.Faultf(kernel, 0, "skip_zeros: %w", ErrUnsupported)
	}
	if q == nil {
		return device.Faultf(kernel, 0, "nil quantization state")
	}
	n := len(p)
	if len(g) < n {
		return device.Faultf(kernel, 0, "gradient length %d, need %d", len(g), n)
	}
	if len(state1) < n {
		return device.Faultf(kernel, 0, "state1 length %d, need %d", len(state1), n)
	}
	if len(q.Quantiles1) != CodebookSize {
		return device.Faultf(kernel, 0, "quantiles1 length %d, want %d", len(q.Quantiles1), CodebookSize)
	}
	if len(q.Max1) < 1 || len(q.NewMax1) < 1 {
		return device.Faultf(kernel, 0, "max1/new_max1 buffers required")
	}
	if kind.TwoState() {
		if len(state2) < n {
			return device.Faultf(kernel, 0, "state2 length %d, need %d", len(state2), n)
		}
		if len(q.Quantiles2) != CodebookSize {
			return device.Faultf(kernel, 0, "quantiles2 length %d, want %d", len(q.Quantiles2), CodebookSize)
		}
		if len(q.Max2) < 1 || len(q.NewMax2) < 1 {
			return device.Faultf(kernel, 0, "max2/new_max2 buffers required")
		}
	}
	if a.Step < 1 {
		return device.Faultf(kernel, 0, "step %d, must be >= 1", a.Step)
	}
	a = a.normalized()
	part, err := device.Grid(n, optim8GroupSize)
	if err != nil {
		return err
	}

	if err := s.Fill(q.NewMax1[:1], 0); err != nil {
		return err
	}
	if kind.TwoState() {
		if err := s.Fill(q.NewMax2[:1], 0); err != nil {
			return err
		}
	}
	if a.MaxUnorm > 0 {
		if len(unorm) < 1 {
			return device.Faultf(kernel, 0, "unorm buffer required when max_unorm > 0")
		}
		if err := s.Fill(unorm[:1], 0); err != nil {
			return err
		}
	}

	if err := s.Launch(part, kernel+"/precondition", func(gr device.Group) {
		gbuf := make([]float32, gr.End-gr.Start)
		loadBlock(gbuf, g[gr.Start:gr.End])
		var s2 []uint8
		if kind.TwoState() {
			s2 = state2[gr.Start:gr.End]
		}
		local := precondition8Block(kind, gbuf, state1[gr.Start:gr.End], s2, q, a)
		if a.MaxUnorm > 0 {
			atomicAddFloat32(&unorm[0], local)
		}
	}); err != nil {
		return err
	}

	return s.Launch(part, kernel+"/update", func(gr device.Group) {
		m := gr.End - gr.Start
		gbuf := make([]float32, m)
		pbuf := make([]float32, m)
		loadBlock(gbuf, g[gr.Start:gr.End])
		loadBlock(pbuf, p[gr.Start:gr.End])
		var s2 []uint8
		if kind.TwoState() {
			s2 = state2[gr.Start:gr.End]
		}
		scale := unormScale(unorm, a)
		update8Block(kind, gbuf, pbuf, state1[gr.Start:gr.End], s2, q, scale, a)
		storeBlock(p[gr.Start:gr.End], pbuf)
	})
}

// OptimizerStatic8bitBlockwise applies one optimizer step with byte
// state scaled per 2048-element block. The per-block maxima make the
// precondition phase unnecessary; each block runs one fused pass.
// Update-norm clipping has no kernel in this engine.
func OptimizerStatic8bitBlockwise[T Element](s *device.Stream, kind Optimizer, g, p []T, state1, state2 []uint8, quantiles1, quantiles2, absmax1, absmax2 []float32, a OptimArgs) error {
	const kernel = "optimizerStatic8bitBlockwise"
	if !Supports(Engine8Blockwise, kind, dtypeOf[T]()) {
		return device.Faultf(kernel, 0, "%s/%s: %w", kind, dtypeOf[T](), ErrUnsupported)
	}
	if a.MaxUnorm > 0 {
		return device.Faultf(kernel, 0, "update-norm clipping: %w", ErrUnsupported)
	}
	n := len(p)
	if len(g) < n {
		return device.Faultf(kernel, 0, "gradient length %d, need %d", len(g), n)
	}
	if len(state1) < n {
		return device.Faultf(kernel, 0, "state1 length %d, need %d", len(state1), n)
	}
	if len(quantiles1) != CodebookSize {
		return device.Faultf(kernel, 0, "quantiles1 length %d, want %d", len(quantiles1), CodebookSize)
	}
	blocks := (n + StateBlockSize - 1) / StateBlockSize
	if len(absmax1) < blocks {
		return device.Faultf(kernel, 0, "absmax1 length %d, need %d", len(absmax1), blocks)
	}
	if kind.TwoState() {
		if len(state2) < n {
			return device.Faultf(kernel, 0, "state2 length %d, need %d", len(state2), n)
		}
		if len(quantiles2) != CodebookSize {
			return device.Faultf(kernel, 0, "quantiles2 length %d, want %d", len(quantiles2), CodebookSize)
		}
		if len(absmax2) < blocks {
			return device.Faultf(kernel, 0, "absmax2 length %d, need %d", len(absmax2), blocks)
		}
	}
	if a.Step < 1 {
		return device.Faultf(kernel, 0, "step %d, must be >= 1", a.Step)
	}
	a = a.normalized()
	part, err := device.Grid(n, optim8BlockGroupSize)
	if err != nil {
		return err
	}

	return s.Launch(part, kernel, func(gr device.Group) {
		m := gr.End - gr.Start
		gbuf := make([]float32, m)
		pbuf := make([]float32, m)
		loadBlock(gbuf, g[gr.Start:gr.End])
		loadBlock(pbuf, p[gr.Start:gr.End])
		if kind == Adam {
			optimizer8BlockwiseAdamBlock(gbuf, pbuf, state1[gr.Start:gr.End], state2[gr.Start:gr.End], quantiles1, quantiles2, absmax1, absmax2, gr.Index, a)
		} else {
			optimizer8Blockwise1StateBlock(kind, gbuf, pbuf, state1[gr.Start:gr.End], quantiles1, absmax1, gr.Index, a)
		}
		storeBlock(p[gr.Start:gr.End], pbuf)
	})
}

// PercentileClipping zeroes history slot step%100 and accumulates the
// squared L2 norm of g into it. ClipRatio turns the synced history into
// a gradient scale.
func PercentileClipping[T Element](s *device.Stream, g []T, gnormVec []float32, step int) error {
	const kernel = "percentileClipping"
	if len(gnormVec) != GnormWindow {
		return device.Faultf(kernel, 0, "history length %d, want %d", len(gnormVec), GnormWindow)
	}
	if step < 0 {
		return device.Faultf(kernel, 0, "negative step %d", step)
	}
	slot := step % GnormWindow
	p, err := device.Grid(len(g), clipGroupSize)
	if err != nil {
		return err
	}
	if err := s.Fill(gnormVec[slot:slot+1], 0); err != nil {
		return err
	}
	return s.Launch(p, kernel, func(gr device.Group) {
		scratch := make([]float32, gr.End-gr.Start)
		loadBlock(scratch, g[gr.Start:gr.End])
		percentileClippingBlock(scratch, &gnormVec[slot])
	})
}

// ParamNorm computes the host-side L2 norm of a parameter tensor, the
// reference magnitude for update-norm clipping.
func ParamNorm[T Element](p []T) float32 {
	if v, ok := any(p).([]float32); ok {
		return sqrtf(sumSquares(v))
	}
	buf := make([]float32, len(p))
	loadBlock(buf, p)
	return sqrtf(sumSquares(buf))
}
