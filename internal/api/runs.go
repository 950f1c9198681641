package api

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/samcharles93/gradbits/pkg/device"
	"github.com/samcharles93/gradbits/pkg/half"
	"github.com/samcharles93/gradbits/pkg/ops"
	"github.com/samcharles93/gradbits/pkg/optim"
)

// maxRunElems bounds the buffers a single run may allocate.
const maxRunElems = 1 << 24

func normalizeRunRequest(req RunRequest) (RunRequest, error) {
	switch req.Kind {
	case "quantize", "optimizer":
	default:
		return req, fmt.Errorf("run kind must be %q or %q", "quantize", "optimizer")
	}
	if req.Elems <= 0 || req.Elems > maxRunElems {
		return req, fmt.Errorf("elems must be in [1, %d]", maxRunElems)
	}
	if req.DType == "" {
		req.DType = ops.F32.String()
	}
	if _, ok := ops.ParseDType(req.DType); !ok {
		return req, fmt.Errorf("unknown dtype %q", req.DType)
	}
	if req.Blocksize == 0 {
		req.Blocksize = ops.QuantBlockSize
	}
	if req.Blocksize != ops.QuantBlockSize {
		return req, fmt.Errorf("blocksize must be %d", ops.QuantBlockSize)
	}
	if req.Optimizer == "" {
		req.Optimizer = "adam"
	}
	if _, err := ops.ParseOptimizer(req.Optimizer); err != nil {
		return req, err
	}
	if req.Bits == 0 {
		req.Bits = 32
	}
	if req.Bits != 8 && req.Bits != 32 {
		return req, fmt.Errorf("bits must be 8 or 32")
	}
	if req.Blockwise == nil {
		blockwise := true
		req.Blockwise = &blockwise
	}
	if req.Steps == 0 {
		req.Steps = 10
	}
	if req.Steps < 0 || req.Steps > 1000 {
		return req, fmt.Errorf("steps must be in [1, 1000]")
	}
	return req, nil
}

func bench(exec *device.Executor, req RunRequest) (*RunResult, error) {
	dt, ok := ops.ParseDType(req.DType)
	if !ok {
		return nil, fmt.Errorf("unknown dtype %q", req.DType)
	}
	switch req.Kind {
	case "quantize":
		if dt == ops.F16 {
			return benchQuantize[half.Float16](exec, req)
		}
		return benchQuantize[float32](exec, req)
	case "optimizer":
		return benchOptimizer(exec, req, dt)
	}
	return nil, fmt.Errorf("unknown run kind %q", req.Kind)
}

func benchQuantize[T ops.Element](exec *device.Executor, req RunRequest) (*RunResult, error) {
	n := req.Elems
	code := ops.CreateDynamicMap(true)
	a := make([]T, n)
	fillElems(a, benchData(n))
	absmax := make([]float32, (n+req.Blocksize-1)/req.Blocksize)
	packed := make([]uint8, n)
	back := make([]T, n)

	s := exec.NewStream()
	defer s.Close()
	start := time.Now()
	if err := ops.QuantizeBlockwise(s, code, a, absmax, packed, nil, 0); err != nil {
		return nil, err
	}
	if err := ops.DequantizeBlockwise(s, code, packed, absmax, back, req.Blocksize); err != nil {
		return nil, err
	}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	sec := seconds(start)

	return &RunResult{
		Seconds:     sec,
		ElemsPerSec: float64(n) / sec,
		MaxRelErr:   roundTripError(a, back, absmax),
	}, nil
}

func benchOptimizer(exec *device.Executor, req RunRequest, dt ops.DType) (*RunResult, error) {
	kind, err := ops.ParseOptimizer(req.Optimizer)
	if err != nil {
		return nil, err
	}
	cfg := optim.DefaultConfig(kind)
	cfg.Bits = req.Bits
	cfg.Blockwise = *req.Blockwise
	cfg.MinSize8bit = 0

	n := req.Elems
	prm := &optim.Param{Name: "bench"}
	if dt == ops.F16 {
		prm.Data16 = make([]half.Float16, n)
		prm.Grad16 = make([]half.Float16, n)
		half.FromFloat32s(benchData(n), prm.Data16)
		half.FromFloat32s(benchGrad(n), prm.Grad16)
	} else {
		prm.Data32 = benchData(n)
		prm.Grad32 = benchGrad(n)
	}

	o, err := optim.New(exec, cfg, []*optim.Param{prm})
	if err != nil {
		return nil, err
	}
	defer o.Close()

	start := time.Now()
	for range req.Steps {
		if err := o.Step(context.Background()); err != nil {
			return nil, err
		}
	}
	sec := seconds(start)

	return &RunResult{
		Seconds:     sec,
		StepsPerSec: float64(req.Steps) / sec,
		OptimizerID: o.ID,
	}, nil
}

func benchData(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i%255)/127 - 1
	}
	return v
}

func benchGrad(n int) []float32 {
	g := make([]float32, n)
	for i := range g {
		g[i] = float32(i%17-8) / 16
	}
	return g
}

func fillElems[T ops.Element](dst []T, src []float32) {
	switch d := any(dst).(type) {
	case []float32:
		copy(d, src)
	case []half.Float16:
		half.FromFloat32s(src, d)
	}
}

func elemFloats[T ops.Element](src []T) []float32 {
	switch s := any(src).(type) {
	case []float32:
		return s
	case []half.Float16:
		out := make([]float32, len(s))
		half.ToFloat32s(s, out)
		return out
	}
	return nil
}

// roundTripError reports the largest round-trip deviation relative to the
// largest block scale.
func roundTripError[T ops.Element](a, back []T, absmax []float32) float64 {
	af := elemFloats(a)
	bf := elemFloats(back)
	var maxErr, maxAbs float64
	for i := range af {
		if d := math.Abs(float64(af[i]) - float64(bf[i])); d > maxErr {
			maxErr = d
		}
	}
	for _, m := range absmax {
		if float64(m) > maxAbs {
			maxAbs = float64(m)
		}
	}
	if maxAbs == 0 {
		return 0
	}
	return maxErr / maxAbs
}

func seconds(start time.Time) float64 {
	sec := time.Since(start).Seconds()
	if sec <= 0 {
		return 1e-9
	}
	return sec
}
