package ops

import (
	"fmt"
	"sort"

	"github.com/samcharles93/gradbits/pkg/device"
	"github.com/samcharles93/gradbits/pkg/half"
)

// Optimizer selects the update rule. The numeric values are part of the
// dispatch ABI.
type Optimizer uint8

const (
	Adam     Optimizer = 0
	Momentum Optimizer = 1
	RMSProp  Optimizer = 2
	Adagrad  Optimizer = 3
)

func (o Optimizer) String() string {
	switch o {
	case Adam:
		return "adam"
	case Momentum:
		return "momentum"
	case RMSProp:
		return "rmsprop"
	case Adagrad:
		return "adagrad"
	default:
		return "unknown"
	}
}

// TwoState reports whether the optimizer carries a second moment
// buffer.
func (o Optimizer) TwoState() bool { return o == Adam }

// ParseOptimizer maps a config string to an Optimizer.
func ParseOptimizer(s string) (Optimizer, error) {
	switch s {
	case "adam":
		return Adam, nil
	case "momentum", "sgd":
		return Momentum, nil
	case "rmsprop":
		return RMSProp, nil
	case "adagrad":
		return Adagrad, nil
	default:
		return 0, fmt.Errorf("unknown optimizer %q (expected adam, momentum, rmsprop, or adagrad)", s)
	}
}

// Engine selects the state representation.
type Engine uint8

const (
	Engine32 Engine = iota
	Engine8Static
	Engine8Blockwise
)

func (e Engine) String() string {
	switch e {
	case Engine32:
		return "32bit"
	case Engine8Static:
		return "8bit-static"
	case Engine8Blockwise:
		return "8bit-blockwise"
	default:
		return "unknown"
	}
}

// Combo is one (engine, optimizer, element type) dispatch combination.
type Combo struct {
	Engine Engine
	Kind   Optimizer
	DType  DType
}

func (c Combo) String() string {
	return c.Engine.String() + "/" + c.Kind.String() + "/" + c.DType.String()
}

// kernelTable enumerates every dispatchable combination. Adagrad has no
// static 8-bit entry: the original shipped no such kernel, and the gap
// is kept rather than silently filled.
var kernelTable = map[Combo]struct{}{
	{Engine32, Adam, F32}:     {},
	{Engine32, Adam, F16}:     {},
	{Engine32, Momentum, F32}: {},
	{Engine32, Momentum, F16}: {},
	{Engine32, RMSProp, F32}:  {},
	{Engine32, RMSProp, F16}:  {},
	{Engine32, Adagrad, F32}:  {},
	{Engine32, Adagrad, F16}:  {},

	{Engine8Static, Adam, F32}:     {},
	{Engine8Static, Adam, F16}:     {},
	{Engine8Static, Momentum, F32}: {},
	{Engine8Static, Momentum, F16}: {},
	{Engine8Static, RMSProp, F32}:  {},
	{Engine8Static, RMSProp, F16}:  {},

	{Engine8Blockwise, Adam, F32}:     {},
	{Engine8Blockwise, Adam, F16}:     {},
	{Engine8Blockwise, Momentum, F32}: {},
	{Engine8Blockwise, Momentum, F16}: {},
	{Engine8Blockwise, RMSProp, F32}:  {},
	{Engine8Blockwise, RMSProp, F16}:  {},
	{Engine8Blockwise, Adagrad, F32}:  {},
	{Engine8Blockwise, Adagrad, F16}:  {},
}

// Supports reports whether the combination has a kernel.
func Supports(e Engine, k Optimizer, d DType) bool {
	_, ok := kernelTable[Combo{e, k, d}]
	return ok
}

// Combos returns the supported combinations in a stable order.
func Combos() []Combo {
	out := make([]Combo, 0, len(kernelTable))
	for c := range kernelTable {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Engine != out[j].Engine {
			return out[i].Engine < out[j].Engine
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].DType < out[j].DType
	})
	return out
}

// VerifyKernelTable dispatches every registered combination on a small
// tensor and reports the first one that fails. Run it at startup so a
// table entry without a working kernel is caught before training does.
func VerifyKernelTable(exec *device.Executor) error {
	for _, c := range Combos() {
		var err error
		switch c.DType {
		case F16:
			err = probeCombo[half.Float16](exec, c)
		default:
			err = probeCombo[float32](exec, c)
		}
		if err != nil {
			return fmt.Errorf("kernel table: %s: %w", c, err)
		}
	}
	return nil
}

func probeCombo[T Element](exec *device.Executor, c Combo) error {
	const n = 33
	s := exec.NewStream()
	defer s.Close()

	g := make([]T, n)
	p := make([]T, n)
	seed := make([]float32, n)
	for i := range seed {
		seed[i] = float32(i%13)*0.01 - 0.05
	}
	storeBlock(g, seed)
	storeBlock(p, seed)
	a := OptimArgs{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, Step: 1, LR: 1e-3, GnormScale: 1}

	var err error
	switch c.Engine {
	case Engine32:
		state1 := make([]float32, n)
		var state2 []float32
		if c.Kind.TwoState() {
			state2 = make([]float32, n)
		}
		err = Optimizer32bit(s, c.Kind, g, p, state1, state2, nil, a)
	case Engine8Static:
		q := &QuantState8{
			Quantiles1: CreateDynamicMap(true),
			Quantiles2: CreateDynamicMap(false),
			Max1:       make([]float32, 1),
			Max2:       make([]float32, 1),
			NewMax1:    make([]float32, 1),
			NewMax2:    make([]float32, 1),
		}
		state1 := make([]uint8, n)
		var state2 []uint8
		if c.Kind.TwoState() {
			state2 = make([]uint8, n)
		}
		err = OptimizerStatic8bit(s, c.Kind, g, p, state1, state2, nil, q, a)
	case Engine8Blockwise:
		blocks := (n + StateBlockSize - 1) / StateBlockSize
		state1 := make([]uint8, n)
		absmax1 := make([]float32, blocks)
		var state2 []uint8
		var absmax2 []float32
		q2 := []float32(nil)
		if c.Kind.TwoState() {
			state2 = make([]uint8, n)
			absmax2 = make([]float32, blocks)
			q2 = CreateDynamicMap(false)
		}
		err = OptimizerStatic8bitBlockwise(s, c.Kind, g, p, state1, state2, CreateDynamicMap(true), q2, absmax1, absmax2, a)
	}
	if err != nil {
		return err
	}
	return s.Sync()
}
