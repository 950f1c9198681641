// Package optim drives the quantized optimizer kernels over named parameter
// tensors. An Optimizer owns one stream, allocates per-param state lazily on
// the first step that sees a gradient, and picks the state engine per tensor
// from the config and the tensor size. Per-param overrides come from an
// optional Manager.
package optim

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/gradbits/pkg/device"
	"github.com/samcharles93/gradbits/pkg/half"
	"github.com/samcharles93/gradbits/pkg/ops"
)

// State is the per-param optimizer state. Engine fixes the buffer layout at
// init time; later config overrides change hyperparameters only. For the
// static 8-bit engine Max1/Max2 hold the maxima the next step decodes with
// and NewMax1/NewMax2 receive the maxima it encodes with, swapped after
// every synced step.
type State struct {
	Step   int
	Engine ops.Engine

	State1 []float32
	State2 []float32

	QState1 []uint8
	QState2 []uint8
	Qmap1   []float32
	Qmap2   []float32

	Max1    []float32
	Max2    []float32
	NewMax1 []float32
	NewMax2 []float32

	Absmax1 []float32
	Absmax2 []float32

	UnormVec []float32
	GnormVec []float32
}

// Optimizer applies one update rule to a fixed set of params.
type Optimizer struct {
	ID string

	cfg    Config
	mgr    *Manager
	exec   *device.Executor
	stream *device.Stream
	params []*Param
	states []*State
	byName map[string]int
}

func New(exec *device.Executor, cfg Config, params []*Param) (*Optimizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, errors.New("empty parameter list")
	}
	byName := make(map[string]int, len(params))
	for i, p := range params {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate param name %q", p.Name)
		}
		byName[p.Name] = i
	}
	return &Optimizer{
		ID:     "opt-" + uuid.NewString(),
		cfg:    cfg,
		exec:   exec,
		stream: exec.NewStream(),
		params: params,
		states: make([]*State, len(params)),
		byName: byName,
	}, nil
}

// UseManager attaches per-param override rules. Engine choices are frozen
// per param once its state exists, so bit-width overrides must be attached
// before the first Step.
func (o *Optimizer) UseManager(m *Manager) { o.mgr = m }

func (o *Optimizer) Config() Config { return o.cfg }

func (o *Optimizer) Params() []*Param { return o.params }

// StateOf returns the state for a param, or false while it has none.
func (o *Optimizer) StateOf(name string) (*State, bool) {
	i, ok := o.byName[name]
	if !ok || o.states[i] == nil {
		return nil, false
	}
	return o.states[i], true
}

func (o *Optimizer) Close() error { return o.stream.Close() }

// Step applies one optimizer update to every param that carries a gradient.
// Params without a gradient are skipped and get no state. The call returns
// after all updates are synced.
func (o *Optimizer) Step(ctx context.Context) error {
	for i, p := range o.params {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.HasGrad() {
			continue
		}
		cfg, err := o.mgr.configFor(o.cfg, p.Name)
		if err != nil {
			return err
		}
		st := o.states[i]
		if st == nil {
			st = newState(cfg, p.Len())
			o.states[i] = st
		}
		st.Step++
		if p.Data16 != nil {
			err = stepParam[half.Float16](o, st, cfg, p.Grad16, p.Data16)
		} else {
			err = stepParam[float32](o, st, cfg, p.Grad32, p.Data32)
		}
		if err != nil {
			return fmt.Errorf("param %q: %w", p.Name, err)
		}
	}
	return nil
}

// newState allocates zeroed buffers for the engine the config resolves to at
// this tensor size.
func newState(cfg Config, n int) *State {
	st := &State{Engine: cfg.engineFor(n)}
	two := cfg.Kind.TwoState()
	switch st.Engine {
	case ops.Engine32:
		st.State1 = make([]float32, n)
		if two {
			st.State2 = make([]float32, n)
		}
	case ops.Engine8Static:
		st.QState1 = make([]uint8, n)
		st.Qmap1 = ops.CreateDynamicMap(true)
		st.Max1 = make([]float32, 1)
		st.NewMax1 = make([]float32, 1)
		if two {
			st.QState2 = make([]uint8, n)
			st.Qmap2 = ops.CreateDynamicMap(false)
			st.Max2 = make([]float32, 1)
			st.NewMax2 = make([]float32, 1)
		}
	case ops.Engine8Blockwise:
		blocks := (n + ops.StateBlockSize - 1) / ops.StateBlockSize
		st.QState1 = make([]uint8, n)
		st.Qmap1 = ops.CreateDynamicMap(true)
		st.Absmax1 = make([]float32, blocks)
		if two {
			st.QState2 = make([]uint8, n)
			st.Qmap2 = ops.CreateDynamicMap(false)
			st.Absmax2 = make([]float32, blocks)
		}
	}
	if cfg.MaxUnorm > 0 {
		st.UnormVec = make([]float32, 1)
	}
	if cfg.PercentileClipping < 100 {
		st.GnormVec = make([]float32, ops.GnormWindow)
	}
	return st
}

func stepParam[T ops.Element](o *Optimizer, st *State, cfg Config, g, p []T) error {
	s := o.stream
	a := ops.OptimArgs{
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		Eps:         cfg.Eps,
		WeightDecay: cfg.WeightDecay,
		Step:        st.Step,
		LR:          cfg.LR,
		GnormScale:  1,
		MaxUnorm:    cfg.MaxUnorm,
		SkipZeros:   cfg.SkipZeros,
	}
	if cfg.PercentileClipping < 100 {
		if st.GnormVec == nil {
			st.GnormVec = make([]float32, ops.GnormWindow)
		}
		if err := ops.PercentileClipping(s, g, st.GnormVec, st.Step); err != nil {
			return err
		}
		if err := s.Sync(); err != nil {
			return err
		}
		_, _, scale := ops.ClipRatio(st.GnormVec, st.Step, cfg.PercentileClipping)
		a.GnormScale = scale
	}
	if cfg.MaxUnorm > 0 {
		if st.UnormVec == nil {
			st.UnormVec = make([]float32, 1)
		}
		a.ParamNorm = ops.ParamNorm(p)
	}
	var err error
	switch st.Engine {
	case ops.Engine32:
		err = ops.Optimizer32bit(s, cfg.Kind, g, p, st.State1, st.State2, st.UnormVec, a)
	case ops.Engine8Static:
		q := &ops.QuantState8{
			Quantiles1: st.Qmap1,
			Quantiles2: st.Qmap2,
			Max1:       st.Max1,
			Max2:       st.Max2,
			NewMax1:    st.NewMax1,
			NewMax2:    st.NewMax2,
		}
		err = ops.OptimizerStatic8bit(s, cfg.Kind, g, p, st.QState1, st.QState2, st.UnormVec, q, a)
	case ops.Engine8Blockwise:
		err = ops.OptimizerStatic8bitBlockwise(s, cfg.Kind, g, p, st.QState1, st.QState2, st.Qmap1, st.Qmap2, st.Absmax1, st.Absmax2, a)
	}
	if err != nil {
		return err
	}
	if err := s.Sync(); err != nil {
		return err
	}
	// The static kernels decode with Max and encode into NewMax. Rotate
	// only after the sync above, the launched closures read the old slices.
	if st.Engine == ops.Engine8Static {
		st.Max1, st.NewMax1 = st.NewMax1, st.Max1
		if st.Max2 != nil {
			st.Max2, st.NewMax2 = st.NewMax2, st.Max2
		}
	}
	return nil
}
