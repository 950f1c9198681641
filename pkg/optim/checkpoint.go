package optim

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/gradbits/pkg/ops"
)

const stateVersion = 1

// stateFile is the serialized optimizer state. Float buffers travel as
// little-endian bytes so a round trip restores them bit for bit.
type stateFile struct {
	Version int          `json:"version"`
	ID      string       `json:"id"`
	Kind    string       `json:"kind"`
	Params  []stateEntry `json:"params"`
}

type stateEntry struct {
	Name   string `json:"name"`
	Step   int    `json:"step"`
	Engine string `json:"engine"`

	State1   []byte `json:"state1,omitempty"`
	State2   []byte `json:"state2,omitempty"`
	QState1  []byte `json:"qstate1,omitempty"`
	QState2  []byte `json:"qstate2,omitempty"`
	Qmap1    []byte `json:"qmap1,omitempty"`
	Qmap2    []byte `json:"qmap2,omitempty"`
	Max1     []byte `json:"max1,omitempty"`
	Max2     []byte `json:"max2,omitempty"`
	NewMax1  []byte `json:"new_max1,omitempty"`
	NewMax2  []byte `json:"new_max2,omitempty"`
	Absmax1  []byte `json:"absmax1,omitempty"`
	Absmax2  []byte `json:"absmax2,omitempty"`
	UnormVec []byte `json:"unorm_vec,omitempty"`
	GnormVec []byte `json:"gnorm_vec,omitempty"`
}

// SaveState writes the state of every initialized param. Params that have
// not seen a gradient yet are omitted.
func (o *Optimizer) SaveState(w io.Writer) error {
	f := stateFile{Version: stateVersion, ID: o.ID, Kind: o.cfg.Kind.String()}
	for i, p := range o.params {
		st := o.states[i]
		if st == nil {
			continue
		}
		f.Params = append(f.Params, stateEntry{
			Name:     p.Name,
			Step:     st.Step,
			Engine:   st.Engine.String(),
			State1:   floatBytes(st.State1),
			State2:   floatBytes(st.State2),
			QState1:  st.QState1,
			QState2:  st.QState2,
			Qmap1:    floatBytes(st.Qmap1),
			Qmap2:    floatBytes(st.Qmap2),
			Max1:     floatBytes(st.Max1),
			Max2:     floatBytes(st.Max2),
			NewMax1:  floatBytes(st.NewMax1),
			NewMax2:  floatBytes(st.NewMax2),
			Absmax1:  floatBytes(st.Absmax1),
			Absmax2:  floatBytes(st.Absmax2),
			UnormVec: floatBytes(st.UnormVec),
			GnormVec: floatBytes(st.GnormVec),
		})
	}
	if err := json.NewEncoder(w).Encode(&f); err != nil {
		return fmt.Errorf("encode optimizer state: %w", err)
	}
	return nil
}

// LoadState restores state saved by SaveState. Entries are matched to
// params by name and replace whatever state those params hold.
func (o *Optimizer) LoadState(r io.Reader) error {
	var f stateFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("decode optimizer state: %w", err)
	}
	if f.Version != stateVersion {
		return fmt.Errorf("unsupported state version %d", f.Version)
	}
	if f.Kind != o.cfg.Kind.String() {
		return fmt.Errorf("state kind %q does not match optimizer kind %q", f.Kind, o.cfg.Kind)
	}
	restored := make([]*State, len(o.states))
	for _, e := range f.Params {
		i, ok := o.byName[e.Name]
		if !ok {
			return fmt.Errorf("state for unknown param %q", e.Name)
		}
		st, err := e.decode()
		if err != nil {
			return fmt.Errorf("param %q: %w", e.Name, err)
		}
		if err := checkRestored(o.cfg.Kind, o.params[i], st); err != nil {
			return fmt.Errorf("param %q: %w", e.Name, err)
		}
		restored[i] = st
	}
	for i, st := range restored {
		if st != nil {
			o.states[i] = st
		}
	}
	return nil
}

func (e *stateEntry) decode() (*State, error) {
	eng, err := parseEngine(e.Engine)
	if err != nil {
		return nil, err
	}
	st := &State{Step: e.Step, Engine: eng, QState1: e.QState1, QState2: e.QState2}
	for _, f := range []struct {
		dst *[]float32
		src []byte
	}{
		{&st.State1, e.State1},
		{&st.State2, e.State2},
		{&st.Qmap1, e.Qmap1},
		{&st.Qmap2, e.Qmap2},
		{&st.Max1, e.Max1},
		{&st.Max2, e.Max2},
		{&st.NewMax1, e.NewMax1},
		{&st.NewMax2, e.NewMax2},
		{&st.Absmax1, e.Absmax1},
		{&st.Absmax2, e.Absmax2},
		{&st.UnormVec, e.UnormVec},
		{&st.GnormVec, e.GnormVec},
	} {
		*f.dst, err = bytesFloats(f.src)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

// checkRestored verifies that the restored buffers fit the param and the
// optimizer kind before they replace live state.
func checkRestored(kind ops.Optimizer, p *Param, st *State) error {
	n := p.Len()
	two := kind.TwoState()
	switch st.Engine {
	case ops.Engine32:
		if len(st.State1) != n {
			return fmt.Errorf("state1 length %d, param length %d", len(st.State1), n)
		}
		if two && len(st.State2) != n {
			return fmt.Errorf("state2 length %d, param length %d", len(st.State2), n)
		}
	case ops.Engine8Static:
		if len(st.QState1) != n {
			return fmt.Errorf("qstate1 length %d, param length %d", len(st.QState1), n)
		}
		if len(st.Qmap1) != ops.CodebookSize || len(st.Max1) != 1 || len(st.NewMax1) != 1 {
			return fmt.Errorf("static quantization buffers malformed")
		}
		if two && (len(st.QState2) != n || len(st.Qmap2) != ops.CodebookSize || len(st.Max2) != 1 || len(st.NewMax2) != 1) {
			return fmt.Errorf("static quantization buffers malformed")
		}
	case ops.Engine8Blockwise:
		blocks := (n + ops.StateBlockSize - 1) / ops.StateBlockSize
		if len(st.QState1) != n || len(st.Qmap1) != ops.CodebookSize || len(st.Absmax1) != blocks {
			return fmt.Errorf("blockwise quantization buffers malformed")
		}
		if two && (len(st.QState2) != n || len(st.Qmap2) != ops.CodebookSize || len(st.Absmax2) != blocks) {
			return fmt.Errorf("blockwise quantization buffers malformed")
		}
	}
	if len(st.UnormVec) > 1 {
		return fmt.Errorf("unorm buffer length %d", len(st.UnormVec))
	}
	if len(st.GnormVec) != 0 && len(st.GnormVec) != ops.GnormWindow {
		return fmt.Errorf("gnorm window length %d", len(st.GnormVec))
	}
	return nil
}

func parseEngine(s string) (ops.Engine, error) {
	for _, e := range []ops.Engine{ops.Engine32, ops.Engine8Static, ops.Engine8Blockwise} {
		if s == e.String() {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown state engine %q", s)
}

func floatBytes(v []float32) []byte {
	if v == nil {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func bytesFloats(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("float buffer of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
