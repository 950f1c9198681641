package main

import (
	"testing"

	"github.com/samcharles93/gradbits/pkg/half"
)

func TestMakeParamWidths(t *testing.T) {
	p := makeParam("w", make([]float32, 8), make([]float32, 8))
	if p.Data32 == nil || p.Grad32 == nil || p.Data16 != nil {
		t.Fatalf("float32 param wired wrong: %+v", p)
	}

	h := makeParam("h", make([]half.Float16, 8), make([]half.Float16, 8))
	if h.Data16 == nil || h.Grad16 == nil || h.Data32 != nil {
		t.Fatalf("float16 param wired wrong: %+v", h)
	}
}

func TestAsFloatsHalf(t *testing.T) {
	src := []half.Float16{half.FromFloat32(1.5), half.FromFloat32(-0.25)}
	got := asFloats(src)
	if got[0] != 1.5 || got[1] != -0.25 {
		t.Fatalf("conversion wrong: %v", got)
	}
}

func TestSynthSetNames(t *testing.T) {
	set := newSynthSet[float32](3, 16, 1)
	want := []string{"embed.weight", "layer0.weight", "layer1.weight"}
	ps := set.params()
	if len(ps) != len(want) {
		t.Fatalf("param count: got %d want %d", len(ps), len(want))
	}
	for i, p := range ps {
		if p.Name != want[i] {
			t.Fatalf("param %d name: got %q want %q", i, p.Name, want[i])
		}
	}
	for i := range ps {
		if d := set.drift(i); d != 0 {
			t.Fatalf("fresh set reports drift %v", d)
		}
		if set.norm(i) <= 0 {
			t.Fatalf("param %d has zero norm", i)
		}
	}
}

func TestSynthSetRefreshGrads(t *testing.T) {
	set := newSynthSet[half.Float16](1, 32, 7)
	set.refreshGrads()
	nonzero := false
	for _, v := range set.gs[0] {
		if v != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Fatalf("gradients all zero after refresh")
	}
}
