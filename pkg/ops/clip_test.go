package ops

import (
	"math"
	"testing"

	"github.com/samcharles93/gradbits/pkg/device"
)

// TestPercentileClippingAccumulatesSlot checks that a call zeroes
// exactly one history slot (step mod 100) and folds the squared
// gradient norm into it, leaving the other 99 slots alone.
func TestPercentileClippingAccumulatesSlot(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	const n = 2*clipGroupSize + 17
	g := make([]float32, n)
	for i := range g {
		g[i] = (float32(i%13) - 6) / 3
	}
	var want float64
	for _, v := range g {
		want += float64(v) * float64(v)
	}

	vec := make([]float32, GnormWindow)
	for i := range vec {
		vec[i] = 7
	}
	if err := PercentileClipping(s, g, vec, 150); err != nil {
		t.Fatalf("clip: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if !closeEnough(vec[50], float32(want), 1e-5) {
		t.Fatalf("slot 50 = %v, want %v", vec[50], want)
	}
	for i := range vec {
		if i != 50 && vec[i] != 7 {
			t.Fatalf("slot %d was touched: %v", i, vec[i])
		}
	}

	// A later step that maps to the same slot overwrites it.
	if err := PercentileClipping(s, g[:64], vec, 250); err != nil {
		t.Fatalf("clip: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	var wantSmall float64
	for _, v := range g[:64] {
		wantSmall += float64(v) * float64(v)
	}
	if !closeEnough(vec[50], float32(wantSmall), 1e-5) {
		t.Fatalf("slot 50 after overwrite = %v, want %v", vec[50], wantSmall)
	}
}

func TestPercentileClippingValidation(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	g := make([]float32, 8)
	if err := PercentileClipping(s, g, make([]float32, 50), 0); err == nil {
		t.Fatalf("expected error for short history")
	}
	if err := PercentileClipping(s, g, make([]float32, GnormWindow), -1); err == nil {
		t.Fatalf("expected error for negative step")
	}
}

// TestClipRatioExact uses perfect-square history values so every
// intermediate square root is exact.
func TestClipRatioExact(t *testing.T) {
	vec := make([]float32, GnormWindow)
	for k := range vec {
		vec[k] = float32((k + 1) * (k + 1))
	}

	current, clip, scale := ClipRatio(vec, 99, 5)
	if current != 100 {
		t.Fatalf("current norm %v, want 100", current)
	}
	if clip != 6 {
		t.Fatalf("clip value %v, want 6 (sixth smallest norm)", clip)
	}
	if !closeEnough(scale, 0.06, 1e-7) {
		t.Fatalf("scale %v, want 0.06", scale)
	}

	// At the top percentile the current norm is not above the clip
	// value, so the scale stays 1.
	_, clip, scale = ClipRatio(vec, 99, 99)
	if clip != 100 || scale != 1 {
		t.Fatalf("top percentile: clip %v scale %v, want 100 and 1", clip, scale)
	}

	// Early steps read a window padded with zero norms: percentile 5
	// lands on an unwritten slot and clips everything above zero.
	for k := 10; k < GnormWindow; k++ {
		vec[k] = 0
	}
	current, clip, scale = ClipRatio(vec, 9, 50)
	if current != 10 {
		t.Fatalf("current norm %v, want 10", current)
	}
	if clip != 0 || scale != 0 {
		t.Fatalf("sparse window: clip %v scale %v, want 0 and 0", clip, scale)
	}
}

func TestClipRatioPanics(t *testing.T) {
	tests := []struct {
		name       string
		vec        []float32
		percentile int
	}{
		{"short history", make([]float32, 50), 5},
		{"percentile too high", make([]float32, GnormWindow), 100},
		{"negative percentile", make([]float32, GnormWindow), -1},
	}
	for _, tt := range tests {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("%s: expected panic", tt.name)
				}
			}()
			ClipRatio(tt.vec, 0, tt.percentile)
		}()
	}
}

// TestClipWindowWrapAround drives two hundred steps through the
// 100-slot history; afterwards every slot must hold the norm written by
// the second pass, not the first.
func TestClipWindowWrapAround(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	base := make([]float32, 64)
	for i := range base {
		base[i] = (float32(i%7) - 3) / 4
	}

	vec := make([]float32, GnormWindow)
	ref := make([]float64, GnormWindow)
	for step := 0; step < 2*GnormWindow; step++ {
		g := make([]float32, len(base))
		for i := range g {
			g[i] = base[i] * float32(step+1)
		}
		if err := PercentileClipping(s, g, vec, step); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if step >= GnormWindow {
			var sum float64
			for _, v := range g {
				sum += float64(v) * float64(v)
			}
			ref[step-GnormWindow] = sum
		}
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for slot := range vec {
		if !closeEnough(vec[slot], float32(ref[slot]), 1e-4) {
			t.Fatalf("slot %d = %v, want %v from the second pass", slot, vec[slot], ref[slot])
		}
	}
	if math.IsNaN(float64(vec[0])) {
		t.Fatalf("history corrupted")
	}
}
