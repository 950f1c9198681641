package ops

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/gradbits/pkg/device"
)

func TestCreateDynamicMapShape(t *testing.T) {
	for _, signed := range []bool{true, false} {
		code := CreateDynamicMap(signed)
		if len(code) != CodebookSize {
			t.Fatalf("signed=%v: got %d entries, want %d", signed, len(code), CodebookSize)
		}
		for i := 1; i < len(code); i++ {
			if code[i] <= code[i-1] {
				t.Fatalf("signed=%v: not strictly increasing at %d: %v then %v", signed, i-1, code[i-1], code[i])
			}
		}
		if code[len(code)-1] != 1 {
			t.Fatalf("signed=%v: last entry %v, want 1", signed, code[len(code)-1])
		}
		hasZero := false
		for _, v := range code {
			if v == 0 {
				hasZero = true
			}
		}
		if !hasZero {
			t.Fatalf("signed=%v: codebook has no zero entry", signed)
		}
	}

	signed := CreateDynamicMap(true)
	if signed[0] >= -0.98 || signed[0] <= -1 {
		t.Fatalf("signed minimum %v, want in (-1, -0.98)", signed[0])
	}
	negatives := 0
	for _, v := range signed {
		if v < 0 {
			negatives++
		}
	}
	if negatives != 127 {
		t.Fatalf("signed map has %d negative entries, want 127", negatives)
	}

	unsigned := CreateDynamicMap(false)
	if unsigned[0] != 0 {
		t.Fatalf("unsigned minimum %v, want 0", unsigned[0])
	}
}

func TestCreateLinearMap(t *testing.T) {
	signed := CreateLinearMap(true)
	if len(signed) != CodebookSize {
		t.Fatalf("got %d entries, want %d", len(signed), CodebookSize)
	}
	if signed[0] != -1 || signed[255] != 1 {
		t.Fatalf("signed range [%v, %v], want [-1, 1]", signed[0], signed[255])
	}
	step := float64(2) / 255
	for i := 1; i < len(signed); i++ {
		got := float64(signed[i] - signed[i-1])
		if math.Abs(got-step) > 1e-6 {
			t.Fatalf("uneven spacing at %d: %v, want %v", i, got, step)
		}
	}

	unsigned := CreateLinearMap(false)
	if unsigned[0] != 0 || unsigned[255] != 1 {
		t.Fatalf("unsigned range [%v, %v], want [0, 1]", unsigned[0], unsigned[255])
	}
}

// TestEstimateQuantilesUniform checks the estimator against a ramp whose
// quantiles are known in closed form: the k-th codebook entry of a
// uniform [0,1] ramp is offset + k*(1-2*offset)/255.
func TestEstimateQuantilesUniform(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	const n = 4096
	a := make([]float32, n)
	for i := range a {
		a[i] = float32(i) / float32(n-1)
	}
	code := make([]float32, CodebookSize)
	if err := EstimateQuantiles(s, a, code, DefaultQuantileOffset); err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	span := (1 - 2*float64(DefaultQuantileOffset)) / 255
	for k := range code {
		want := float64(DefaultQuantileOffset) + float64(k)*span
		if math.Abs(float64(code[k])-want) > 1e-4 {
			t.Fatalf("quantile %d = %v, want %v", k, code[k], want)
		}
	}
	for k := 1; k < len(code); k++ {
		if code[k] < code[k-1] {
			t.Fatalf("quantiles not monotone at %d: %v then %v", k-1, code[k-1], code[k])
		}
	}
}

// TestEstimateQuantilesGroupMean feeds two groups with identical content
// and expects the same codebook as a single group: each group
// contributes its local estimate weighted by 1/groups.
func TestEstimateQuantilesGroupMean(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	const n = 4096
	single := make([]float32, n)
	for i := range single {
		single[i] = float32((i*37)%n) / float32(n-1)
	}
	double := make([]float32, 2*n)
	copy(double[:n], single)
	copy(double[n:], single)

	codeSingle := make([]float32, CodebookSize)
	codeDouble := make([]float32, CodebookSize)
	if err := EstimateQuantiles(s, single, codeSingle, DefaultQuantileOffset); err != nil {
		t.Fatalf("estimate single: %v", err)
	}
	if err := EstimateQuantiles(s, double, codeDouble, DefaultQuantileOffset); err != nil {
		t.Fatalf("estimate double: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for k := range codeSingle {
		if !closeEnough(codeSingle[k], codeDouble[k], 1e-6) {
			t.Fatalf("quantile %d: single %v double %v", k, codeSingle[k], codeDouble[k])
		}
	}
}

func TestEstimateQuantilesValidation(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	code := make([]float32, CodebookSize)
	if err := EstimateQuantiles(s, []float32{}, code, DefaultQuantileOffset); err == nil {
		t.Fatalf("expected error for empty input")
	} else {
		var f *device.Fault
		if !errors.As(err, &f) || f.Kernel != "estimateQuantiles" {
			t.Fatalf("expected estimateQuantiles fault, got %v", err)
		}
	}
	if err := EstimateQuantiles(s, []float32{1}, make([]float32, 10), DefaultQuantileOffset); err == nil {
		t.Fatalf("expected error for short codebook")
	}
	if err := EstimateQuantiles(s, []float32{1}, code, 0.7); err == nil {
		t.Fatalf("expected error for offset out of range")
	}
}

func TestQuantizeDequantizeOnGrid(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	code := CreateLinearMap(true)
	// Values that sit exactly on codebook entries must round-trip to
	// the same entry.
	idx := []uint8{0, 1, 100, 127, 128, 200, 255}
	a := make([]float32, len(idx))
	for i, k := range idx {
		a[i] = code[k]
	}
	q := make([]uint8, len(a))
	out := make([]float32, len(a))
	if err := Quantize(s, code, a, q); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := Dequantize(s, code, q, out); err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for i, k := range idx {
		if q[i] != k {
			t.Fatalf("index %d quantized to %d, want %d", i, q[i], k)
		}
		if out[i] != a[i] {
			t.Fatalf("index %d round-tripped %v to %v", i, a[i], out[i])
		}
	}
}

func TestQuantizeErrorBound(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	code := CreateLinearMap(true)
	const n = 3000
	a := make([]float32, n)
	for i := range a {
		a[i] = (float32(i%997) - 498) / 500
	}
	q := make([]uint8, n)
	out := make([]float32, n)
	if err := Quantize(s, code, a, q); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := Dequantize(s, code, q, out); err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Half the linear map spacing plus float fuzz.
	const bound = 1.0/255 + 1e-5
	for i := range a {
		if d := math.Abs(float64(out[i] - a[i])); d > bound {
			t.Fatalf("element %d: |%v - %v| = %v exceeds %v", i, out[i], a[i], d, bound)
		}
	}
}

// TestQuantizeBlockwiseRoundTrip exercises a ragged tensor: two full
// 4096 blocks plus a single-element tail whose absmax is the element
// itself, so the tail must round-trip exactly.
func TestQuantizeBlockwiseRoundTrip(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	code := CreateLinearMap(true)
	const n = 2*QuantBlockSize + 1
	a := make([]float32, n)
	for i := range a {
		a[i] = (float32(i%1000) - 500) / 250
	}
	a[n-1] = -1.375

	blocks := (n + QuantBlockSize - 1) / QuantBlockSize
	absmax := make([]float32, blocks)
	q := make([]uint8, n)
	out := make([]float32, n)
	if err := QuantizeBlockwise(s, code, a, absmax, q, nil, 0); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := DequantizeBlockwise(s, code, q, absmax, out, QuantBlockSize); err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for b := 0; b < blocks; b++ {
		lo := b * QuantBlockSize
		hi := lo + QuantBlockSize
		if hi > n {
			hi = n
		}
		var want float32
		for _, v := range a[lo:hi] {
			if v < 0 {
				v = -v
			}
			if v > want {
				want = v
			}
		}
		if absmax[b] != want {
			t.Fatalf("block %d absmax %v, want %v", b, absmax[b], want)
		}
		bound := float64(want)/255 + 1e-5
		for i := lo; i < hi; i++ {
			if d := math.Abs(float64(out[i] - a[i])); d > bound {
				t.Fatalf("element %d: |%v - %v| = %v exceeds %v", i, out[i], a[i], d, bound)
			}
		}
	}
	if !closeEnough(out[n-1], a[n-1], 1e-6) {
		t.Fatalf("tail element %v, want %v", out[n-1], a[n-1])
	}
}

func TestQuantizeBlockwiseZeroBlock(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	code := CreateDynamicMap(true)
	a := make([]float32, 100)
	absmax := []float32{-1}
	q := make([]uint8, len(a))
	out := make([]float32, len(a))
	for i := range out {
		out[i] = 42
	}
	if err := QuantizeBlockwise(s, code, a, absmax, q, nil, 0); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := DequantizeBlockwise(s, code, q, absmax, out, QuantBlockSize); err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if absmax[0] != 0 {
		t.Fatalf("absmax %v, want 0", absmax[0])
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("element %d dequantized to %v, want 0", i, v)
		}
	}
}

// TestStochasticRounding pins the draw indexing: element i uses
// rand[(rndOffset+i) % len(rand)], and a draw below the value's
// fractional position selects the upper codebook neighbor.
func TestStochasticRounding(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	code := CreateLinearMap(true)
	// One sentinel at the exact absmax, the rest halfway between
	// entries 200 and 201 after normalization by 2.
	mid := (code[200] + code[201]) / 2
	a := []float32{2, 2 * mid, 2 * mid, 2 * mid, 2 * mid, 2 * mid, 2 * mid}
	rnd := []float32{0.25, 0.75}

	q := make([]uint8, len(a))
	absmax := make([]float32, 1)
	if err := QuantizeBlockwise(s, code, a, absmax, q, rnd, 0); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if q[0] != 255 {
		t.Fatalf("sentinel quantized to %d, want 255", q[0])
	}
	for i := 1; i < len(a); i++ {
		want := uint8(200)
		if i%2 == 0 {
			want = 201 // rand[0]=0.25 < 0.5 picks the upper neighbor
		}
		if q[i] != want {
			t.Fatalf("element %d quantized to %d, want %d", i, q[i], want)
		}
	}

	// Shifting the draw offset by one swaps the pattern.
	if err := QuantizeBlockwise(s, code, a, absmax, q, rnd, 1); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for i := 1; i < len(a); i++ {
		want := uint8(201)
		if i%2 == 0 {
			want = 200
		}
		if q[i] != want {
			t.Fatalf("offset run element %d quantized to %d, want %d", i, q[i], want)
		}
	}
}

func TestBlockwiseValidation(t *testing.T) {
	s := device.Default().NewStream()
	defer s.Close()

	code := CreateLinearMap(true)
	a := make([]float32, 10)
	q := make([]uint8, 10)
	out := make([]float32, 10)

	if err := QuantizeBlockwise(s, code, a, nil, q, nil, 0); err == nil {
		t.Fatalf("expected error for missing absmax")
	}
	if err := QuantizeBlockwise(s, code, a, make([]float32, 1), q, []float32{}, 0); err == nil {
		t.Fatalf("expected error for empty random vector")
	}
	if err := QuantizeBlockwise(s, code, a, make([]float32, 1), q, []float32{0.5}, -1); err == nil {
		t.Fatalf("expected error for negative offset")
	}

	err := DequantizeBlockwise(s, code, q, make([]float32, 1), out, 1000)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("blocksize 1000: got %v, want ErrUnsupported", err)
	}
	if err := DequantizeBlockwise(s, code, q, make([]float32, 1), out, 2048); err != nil {
		t.Fatalf("blocksize 2048: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}
