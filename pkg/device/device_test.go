package device

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func TestGrid(t *testing.T) {
	cases := []struct {
		n, groupSize int
		wantGroups   int
	}{
		{0, 4096, 0},
		{1, 4096, 1},
		{4096, 4096, 1},
		{4097, 4096, 2},
		{8192, 4096, 2},
		{100, 7, 15},
	}
	for _, c := range cases {
		p, err := Grid(c.n, c.groupSize)
		if err != nil {
			t.Fatalf("Grid(%d, %d): %v", c.n, c.groupSize, err)
		}
		if p.Groups != c.wantGroups {
			t.Errorf("Grid(%d, %d): got %d groups, want %d", c.n, c.groupSize, p.Groups, c.wantGroups)
		}
	}

	if _, err := Grid(-1, 4096); err == nil {
		t.Error("negative n accepted")
	}
	if _, err := Grid(10, 0); err == nil {
		t.Error("zero group size accepted")
	}
}

func TestLaunchCoversAllElements(t *testing.T) {
	e := New(4)
	defer e.Close()
	s := e.NewStream()
	defer s.Close()

	const n = 4097 // forces a ragged tail group
	out := make([]int32, n)
	p, err := Grid(n, 512)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Launch(p, "mark", func(g Group) {
		for i := g.Start; i < g.End; i++ {
			atomic.AddInt32(&out[i], 1)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != 1 {
			t.Fatalf("element %d touched %d times", i, v)
		}
	}
}

func TestStreamOrdering(t *testing.T) {
	e := New(4)
	defer e.Close()
	s := e.NewStream()
	defer s.Close()

	buf := make([]float32, 1024)
	p, _ := Grid(len(buf), 128)

	// Fill, then add, then read: each step must observe the previous one.
	if err := s.Fill(buf, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Launch(p, "addone", func(g Group) {
		for i := g.Start; i < g.End; i++ {
			buf[i]++
		}
	}); err != nil {
		t.Fatal(err)
	}
	var got float32
	if err := s.Do("read", func() error {
		got = buf[17]
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Fatalf("ordered read saw %v, want 4", got)
	}
}

func TestZeroElementsIsNoOp(t *testing.T) {
	e := New(2)
	defer e.Close()
	s := e.NewStream()
	defer s.Close()

	p, err := Grid(0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	ran := false
	if err := s.Launch(p, "never", func(Group) { ran = true }); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("zero-group launch ran its body")
	}
}

func TestPanicBecomesFault(t *testing.T) {
	e := New(2)
	defer e.Close()
	s := e.NewStream()
	defer s.Close()

	p, _ := Grid(100, 10)
	if err := s.Launch(p, "explode", func(Group) {
		panic("index out of range, simulated")
	}); err != nil {
		t.Fatal(err)
	}
	err := s.Sync()
	if err == nil {
		t.Fatal("panic did not surface from Sync")
	}
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("got %T, want *Fault", err)
	}
	if f.Kernel != "explode" {
		t.Errorf("fault kernel = %q", f.Kernel)
	}
	if !strings.Contains(f.File, "device_test.go") {
		t.Errorf("fault site = %s:%d, want this file", f.File, f.Line)
	}
	if !strings.Contains(f.Error(), "simulated") {
		t.Errorf("fault text = %q", f.Error())
	}

	// The fault is sticky: later work is refused with the same error.
	if err := s.Launch(p, "after", func(Group) {}); !errors.As(err, &f) {
		t.Errorf("poisoned stream accepted a launch: %v", err)
	}
	if err := s.Sync(); !errors.As(err, &f) {
		t.Errorf("second Sync lost the fault: %v", err)
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	e := New(2)
	defer e.Close()
	bad := e.NewStream()
	good := e.NewStream()
	defer bad.Close()
	defer good.Close()

	p, _ := Grid(10, 10)
	if err := bad.Launch(p, "explode", func(Group) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := bad.Sync(); err == nil {
		t.Fatal("expected fault")
	}

	out := make([]float32, 10)
	if err := good.Launch(p, "fill", func(g Group) {
		for i := g.Start; i < g.End; i++ {
			out[i] = 1
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := good.Sync(); err != nil {
		t.Fatalf("healthy stream affected by sibling fault: %v", err)
	}
}

func TestClosedStreamRefusesWork(t *testing.T) {
	e := New(1)
	defer e.Close()
	s := e.NewStream()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	p, _ := Grid(10, 10)
	if err := s.Launch(p, "late", func(Group) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("launch on closed stream: %v", err)
	}
	if err := s.Sync(); !errors.Is(err, ErrClosed) {
		t.Errorf("sync on closed stream: %v", err)
	}
}

func TestLaunchNilBody(t *testing.T) {
	e := New(1)
	defer e.Close()
	s := e.NewStream()
	defer s.Close()

	p, _ := Grid(10, 10)
	var f *Fault
	if err := s.Launch(p, "nil", nil); !errors.As(err, &f) {
		t.Errorf("nil body: %v", err)
	}
}

func TestFatalFormat(t *testing.T) {
	// Fatal exits, so only the message shape is checked here.
	f := Faultf("quantize", 0, "invalid codebook length %d", 17)
	if !strings.Contains(f.Error(), "quantize") || !strings.Contains(f.Error(), "17") {
		t.Errorf("fault text = %q", f.Error())
	}
	if !strings.Contains(f.File, "device_test.go") {
		t.Errorf("fault site = %s", f.File)
	}
}

func BenchmarkLaunchSyncSmall(b *testing.B) {
	e := New(0)
	defer e.Close()
	s := e.NewStream()
	defer s.Close()

	buf := make([]float32, 4096)
	p, _ := Grid(len(buf), 512)
	for b.Loop() {
		s.Launch(p, "inc", func(g Group) {
			for i := g.Start; i < g.End; i++ {
				buf[i]++
			}
		})
		if err := s.Sync(); err != nil {
			b.Fatal(err)
		}
	}
}
