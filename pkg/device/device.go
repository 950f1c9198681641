// Package device runs kernel bodies over partitioned element ranges on a
// persistent worker pool. It plays the role a GPU runtime would: streams
// order work, launches fan groups out across workers, and failures surface
// as Fault errors rather than numerics.
package device

import (
	"runtime"
	"sync"
)

// Partition is the launch geometry for one kernel: Groups groups of
// GroupSize elements covering N elements, the last group possibly ragged.
type Partition struct {
	N         int
	GroupSize int
	Groups    int
}

// Grid partitions n elements into groups of groupSize. n == 0 yields a
// zero-group partition, which launches as a no-op.
func Grid(n, groupSize int) (Partition, error) {
	if n < 0 {
		return Partition{}, Faultf("grid", 1, "negative element count %d", n)
	}
	if groupSize <= 0 {
		return Partition{}, Faultf("grid", 1, "group size %d must be positive", groupSize)
	}
	return Partition{
		N:         n,
		GroupSize: groupSize,
		Groups:    (n + groupSize - 1) / groupSize,
	}, nil
}

// Group is one group's element range [Start, End).
type Group struct {
	Index int
	Start int
	End   int
}

// GroupFunc is a kernel body invoked once per group. Bodies must not
// retain their arguments past return. A panic inside a body becomes a
// Fault on the owning stream.
type GroupFunc func(Group)

type task struct {
	fn     GroupFunc
	p      Partition
	gs, ge int
	kernel string
	file   string
	line   int
	rec    *faultRecorder
	done   chan struct{}
}

type faultRecorder struct {
	mu    sync.Mutex
	fault *Fault
}

func (r *faultRecorder) record(f *Fault) {
	r.mu.Lock()
	if r.fault == nil {
		r.fault = f
	}
	r.mu.Unlock()
}

// Executor owns the worker pool. One executor is shared by any number of
// streams; work from different streams interleaves freely.
type Executor struct {
	size      int
	tasks     chan task
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

var (
	defaultExec *Executor
	defaultOnce sync.Once
)

// Default returns the process-wide executor, sized to GOMAXPROCS.
func Default() *Executor {
	defaultOnce.Do(func() {
		defaultExec = New(0)
	})
	return defaultExec
}

// New builds an executor with the given worker count. workers <= 0 means
// GOMAXPROCS.
func New(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}
	e := &Executor{
		size:      workers,
		tasks:     make(chan task, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		e.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Executor) Workers() int { return e.size }

// Close stops the workers. Streams created from this executor must be
// closed first.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		close(e.tasks)
	})
}

func (e *Executor) worker() {
	for t := range e.tasks {
		e.runChunk(t)
		t.done <- struct{}{}
	}
}

func (e *Executor) runChunk(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			t.rec.record(executionFault(t.kernel, t.file, t.line, rec))
		}
	}()
	for g := t.gs; g < t.ge; g++ {
		start := g * t.p.GroupSize
		end := start + t.p.GroupSize
		if end > t.p.N {
			end = t.p.N
		}
		t.fn(Group{Index: g, Start: start, End: end})
	}
}

// run executes one launch synchronously, chunking groups across workers.
// Called from the stream goroutine only.
func (e *Executor) run(p Partition, kernel, file string, line int, fn GroupFunc) *Fault {
	if p.Groups == 0 {
		return nil
	}
	rec := &faultRecorder{}
	workers := e.size
	if workers > p.Groups {
		workers = p.Groups
	}
	if workers <= 1 {
		e.runChunk(task{fn: fn, p: p, gs: 0, ge: p.Groups, kernel: kernel, file: file, line: line, rec: rec})
		return rec.fault
	}

	chunk := (p.Groups + workers - 1) / workers
	done := <-e.doneSlots

	active := 0
	for i := 0; i < workers; i++ {
		gs := i * chunk
		ge := gs + chunk
		if ge > p.Groups {
			ge = p.Groups
		}
		if gs >= ge {
			break
		}
		active++
		e.tasks <- task{
			fn:     fn,
			p:      p,
			gs:     gs,
			ge:     ge,
			kernel: kernel,
			file:   file,
			line:   line,
			rec:    rec,
			done:   done,
		}
	}

	for i := 0; i < active; i++ {
		<-done
	}
	e.doneSlots <- done
	return rec.fault
}
