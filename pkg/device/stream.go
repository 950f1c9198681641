package device

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when work is submitted to a closed stream.
var ErrClosed = errors.New("stream closed")

type streamOp struct {
	run  func() *Fault
	sync chan *Fault
}

// Stream orders kernel launches. Work submitted to one stream executes
// in submission order; completion is observable only after Sync. The
// first execution fault latches: queued and future work is skipped and
// every later call reports the same fault.
type Stream struct {
	exec  *Executor
	ops   chan streamOp
	done  chan struct{}
	fault atomic.Pointer[Fault]

	mu     sync.Mutex
	closed bool
}

// NewStream starts a stream on this executor.
func (e *Executor) NewStream() *Stream {
	s := &Stream{
		exec: e,
		ops:  make(chan streamOp, 64),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.done)
	for op := range s.ops {
		if op.sync != nil {
			op.sync <- s.fault.Load()
			continue
		}
		if s.fault.Load() != nil {
			continue
		}
		if f := op.run(); f != nil {
			s.fault.Store(f)
		}
	}
}

func (s *Stream) submit(op streamOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ops <- op
	return nil
}

// Launch submits one kernel over the given partition. It returns
// immediately; execution failures surface from Sync. The only immediate
// errors are a nil body, a closed stream, or a previously latched fault.
func (s *Stream) Launch(p Partition, kernel string, fn GroupFunc) error {
	if fn == nil {
		return Faultf(kernel, 1, "nil kernel body")
	}
	if f := s.fault.Load(); f != nil {
		return f
	}
	file, line := callerSite(1)
	return s.submit(streamOp{run: func() *Fault {
		return s.exec.run(p, kernel, file, line, fn)
	}})
}

// Fill sets every element of dst to v, ordered with respect to other
// work on the stream. Used to zero accumulators before a launch reads
// or adds into them.
func (s *Stream) Fill(dst []float32, v float32) error {
	if f := s.fault.Load(); f != nil {
		return f
	}
	return s.submit(streamOp{run: func() *Fault {
		for i := range dst {
			dst[i] = v
		}
		return nil
	}})
}

// Do runs fn on the stream goroutine, ordered after all previously
// submitted work. fn observes the results of earlier launches without a
// Sync. An error from fn latches on the stream as a fault.
func (s *Stream) Do(kernel string, fn func() error) error {
	if fn == nil {
		return Faultf(kernel, 1, "nil callback")
	}
	if f := s.fault.Load(); f != nil {
		return f
	}
	file, line := callerSite(1)
	return s.submit(streamOp{run: func() (fault *Fault) {
		defer func() {
			if rec := recover(); rec != nil {
				fault = executionFault(kernel, file, line, rec)
			}
		}()
		if err := fn(); err != nil {
			return &Fault{Kernel: kernel, File: file, Line: line, Err: err}
		}
		return nil
	}})
}

// Sync blocks until all previously submitted work has executed and
// returns the stream's latched fault, if any. The fault is sticky.
func (s *Stream) Sync() error {
	reply := make(chan *Fault, 1)
	if err := s.submit(streamOp{sync: reply}); err != nil {
		return err
	}
	if f := <-reply; f != nil {
		return f
	}
	return nil
}

// Close drains the stream and stops its goroutine. Submitted work still
// runs; Close returns once it has.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	return nil
}
