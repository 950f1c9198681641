package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Fault is the unrecoverable-failure error for launches and kernel
// execution. File and Line point at the dispatch call site that issued
// the work, which is where the failure would historically have been
// reported from.
type Fault struct {
	Kernel string
	File   string
	Line   int
	Err    error
}

func (f *Fault) Error() string {
	if f.Kernel == "" {
		return fmt.Sprintf("%v (%s:%d)", f.Err, f.File, f.Line)
	}
	return fmt.Sprintf("%s: %v (%s:%d)", f.Kernel, f.Err, f.File, f.Line)
}

func (f *Fault) Unwrap() error { return f.Err }

// Faultf builds a launch-time fault attributed to the caller skip frames
// up the stack (0 = the caller of Faultf).
func Faultf(kernel string, skip int, format string, args ...any) *Fault {
	file, line := callerSite(skip + 1)
	return &Fault{
		Kernel: kernel,
		File:   file,
		Line:   line,
		Err:    fmt.Errorf(format, args...),
	}
}

func executionFault(kernel, file string, line int, rec any) *Fault {
	f := &Fault{Kernel: kernel, File: file, Line: line}
	if err, ok := rec.(error); ok {
		f.Err = fmt.Errorf("kernel execution failed: %w", err)
	} else {
		f.Err = fmt.Errorf("kernel execution failed: %v", rec)
	}
	return f
}

func callerSite(skip int) (string, int) {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown", 0
	}
	return filepath.Base(file), line
}

// Fatal prints err in the legacy fatal format and terminates the
// process with status 1. Only top-level command code calls this;
// library code returns the error.
func Fatal(err error) {
	var f *Fault
	if errors.As(err, &f) {
		fmt.Fprintf(os.Stderr, "Error %v at line %d in file %s\n", f.Err, f.Line, f.File)
	} else {
		fmt.Fprintf(os.Stderr, "Error %v\n", err)
	}
	os.Exit(1)
}
