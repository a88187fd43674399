package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedArch is returned when the trap table has no entry for
	// the requested architecture.
	ErrUnsupportedArch = errors.New("unsupported architecture")

	// ErrTimeout is returned when the child did not reach an expected stop
	// in time.
	ErrTimeout = errors.New("timed out waiting for the child to stop")
	// ErrUnexpectedSignal is returned when the child stopped with a signal
	// other than the one expected by the current state.
	ErrUnexpectedSignal = errors.New("child stopped with an unexpected signal")
	// ErrChildExited is returned when the child exited while being traced.
	ErrChildExited = errors.New("child exited")
	// ErrChildSignaled is returned when the child was killed by a signal
	// while being traced.
	ErrChildSignaled = errors.New("child killed by a signal")
	// ErrUnexpectedPC is returned when the child stopped on a trap that is
	// not the entry breakpoint.
	ErrUnexpectedPC = errors.New("child stopped at an unexpected address")
	// ErrRestoreFailed is returned when the original instruction could not
	// be written back. The child's entry point is left corrupted.
	ErrRestoreFailed = errors.New("could not restore original instruction")

	// ErrNoExecMapping is returned when the child has no executable
	// mapping.
	ErrNoExecMapping = errors.New("no executable mapping")
	// ErrMapsUnreadable is returned when the child's mapping listing can
	// not be read.
	ErrMapsUnreadable = errors.New("could not read memory mappings")
	// ErrBadHeader is returned when the executable's header can not be
	// read.
	ErrBadHeader = errors.New("could not read executable header")
	// ErrBadSectionTable is returned when the executable's section table is
	// malformed.
	ErrBadSectionTable = errors.New("malformed section table")
	// ErrEntryNotCovered is returned when no section contains the entry
	// point.
	ErrEntryNotCovered = errors.New("entry point not covered by any section")
	// ErrClassMismatch is returned when the executable's word size differs
	// from the one of the tracing architecture, for example a 32 bit
	// program traced from a 64 bit controller. Its registers and words
	// can not be handled with the controller's layout.
	ErrClassMismatch = errors.New("executable class does not match architecture")

	// ErrHandoffUnavailable is returned by a delayed release when the child
	// could not be confirmed stopped. The child is detached and runs.
	ErrHandoffUnavailable = errors.New("child is not stopped, delayed handoff unavailable")
)

// PtraceError records a failed request to the kernel's tracing
// interface.
type PtraceError struct {
	Op   string
	Pid  int
	Addr uint64
	Err  error
}

func (e *PtraceError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s pid %d at %#x: %v", e.Op, e.Pid, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s pid %d: %v", e.Op, e.Pid, e.Err)
}

func (e *PtraceError) Unwrap() error {
	return e.Err
}

// ptraceErr wraps err in a *PtraceError unless it already is one.
func ptraceErr(op string, pid int, addr uint64, err error) error {
	if err == nil {
		return nil
	}
	var pe *PtraceError
	if errors.As(err, &pe) {
		return err
	}
	return &PtraceError{Op: op, Pid: pid, Addr: addr, Err: err}
}
