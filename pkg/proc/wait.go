package proc

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/go-delve/entrystop/pkg/poll"
)

// WaitKind is the kind of state change reported by WaitForStop.
type WaitKind uint8

const (
	Stopped WaitKind = iota
	Exited
	Signaled
	TimedOut
)

func (k WaitKind) String() string {
	switch k {
	case Stopped:
		return "stopped"
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	case TimedOut:
		return "timed out"
	}
	return fmt.Sprintf("WaitKind(%d)", uint8(k))
}

// WaitOutcome is the result of observing a child.
type WaitOutcome struct {
	Kind WaitKind
	// Signal is the stop signal for Stopped and the fatal signal for
	// Signaled.
	Signal   syscall.Signal
	ExitCode int
	// Event is the ptrace event number of a SIGTRAP stop, for example
	// PTRACE_EVENT_EXEC.
	Event int
	// StatusKnown is false if the stop was only inferred from a successful
	// register read because the wait status was consumed elsewhere.
	StatusKnown bool
}

func (o WaitOutcome) String() string {
	switch {
	case o.Kind == Stopped && !o.StatusKnown:
		return "stopped (status unknown)"
	case o.Kind == Stopped && o.Event != 0:
		return fmt.Sprintf("stopped by %v (event %d)", o.Signal, o.Event)
	case o.Kind == Stopped, o.Kind == Signaled:
		return fmt.Sprintf("%v by %v", o.Kind, o.Signal)
	case o.Kind == Exited:
		return fmt.Sprintf("exited with status %d", o.ExitCode)
	}
	return o.Kind.String()
}

// WaitForStop polls t every interval until it stops, exits, is killed
// or timeout elapses. It never blocks in the kernel: the status of a
// child can be reaped by any other wait in this process, so a stop is
// also recognized by the child's registers becoming readable.
// Only a failure of the wait itself is returned as an error.
func WaitForStop(ctx context.Context, t Tracee, timeout, interval time.Duration) (WaitOutcome, error) {
	var out WaitOutcome
	err := poll.Until(ctx, interval, timeout, func() (bool, error) {
		o, ok, err := t.TryWait()
		if err != nil {
			return false, ptraceErr("wait4", t.Pid(), 0, err)
		}
		if ok {
			out = o
			return true, nil
		}
		if _, err := t.PC(); err != nil {
			return false, nil
		}
		// Registers are readable, the child is stopped. Give the wait one
		// more chance to report why.
		o, ok, err = t.TryWait()
		if err != nil {
			return false, ptraceErr("wait4", t.Pid(), 0, err)
		}
		if ok {
			out = o
		} else {
			out = WaitOutcome{Kind: Stopped}
		}
		return true, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return WaitOutcome{Kind: TimedOut}, nil
	}
	return out, err
}
