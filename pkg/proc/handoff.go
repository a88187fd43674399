package proc

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/go-delve/entrystop/pkg/logflags"
	"github.com/go-delve/entrystop/pkg/poll"
)

// HandoffOutcome describes how a child was released.
type HandoffOutcome uint8

const (
	// HandoffDetached means the child was detached and resumed right away.
	HandoffDetached HandoffOutcome = iota
	// HandoffDebuggerAttached means another tracer attached to the child
	// during the window. The child was left stopped for it.
	HandoffDebuggerAttached
	// HandoffResumed means no tracer attached before the deadline and the
	// child was sent SIGCONT.
	HandoffResumed
	// HandoffVanished means the child's status disappeared during the
	// window, it is assumed to be gone.
	HandoffVanished
)

func (o HandoffOutcome) String() string {
	switch o {
	case HandoffDetached:
		return "detached"
	case HandoffDebuggerAttached:
		return "debugger attached"
	case HandoffResumed:
		return "resumed"
	case HandoffVanished:
		return "vanished"
	}
	return fmt.Sprintf("HandoffOutcome(%d)", uint8(o))
}

// HandoffResult is returned by Release.
type HandoffResult struct {
	Outcome HandoffOutcome
	// TracerPid is the pid of the debugger that took over, if any.
	TracerPid int
	// Elapsed is the time spent waiting for a debugger.
	Elapsed time.Duration
}

// HandoffOptions configures Release.
type HandoffOptions struct {
	// PollInterval is the time between two reads of the child's tracer.
	PollInterval time.Duration
	// OnWindow, if set, is called once the child is detached and stopped,
	// before waiting for a debugger.
	OnWindow func(pid int)
}

// DefaultHandoffPollInterval is used when HandoffOptions.PollInterval is
// not set.
const DefaultHandoffPollInterval = time.Millisecond

// handoff is the state of a delayed release.
type handoff struct {
	pid       int
	start     time.Time
	deadline  time.Time
	tracerPid int
}

// Release ends tracing of t. With a zero delay the child resumes
// immediately. Otherwise the child is detached but kept stopped, and is
// only sent SIGCONT if no other tracer attached to it within delay.
//
// A delayed release needs the child to be stopped under tracing. If it
// is not, the child is detached, left running and ErrHandoffUnavailable
// is returned.
func Release(ctx context.Context, t Tracee, fs ProcFS, delay time.Duration, opts HandoffOptions) (HandoffResult, error) {
	pid := t.Pid()
	log := logflags.HandoffLogger().WithField("pid", pid)

	if delay <= 0 {
		if err := t.Detach(0); err != nil && !errors.Is(err, syscall.ESRCH) {
			return HandoffResult{}, ptraceErr("detach", pid, 0, err)
		}
		if logflags.Handoff() {
			log.Debug("detached")
		}
		return HandoffResult{Outcome: HandoffDetached}, nil
	}

	if _, err := t.PC(); err != nil {
		log.Debugf("child not stopped: %v", err)
		if err := t.Detach(0); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Debugf("detach: %v", err)
		}
		return HandoffResult{Outcome: HandoffDetached}, ErrHandoffUnavailable
	}

	// Delivering SIGSTOP with the detach leaves the child in a group-stop
	// that survives the end of tracing.
	if err := t.Detach(syscall.SIGSTOP); err != nil {
		return HandoffResult{}, ptraceErr("detach", pid, 0, err)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultHandoffPollInterval
	}
	h := &handoff{pid: pid, start: time.Now()}
	h.deadline = h.start.Add(delay)
	log.Infof("waiting %v for a debugger to attach", delay)
	if opts.OnWindow != nil {
		opts.OnWindow(pid)
	}

	vanished := false
	err := poll.Until(ctx, interval, delay, func() (bool, error) {
		tpid, err := fs.TracerPid(pid)
		if err != nil {
			log.Debugf("reading tracer: %v", err)
			vanished = true
			return true, nil
		}
		h.tracerPid = tpid
		return tpid != 0, nil
	})
	res := HandoffResult{TracerPid: h.tracerPid, Elapsed: time.Since(h.start)}

	switch {
	case err == nil && vanished:
		res.Outcome = HandoffVanished
		log.Warn("child disappeared while waiting for a debugger")
		return res, nil
	case err == nil:
		res.Outcome = HandoffDebuggerAttached
		log.Infof("debugger %d attached after %v", h.tracerPid, res.Elapsed)
		return res, nil
	case errors.Is(err, poll.ErrTimeout):
		res.Outcome = HandoffResumed
		log.Infof("no debugger attached by %s, resuming", h.deadline.Format(time.StampMilli))
		if err := t.Signal(syscall.SIGCONT); err != nil {
			return res, fmt.Errorf("resume pid %d: %w", pid, err)
		}
		return res, nil
	default:
		// The caller gave up on the window, let the child run.
		res.Outcome = HandoffResumed
		if serr := t.Signal(syscall.SIGCONT); serr != nil {
			log.Debugf("resume: %v", serr)
		}
		return res, err
	}
}
