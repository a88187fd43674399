package native

import (
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/entrystop/pkg/proc"
)

// nativeTracee implements proc.Tracee for a child traced by the
// controller's ptrace thread.
type nativeTracee struct {
	c   *Controller
	pid int
}

var _ proc.Tracee = (*nativeTracee)(nil)

func (t *nativeTracee) Pid() int {
	return t.pid
}

// TryWait does not need the ptrace thread: any thread of the tracer's
// thread group can wait for its tracees.
func (t *nativeTracee) TryWait() (proc.WaitOutcome, bool, error) {
	s, ok, err := wait4NoHang(t.pid)
	if err != nil || !ok {
		return proc.WaitOutcome{}, false, err
	}
	return decodeWaitStatus(s), true, nil
}

func decodeWaitStatus(s sys.WaitStatus) proc.WaitOutcome {
	o := proc.WaitOutcome{StatusKnown: true}
	switch {
	case s.Exited():
		o.Kind = proc.Exited
		o.ExitCode = s.ExitStatus()
	case s.Signaled():
		o.Kind = proc.Signaled
		o.Signal = s.Signal()
	default:
		o.Kind = proc.Stopped
		o.Signal = s.StopSignal()
		if o.Signal == syscall.SIGTRAP {
			if cause := s.TrapCause(); cause > 0 {
				o.Event = cause
			}
		}
	}
	return o
}

func (t *nativeTracee) PC() (pc uint64, err error) {
	if err := regsSupported(); err != nil {
		return 0, err
	}
	var regs sys.PtraceRegs
	t.c.execPtraceFunc(func() { err = ptraceGetRegs(t.pid, &regs) })
	if err != nil {
		return 0, err
	}
	return regsPC(&regs), nil
}

func (t *nativeTracee) SetPC(pc uint64) (err error) {
	if err := regsSupported(); err != nil {
		return err
	}
	t.c.execPtraceFunc(func() {
		var regs sys.PtraceRegs
		if err = ptraceGetRegs(t.pid, &regs); err != nil {
			return
		}
		regsSetPC(&regs, pc)
		err = ptraceSetRegs(t.pid, &regs)
	})
	return err
}

func (t *nativeTracee) IO(req *proc.MemRequest) (err error) {
	t.c.execPtraceFunc(func() {
		switch req.Op {
		case proc.MemRead:
			err = ptracePeek(t.pid, uintptr(req.Addr), req.Buf)
		case proc.MemWrite:
			err = ptracePoke(t.pid, uintptr(req.Addr), req.Buf)
		default:
			err = syscall.EINVAL
		}
	})
	return err
}

func (t *nativeTracee) TraceExec() (err error) {
	t.c.execPtraceFunc(func() { err = ptraceTraceExec(t.pid) })
	return err
}

func (t *nativeTracee) Continue(sig syscall.Signal) (err error) {
	t.c.execPtraceFunc(func() { err = ptraceCont(t.pid, int(sig)) })
	return err
}

func (t *nativeTracee) Detach(sig syscall.Signal) (err error) {
	t.c.execPtraceFunc(func() { err = ptraceDetach(t.pid, int(sig)) })
	return err
}

func (t *nativeTracee) Signal(sig syscall.Signal) error {
	return sys.Kill(t.pid, sig)
}
