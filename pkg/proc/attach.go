package proc

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/go-delve/entrystop/pkg/logflags"
)

// ptraceEventExec is PTRACE_EVENT_EXEC, the event reported with the
// SIGTRAP stop that follows a successful exec.
const ptraceEventExec = 4

// AttachState is a step of the sequence that stops a child at its entry
// point.
type AttachState uint8

const (
	StateInit AttachState = iota
	StateWaitInitialStop
	StateArmExecTrace
	StateContinueToExec
	StateWaitExecStop
	StateResolveEntry
	StateCaptureOriginalWord
	StateWriteTrap
	StateContinueToEntry
	StateWaitEntryHit
	StateRewindInstructionPointer
	StateRestoreOriginalWord
	StateDone
	StateFailed
)

var attachStateNames = [...]string{
	StateInit:                     "Init",
	StateWaitInitialStop:          "WaitInitialStop",
	StateArmExecTrace:             "ArmExecTrace",
	StateContinueToExec:           "ContinueToExec",
	StateWaitExecStop:             "WaitExecStop",
	StateResolveEntry:             "ResolveEntry",
	StateCaptureOriginalWord:      "CaptureOriginalWord",
	StateWriteTrap:                "WriteTrap",
	StateContinueToEntry:          "ContinueToEntry",
	StateWaitEntryHit:             "WaitEntryHit",
	StateRewindInstructionPointer: "RewindInstructionPointer",
	StateRestoreOriginalWord:      "RestoreOriginalWord",
	StateDone:                     "Done",
	StateFailed:                   "Failed",
}

func (s AttachState) String() string {
	if int(s) < len(attachStateNames) {
		return attachStateNames[s]
	}
	return fmt.Sprintf("AttachState(%d)", uint8(s))
}

// AttachError is returned by AttachAndStopAtEntry. State is the step
// that failed.
type AttachError struct {
	State AttachState
	Pid   int
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("stop pid %d at entry: %s: %v", e.Pid, e.State, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// AttachOptions configures AttachAndStopAtEntry. Zero durations are
// replaced by the defaults.
type AttachOptions struct {
	Arch *Arch

	InitialStopTimeout time.Duration
	ExecStopTimeout    time.Duration
	EntryTimeout       time.Duration
	PollInterval       time.Duration

	// Verbose logs every request made to the child, regardless of the
	// log configuration.
	Verbose bool

	// OnState, if set, is called every time the sequence enters a state.
	OnState func(AttachState)
}

const (
	DefaultInitialStopTimeout = 100 * time.Millisecond
	DefaultExecStopTimeout    = 250 * time.Millisecond
	DefaultEntryTimeout       = 2000 * time.Millisecond
	DefaultPollInterval       = 10 * time.Microsecond
)

func (opts *AttachOptions) setDefaults() error {
	if opts.Arch == nil {
		a, err := CurrentArch()
		if err != nil {
			return err
		}
		opts.Arch = a
	}
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&opts.InitialStopTimeout, DefaultInitialStopTimeout)
	def(&opts.ExecStopTimeout, DefaultExecStopTimeout)
	def(&opts.EntryTimeout, DefaultEntryTimeout)
	def(&opts.PollInterval, DefaultPollInterval)
	return nil
}

type attachSequence struct {
	ctx   context.Context
	t     Tracee
	r     *Resolver
	opts  AttachOptions
	state AttachState
	log   logflags.Logger
	entry *EntryDescriptor
	patch *PatchRecord
}

// AttachAndStopAtEntry drives a child that stopped itself right after
// fork (see native.Cooperate) through its exec and up to the first
// instruction of its entry point. On success the child is stopped under
// tracing, its PC is the entry point and its code is unmodified.
//
// Any failure aborts the sequence. If the trap was already written an
// attempt is made to restore the original instruction, but the child is
// otherwise left as is.
func AttachAndStopAtEntry(ctx context.Context, t Tracee, r *Resolver, opts AttachOptions) (*EntryDescriptor, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, &AttachError{State: StateInit, Pid: t.Pid(), Err: err}
	}
	log := logflags.AttachLogger()
	if opts.Verbose {
		log = logflags.PtraceLogger()
	}
	s := &attachSequence{
		ctx:  ctx,
		t:    t,
		r:    r,
		opts: opts,
		log:  log.WithFields(logflags.Fields{"seq": uuid.New().String(), "pid": t.Pid()}),
	}
	if err := s.run(); err != nil {
		s.abort()
		s.log.WithError(err).Errorf("could not stop at entry in state %s", s.state)
		return nil, &AttachError{State: s.state, Pid: t.Pid(), Err: err}
	}
	return s.entry, nil
}

func (s *attachSequence) enter(state AttachState) {
	s.state = state
	s.tracef("-> %s", state)
	if s.opts.OnState != nil {
		s.opts.OnState(state)
	}
}

func (s *attachSequence) tracef(format string, args ...interface{}) {
	if s.opts.Verbose || logflags.Attach() {
		s.log.Debugf(format, args...)
	}
}

func (s *attachSequence) run() error {
	pid := s.t.Pid()
	arch := s.opts.Arch
	s.enter(StateInit)

	s.enter(StateWaitInitialStop)
	if err := s.waitStop(s.opts.InitialStopTimeout, syscall.SIGSTOP, 0); err != nil {
		return err
	}

	s.enter(StateArmExecTrace)
	if err := s.t.TraceExec(); err != nil {
		return ptraceErr("setoptions", pid, 0, err)
	}

	s.enter(StateContinueToExec)
	if err := s.t.Continue(0); err != nil {
		return ptraceErr("cont", pid, 0, err)
	}

	s.enter(StateWaitExecStop)
	if err := s.waitStop(s.opts.ExecStopTimeout, syscall.SIGTRAP, ptraceEventExec); err != nil {
		return err
	}

	s.enter(StateResolveEntry)
	entry, err := s.r.Resolve(pid)
	if err != nil {
		return err
	}
	if entry.Class != arch.ELFClass() {
		return fmt.Errorf("%w: %s is %v, %s expects %v", ErrClassMismatch, entry.Path, entry.Class, arch.Name, arch.ELFClass())
	}
	s.entry = entry
	addr := entry.PatchAddr()
	s.tracef("entry resolved: %s", entry)

	s.enter(StateCaptureOriginalWord)
	rd := ReadRequest(addr, arch.PtrSize())
	if err := s.t.IO(rd); err != nil {
		return ptraceErr("peek", pid, addr, err)
	}
	s.tracef("original word at %#x: %x", addr, rd.Buf)

	s.enter(StateWriteTrap)
	patched := PatchWord(rd.Buf, arch.BreakpointInstruction())
	if err := s.t.IO(WriteRequest(addr, patched)); err != nil {
		return ptraceErr("poke", pid, addr, err)
	}
	s.patch = &PatchRecord{Addr: addr, Original: rd.Buf, arch: arch}
	s.tracef("trap written at %#x: %x", addr, patched)

	s.enter(StateContinueToEntry)
	if err := s.t.Continue(0); err != nil {
		return ptraceErr("cont", pid, 0, err)
	}

	s.enter(StateWaitEntryHit)
	if err := s.waitStop(s.opts.EntryTimeout, syscall.SIGTRAP, 0); err != nil {
		return err
	}

	s.enter(StateRewindInstructionPointer)
	pc, err := s.t.PC()
	if err != nil {
		return ptraceErr("getregs", pid, 0, err)
	}
	if pc-arch.Rewind() != addr {
		return fmt.Errorf("%w: pc %#x, trap at %#x", ErrUnexpectedPC, pc, addr)
	}
	if arch.Rewind() != 0 {
		if err := s.t.SetPC(addr); err != nil {
			return ptraceErr("setregs", pid, 0, err)
		}
		s.tracef("pc moved back from %#x to %#x", pc, addr)
	}

	s.enter(StateRestoreOriginalWord)
	if err := s.patch.Restore(s.t); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	if err := s.patch.Verify(s.t); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	s.enter(StateDone)
	s.log.Debugf("stopped at entry %#x of %s", addr, entry.Path)
	return nil
}

// waitStop waits for the child to stop. If the stop status was observed
// it must match sig and, for a non-zero event, the ptrace event.
func (s *attachSequence) waitStop(timeout time.Duration, sig syscall.Signal, event int) error {
	out, err := WaitForStop(s.ctx, s.t, timeout, s.opts.PollInterval)
	if err != nil {
		return err
	}
	s.tracef("%s", out)
	switch out.Kind {
	case TimedOut:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case Exited:
		return fmt.Errorf("%w with status %d", ErrChildExited, out.ExitCode)
	case Signaled:
		return fmt.Errorf("%w: %v", ErrChildSignaled, out.Signal)
	}
	if !out.StatusKnown {
		return nil
	}
	if out.Signal != sig {
		return fmt.Errorf("%w: got %v, expected %v", ErrUnexpectedSignal, out.Signal, sig)
	}
	if event != 0 && out.Event != event {
		return fmt.Errorf("%w: got event %d, expected %d", ErrUnexpectedSignal, out.Event, event)
	}
	return nil
}

// abort tries once to remove a trap left in the child.
func (s *attachSequence) abort() {
	if s.opts.OnState != nil {
		s.opts.OnState(StateFailed)
	}
	if s.patch == nil || s.patch.Restored() || s.state == StateRestoreOriginalWord {
		return
	}
	if err := s.patch.Restore(s.t); err != nil {
		s.log.WithError(err).Errorf("trap left at %#x", s.patch.Addr)
		return
	}
	s.log.Debugf("trap at %#x removed", s.patch.Addr)
}
