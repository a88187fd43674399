package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cosiner/argv"

	"github.com/go-delve/entrystop/pkg/config"
	"github.com/go-delve/entrystop/pkg/logflags"
	"github.com/go-delve/entrystop/pkg/proc"
	"github.com/go-delve/entrystop/pkg/proc/linutil"
)

// Controller stops children at their entry point and later releases
// them. It traces at most one child at a time.
//
// A child can only be traced by the thread that forked it, so children
// must be started with Launch.
type Controller struct {
	cfg      *config.Config
	procfs   *linutil.ProcFS
	resolver *proc.Resolver

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closeOnce      sync.Once

	mu    sync.Mutex
	child int // pid of the traced child, 0 if none
}

// NewController returns a Controller configured by cfg, config.Default()
// if nil. Before returning, it launches a goroutine that executes every
// ptrace call, see handlePtraceFuncs. Close must be called to stop it.
func NewController(cfg *config.Config) *Controller {
	if cfg == nil {
		cfg = config.Default()
	}
	fs := linutil.NewProcFS("")
	c := &Controller{
		cfg:            cfg,
		procfs:         fs,
		resolver:       proc.NewResolver(fs, nil),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go c.handlePtraceFuncs()
	return c
}

// Close stops the ptrace thread. Children still traced are detached by
// the kernel when the thread exits.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.ptraceChan)
	})
}

func (c *Controller) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_TRACEME to come from the parent thread.
	// The thread is never unlocked so that it exits with the goroutine.
	runtime.LockOSThread()

	for fn := range c.ptraceChan {
		fn()
		c.ptraceDoneChan <- nil
	}
}

func (c *Controller) execPtraceFunc(fn func()) {
	c.ptraceChan <- fn
	<-c.ptraceDoneChan
}

func (c *Controller) tracee(pid int) *nativeTracee {
	return &nativeTracee{c: c, pid: pid}
}

// acquire reserves the controller for pid.
func (c *Controller) acquire(pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child != 0 {
		return fmt.Errorf("%w: tracing pid %d", ErrBusy, c.child)
	}
	c.child = pid
	return nil
}

func (c *Controller) free(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child == pid {
		c.child = 0
	}
}

// Traced returns the pid of the child currently traced, 0 if none.
func (c *Controller) Traced() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.child
}

// AttachAndStopAtEntry stops pid at the first instruction of its entry
// point. pid must have been started by Launch with cooperation enabled.
// On success the child stays traced until Release is called. On failure
// the child is detached, if possible, and left running.
func (c *Controller) AttachAndStopAtEntry(ctx context.Context, pid int) (*proc.EntryDescriptor, error) {
	if !PtraceAllowed(c.cfg) {
		return nil, ErrNotPermitted
	}
	arch, err := proc.CurrentArch()
	if err != nil {
		return nil, err
	}
	if err := c.acquire(pid); err != nil {
		return nil, err
	}
	t := c.tracee(pid)
	d, err := proc.AttachAndStopAtEntry(ctx, t, c.resolver, proc.AttachOptions{
		Arch:               arch,
		InitialStopTimeout: c.cfg.InitialStopTimeout.Std(),
		ExecStopTimeout:    c.cfg.ExecStopTimeout.Std(),
		EntryTimeout:       c.cfg.EntryTimeout.Std(),
		PollInterval:       c.cfg.PollInterval.Std(),
		Verbose:            c.cfg.PtraceLogging,
	})
	if err != nil {
		if derr := t.Detach(0); derr != nil && !errors.Is(derr, syscall.ESRCH) {
			logflags.AttachLogger().Debugf("detach after failure: %v", derr)
		}
		c.free(pid)
		return nil, err
	}
	return d, nil
}

// StopAtEntry is AttachAndStopAtEntry for callers that only need to
// know whether the child is stopped. Errors are logged.
func (c *Controller) StopAtEntry(pid int) bool {
	_, err := c.AttachAndStopAtEntry(context.Background(), pid)
	if err != nil {
		if !errors.Is(err, ErrNotPermitted) {
			logflags.AttachLogger().WithError(err).Errorf("pid %d not stopped at entry", pid)
		}
		return false
	}
	return true
}

// Release ends tracing of pid. With a zero delay the child resumes
// immediately. Otherwise the child is left stopped for up to delay so
// that a debugger can attach to it, the configured debugger command is
// started at the beginning of that window.
func (c *Controller) Release(pid int, delay time.Duration) error {
	defer c.free(pid)
	_, err := proc.Release(context.Background(), c.tracee(pid), c.procfs, delay, proc.HandoffOptions{
		PollInterval: c.cfg.HandoffPollInterval.Std(),
		OnWindow:     c.startDebugger,
	})
	return err
}

func (c *Controller) startDebugger(pid int) {
	if c.cfg.DebuggerCommand == "" {
		return
	}
	log := logflags.HandoffLogger()
	args, err := debuggerCommand(c.cfg.DebuggerCommand, pid)
	if err != nil {
		logflags.WarnLogger().Warnf("debugger-command: %v", err)
		return
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		logflags.WarnLogger().Warnf("could not start %s: %v", args[0], err)
		return
	}
	log.Debugf("started %q as pid %d", args, cmd.Process.Pid)
	go cmd.Wait()
}

// debuggerCommand splits the debugger command line s and replaces {pid}
// in its arguments.
func debuggerCommand(s string, pid int) ([]string, error) {
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return nil, fmt.Errorf("illegal command line '%s'", s)
	}
	args := v[0]
	for i := range args {
		args[i] = strings.ReplaceAll(args[i], "{pid}", strconv.Itoa(pid))
	}
	return args, nil
}
