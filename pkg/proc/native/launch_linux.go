package native

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/go-delve/entrystop/pkg/logflags"
)

// LaunchOptions configures Controller.Launch.
type LaunchOptions struct {
	// Dir is the working directory of the child.
	Dir string
	// Env is the environment of the child, os.Environ() if nil.
	Env []string

	Stdin          io.Reader
	Stdout, Stderr io.Writer

	// Pty runs the child on a new pseudo terminal. Stdin, Stdout and
	// Stderr are ignored, the terminal is returned in Child.Pty.
	Pty bool
}

// Child is a process started by Controller.Launch.
type Child struct {
	Pid int
	Cmd *exec.Cmd
	// Pty is the controlling side of the child's terminal, if any.
	Pty *os.File
	// Cooperating is true if the child was started through the
	// cooperator and can be stopped at its entry point.
	Cooperating bool
}

// Wait waits for the child to exit. It must not be called while the
// child is being attached.
func (ch *Child) Wait() error {
	err := ch.Cmd.Wait()
	if ch.Pty != nil {
		ch.Pty.Close()
	}
	return err
}

// Launch starts the program described by argv. If stopping at the entry
// point is allowed the program is started through the cooperator: the
// current executable is run again with CooperateEnv set, stops itself and
// then executes argv. The main package of the current executable must call
// MaybeCooperate from an init function.
//
// The fork happens on the ptrace thread so that the child can be traced
// by this controller.
func (c *Controller) Launch(argv []string, opts LaunchOptions) (*Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no program to launch")
	}
	cooperate := PtraceAllowed(c.cfg)

	var process *exec.Cmd
	if cooperate {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("could not find own executable: %v", err)
		}
		process = exec.Command(self)
		process.Args = argv
	} else {
		process = exec.Command(argv[0], argv[1:]...)
	}
	process.Dir = opts.Dir
	process.Env = opts.Env
	if process.Env == nil {
		process.Env = os.Environ()
	}
	if cooperate {
		process.Env = append(cooperateEnviron(process.Env), CooperateEnv+"=1")
	}

	var (
		ptmx *os.File
		err  error
	)
	c.execPtraceFunc(func() {
		if opts.Pty {
			ptmx, err = pty.Start(process)
			return
		}
		process.Stdin = opts.Stdin
		process.Stdout = opts.Stdout
		process.Stderr = opts.Stderr
		err = process.Start()
	})
	if err != nil {
		return nil, err
	}
	logflags.AttachLogger().Debugf("launched %q as pid %d (cooperating: %v)", argv, process.Process.Pid, cooperate)
	return &Child{Pid: process.Process.Pid, Cmd: process, Pty: ptmx, Cooperating: cooperate}, nil
}
