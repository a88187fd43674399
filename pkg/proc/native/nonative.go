//go:build unix && !linux

package native

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/go-delve/entrystop/pkg/config"
	"github.com/go-delve/entrystop/pkg/proc"
)

const CooperateEnv = "ENTRYSTOP_COOPERATE"

// Controller is not available on this system, every method returns
// ErrUnsupported.
type Controller struct{}

type LaunchOptions struct {
	Dir            string
	Env            []string
	Stdin          io.Reader
	Stdout, Stderr io.Writer
	Pty            bool
}

type Child struct {
	Pid         int
	Cmd         *exec.Cmd
	Pty         *os.File
	Cooperating bool
}

func (ch *Child) Wait() error {
	return ch.Cmd.Wait()
}

func NewController(cfg *config.Config) *Controller {
	return &Controller{}
}

func (c *Controller) Close() {}

func (c *Controller) Traced() int {
	return 0
}

// Launch starts argv without cooperation.
func (c *Controller) Launch(argv []string, opts LaunchOptions) (*Child, error) {
	if len(argv) == 0 {
		return nil, ErrUnsupported
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir, cmd.Env = opts.Dir, opts.Env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = opts.Stdin, opts.Stdout, opts.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Child{Pid: cmd.Process.Pid, Cmd: cmd}, nil
}

func (c *Controller) AttachAndStopAtEntry(ctx context.Context, pid int) (*proc.EntryDescriptor, error) {
	return nil, ErrUnsupported
}

func (c *Controller) StopAtEntry(pid int) bool {
	return false
}

func (c *Controller) Release(pid int, delay time.Duration) error {
	return ErrUnsupported
}

func Cooperate() {}

func MaybeCooperate() {}

func PtraceAllowed(cfg *config.Config) bool {
	return false
}

func ScopeValue() (int, error) {
	return 0, ErrUnsupported
}
