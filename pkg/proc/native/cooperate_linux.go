package native

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/entrystop/pkg/config"
	"github.com/go-delve/entrystop/pkg/logflags"
)

// CooperateEnv is set in the environment of a process started by
// Controller.Launch. It tells MaybeCooperate that the process must stop
// itself and then execute its arguments.
const CooperateEnv = "ENTRYSTOP_COOPERATE"

// Cooperate asks the parent to trace the calling thread and stops it
// with SIGSTOP until the tracer resumes it. If tracing is not permitted
// it returns without stopping.
//
// Only the calling thread is traced. Cooperate must be called from the
// thread that will exec the target, see MaybeCooperate.
func Cooperate() {
	cfg := config.Default()
	cfg.WarnOnPtraceScope = false
	if !PtraceAllowed(cfg) {
		return
	}
	if err := ptraceTraceme(); err != nil {
		logflags.AttachLogger().Debugf("PTRACE_TRACEME: %v", err)
		return
	}
	if err := sys.Tgkill(os.Getpid(), sys.Gettid(), sys.SIGSTOP); err != nil {
		logflags.AttachLogger().Debugf("tgkill: %v", err)
	}
}

// MaybeCooperate does nothing unless the process was started by
// Controller.Launch. In that case it calls Cooperate and replaces the
// process with the program in os.Args, it does not return.
//
// MaybeCooperate must be called from an init function of the main
// package: during initialization the main goroutine runs on the main
// thread, which is the thread that PTRACE_TRACEME applies to and the one
// that calls exec.
func MaybeCooperate() {
	if os.Getenv(CooperateEnv) != "1" {
		return
	}
	if len(os.Args) < 1 || os.Getpid() != sys.Gettid() {
		fmt.Fprintf(os.Stderr, "%s: cooperator must run on the main thread\n", os.Args[0])
		os.Exit(127)
	}
	path, err := exec.LookPath(os.Args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(127)
	}
	Cooperate()
	err = syscall.Exec(path, os.Args, cooperateEnviron(os.Environ()))
	fmt.Fprintf(os.Stderr, "exec %s: %v\n", path, err)
	os.Exit(127)
}

// cooperateEnviron returns env without CooperateEnv.
func cooperateEnviron(env []string) []string {
	r := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, CooperateEnv+"=") {
			continue
		}
		r = append(r, kv)
	}
	return r
}
