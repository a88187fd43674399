package debugdetect

import (
	"sync"
	"sync/atomic"

	"github.com/go-delve/entrystop/pkg/logflags"
)

var (
	initOnce sync.Once
	present  atomic.Bool
)

// IsDebuggerAttached returns true if the current process is being debugged
// by a ptrace-based debugger (Delve, gdb, lldb, etc.).
//
// Returns an error if the debugger state cannot be determined.
func IsDebuggerAttached() (bool, error) {
	return detectDebuggerAttached()
}

// Init checks once whether a debugger is attached and records the
// answer for Present. Calls after the first one do nothing.
func Init() {
	initOnce.Do(func() {
		initWith(detectDebuggerAttached)
	})
}

func initWith(detect func() (bool, error)) {
	attached, err := detect()
	if err != nil {
		logflags.WarnLogger().Warnf("could not determine whether a debugger is attached: %v", err)
		return
	}
	present.Store(attached)
}

// Present returns the answer recorded by Init, false if Init was not
// called.
func Present() bool {
	return present.Load()
}
