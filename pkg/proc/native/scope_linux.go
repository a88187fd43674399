package native

import (
	"sync"

	"github.com/go-delve/entrystop/pkg/config"
	"github.com/go-delve/entrystop/pkg/logflags"
	"github.com/go-delve/entrystop/pkg/proc/linutil"
)

// maxPtraceScope is the highest Yama ptrace_scope value that still lets a
// parent trace its children.
// Yama documentation: https://www.kernel.org/doc/Documentation/security/Yama.txt
const maxPtraceScope = 1

var scopeWarning sync.Once

// PtraceAllowed returns true if children may be stopped at their entry
// point: the configuration enables it and the kernel's ptrace_scope
// permits a parent to trace its children. The setting is read again on
// every call.
func PtraceAllowed(cfg *config.Config) bool {
	return ptraceAllowed(linutil.NewProcFS(""), cfg)
}

func ptraceAllowed(fs *linutil.ProcFS, cfg *config.Config) bool {
	if cfg == nil {
		cfg = config.Default()
	}
	if !cfg.PtraceChildProcesses {
		return false
	}
	scope, present, err := fs.PtraceScope()
	if err != nil {
		logflags.AttachLogger().Debugf("reading ptrace_scope: %v", err)
		return true
	}
	if !present || scope <= maxPtraceScope {
		return true
	}
	if cfg.WarnOnPtraceScope {
		scopeWarning.Do(func() {
			logflags.WarnLogger().Warnf("ptrace_scope is %d, children can not be stopped at their entry point. Write \"1\" or \"0\" to /proc/sys/kernel/yama/ptrace_scope to enable it.", scope)
		})
	}
	return false
}

// ScopeValue returns the current Yama ptrace_scope value, -1 if Yama is
// not available.
func ScopeValue() (int, error) {
	scope, present, err := linutil.NewProcFS("").PtraceScope()
	if err != nil {
		return 0, err
	}
	if !present {
		return -1, nil
	}
	return scope, nil
}
