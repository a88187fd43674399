//go:build linux

package debugdetect

import (
	"fmt"

	"github.com/go-delve/entrystop/pkg/proc"
	"github.com/go-delve/entrystop/pkg/proc/linutil"
)

func detectDebuggerAttached() (bool, error) {
	return tracedBy(linutil.NewProcFS(""))
}

// tracedBy looks for the TracerPid field in /proc/self/status.
func tracedBy(fs proc.ProcFS) (bool, error) {
	pid, err := fs.TracerPid(0)
	if err != nil {
		return false, fmt.Errorf("failed to read /proc/self/status: %w", err)
	}
	return pid != 0, nil
}
