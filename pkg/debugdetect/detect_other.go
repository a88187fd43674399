//go:build !linux

package debugdetect

import (
	"fmt"
	"runtime"
)

func detectDebuggerAttached() (bool, error) {
	return false, fmt.Errorf("debugger detection not supported on %s", runtime.GOOS)
}
