// Package native stops children at their entry point using the tracing
// facilities of the operating system. Only Linux is supported, on other
// unix systems every operation returns ErrUnsupported. The package does
// not build on windows.
package native

import "errors"

var (
	// ErrBusy is returned when the controller already traces a child.
	ErrBusy = errors.New("controller busy")
	// ErrNotPermitted is returned when tracing children is disabled by the
	// configuration or by the kernel.
	ErrNotPermitted = errors.New("tracing children is not permitted")
	// ErrUnsupported is returned on systems without a native backend.
	ErrUnsupported = errors.New("stopping at entry is not supported on this system")
)
