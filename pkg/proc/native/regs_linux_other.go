//go:build linux && !amd64 && !386 && !arm && !arm64 && !riscv64 && !ppc64le && !loong64

package native

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

// The trap table has no entry for this architecture, attaching fails
// before registers are ever needed. Reporting ENOSYS keeps the PC probe
// of a delayed release from succeeding.

func regsPC(regs *sys.PtraceRegs) uint64 {
	return 0
}

func regsSetPC(regs *sys.PtraceRegs, pc uint64) {}

func regsSupported() error {
	return syscall.ENOSYS
}
