package native

import sys "golang.org/x/sys/unix"

func regsPC(regs *sys.PtraceRegs) uint64 {
	return regs.Rip
}

func regsSetPC(regs *sys.PtraceRegs, pc uint64) {
	regs.Rip = pc
}
