package native

import sys "golang.org/x/sys/unix"

func regsPC(regs *sys.PtraceRegs) uint64 {
	return regs.Era
}

func regsSetPC(regs *sys.PtraceRegs, pc uint64) {
	regs.Era = pc
}
