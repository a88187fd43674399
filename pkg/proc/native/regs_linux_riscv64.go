package native

import sys "golang.org/x/sys/unix"

func regsPC(regs *sys.PtraceRegs) uint64 {
	return regs.Pc
}

func regsSetPC(regs *sys.PtraceRegs, pc uint64) {
	regs.Pc = pc
}
