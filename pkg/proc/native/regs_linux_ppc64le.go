package native

import sys "golang.org/x/sys/unix"

func regsPC(regs *sys.PtraceRegs) uint64 {
	return regs.Nip
}

func regsSetPC(regs *sys.PtraceRegs, pc uint64) {
	regs.Nip = pc
}
