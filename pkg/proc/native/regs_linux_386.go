package native

import sys "golang.org/x/sys/unix"

func regsPC(regs *sys.PtraceRegs) uint64 {
	return uint64(uint32(regs.Eip))
}

func regsSetPC(regs *sys.PtraceRegs, pc uint64) {
	regs.Eip = int32(uint32(pc))
}
