package native

import sys "golang.org/x/sys/unix"

// armPC is the index of the PC in the ARM register block.
const armPC = 15

func regsPC(regs *sys.PtraceRegs) uint64 {
	return uint64(regs.Uregs[armPC])
}

func regsSetPC(regs *sys.PtraceRegs, pc uint64) {
	regs.Uregs[armPC] = uint32(pc)
}
