package proc

import (
	"debug/elf"
	"fmt"
	"runtime"
)

// Arch describes how a one-shot entry breakpoint is planted on a CPU
// architecture. Every supported architecture is little endian.
type Arch struct {
	Name string

	// ptrSize is the size of a word read from or written to the target,
	// the unit in which the original instruction bytes are saved.
	ptrSize int

	// breakpointInstruction is the encoding of the trap instruction, in
	// memory order.
	breakpointInstruction []byte

	// breakInstrMovesPC is true if the kernel reports a stop on the trap
	// with the PC already past the trap instruction.
	breakInstrMovesPC bool
}

// PtrSize returns the size of a pointer on this architecture, in bytes.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// ELFClass returns the class of the executables this architecture runs
// natively.
func (a *Arch) ELFClass() elf.Class {
	if a.ptrSize == 4 {
		return elf.ELFCLASS32
	}
	return elf.ELFCLASS64
}

// BreakpointInstruction returns the trap instruction for this
// architecture.
func (a *Arch) BreakpointInstruction() []byte {
	return a.breakpointInstruction
}

// BreakpointSize returns the size of the trap instruction.
func (a *Arch) BreakpointSize() int {
	return len(a.breakpointInstruction)
}

// BreakInstrMovesPC returns true if the PC needs to be moved back by
// BreakpointSize after the trap fires.
func (a *Arch) BreakInstrMovesPC() bool {
	return a.breakInstrMovesPC
}

// Rewind returns how many bytes the PC must be moved back after the trap
// fires so that it points at the trap address again.
func (a *Arch) Rewind() uint64 {
	if a.breakInstrMovesPC {
		return uint64(len(a.breakpointInstruction))
	}
	return 0
}

var archs = map[string]*Arch{
	"amd64": {
		Name:                  "amd64",
		ptrSize:               8,
		breakpointInstruction: []byte{0xCC}, // int3
		breakInstrMovesPC:     true,
	},
	"386": {
		Name:                  "386",
		ptrSize:               4,
		breakpointInstruction: []byte{0xCC},
		breakInstrMovesPC:     true,
	},
	"arm64": {
		Name:                  "arm64",
		ptrSize:               8,
		breakpointInstruction: []byte{0x0, 0x0, 0x20, 0xd4}, // brk #0
		breakInstrMovesPC:     false,
	},
	"arm": {
		Name:    "arm",
		ptrSize: 4,
		// udf used by the kernel as the ARM breakpoint, the undefined
		// instruction handler reports the PC of the faulting instruction.
		breakpointInstruction: []byte{0xf0, 0x01, 0xf0, 0xe7},
		breakInstrMovesPC:     false,
	},
	"ppc64le": {
		Name:                  "ppc64le",
		ptrSize:               8,
		breakpointInstruction: []byte{0x08, 0x00, 0xe0, 0x7f}, // trap
		breakInstrMovesPC:     false,
	},
	"riscv64": {
		Name:    "riscv64",
		ptrSize: 8,
		// ebreak, the compressed form is not used so that the trap has the
		// same width as every instruction it may overwrite.
		breakpointInstruction: []byte{0x73, 0x00, 0x10, 0x00},
		breakInstrMovesPC:     false,
	},
	"loong64": {
		Name:                  "loong64",
		ptrSize:               8,
		breakpointInstruction: []byte{0x00, 0x00, 0x2a, 0x00}, // break 0
		breakInstrMovesPC:     true,
	},
}

// ArchByName returns the description of the architecture called name,
// using the GOARCH naming.
func ArchByName(name string) (*Arch, error) {
	a, ok := archs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, name)
	}
	return a, nil
}

// CurrentArch returns the architecture entrystop was built for. Tracing
// a child of a different architecture is not supported.
func CurrentArch() (*Arch, error) {
	return ArchByName(runtime.GOARCH)
}

// SupportedArchs returns the names of every architecture in the trap table.
func SupportedArchs() []string {
	r := make([]string, 0, len(archs))
	for name := range archs {
		r = append(r, name)
	}
	return r
}
