package proc

import (
	"bytes"
	"fmt"
)

// PatchWord returns a copy of orig where the low len(trap) bytes of the
// little endian word are replaced by trap. Higher bytes are unchanged.
func PatchWord(orig, trap []byte) []byte {
	r := make([]byte, len(orig))
	copy(r, orig)
	copy(r, trap)
	return r
}

// PatchRecord is a trap written into the memory of a child, along with
// the word it replaced. A PatchRecord that has not been restored means the
// child's code is modified.
type PatchRecord struct {
	Addr     uint64
	Original []byte
	arch     *Arch
	restored bool
}

// Patched returns the word currently expected at Addr while the trap is
// in place.
func (p *PatchRecord) Patched() []byte {
	return PatchWord(p.Original, p.arch.BreakpointInstruction())
}

// Restored returns true once Restore succeeded.
func (p *PatchRecord) Restored() bool {
	return p.restored
}

// Restore writes the original word back. Only the first successful call
// writes to the child, later calls do nothing.
func (p *PatchRecord) Restore(t Tracee) error {
	if p.restored {
		return nil
	}
	if err := t.IO(WriteRequest(p.Addr, p.Original)); err != nil {
		return ptraceErr("poke", t.Pid(), p.Addr, err)
	}
	p.restored = true
	return nil
}

// Verify reads the word at Addr back and checks that it is the original
// one.
func (p *PatchRecord) Verify(t Tracee) error {
	rd := ReadRequest(p.Addr, len(p.Original))
	if err := t.IO(rd); err != nil {
		return ptraceErr("peek", t.Pid(), p.Addr, err)
	}
	if !bytes.Equal(rd.Buf, p.Original) {
		return fmt.Errorf("word at %#x is %x, expected %x", p.Addr, rd.Buf, p.Original)
	}
	return nil
}
