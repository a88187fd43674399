package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePhase is the point reached by a fakeTracee.
type fakePhase int

const (
	phaseForked  fakePhase = iota // stopped by SIGSTOP, before exec
	phaseExeced                   // stopped after exec
	phaseRunning                  // running toward the entry point
	phaseAtEntry                  // stopped on the entry trap
	phaseExited
	phaseDetached
)

// fakeTracee simulates a child going through fork, exec and its entry
// point. Memory is sparse and every byte not written reads as zero.
type fakeTracee struct {
	pid   int
	arch  *Arch
	entry uint64 // address executed first after exec
	mem   map[uint64]byte

	phase   fakePhase
	stopped bool
	pending *WaitOutcome
	pc      uint64
	exec    bool

	// firstSignal is the signal of the initial stop, SIGSTOP by default.
	firstSignal syscall.Signal
	// steal drops every wait status as if reaped by another wait.
	steal bool
	// lateStatus is the number of waits that miss a pending status before
	// it is reported.
	lateStatus int
	// lateExec sets lateStatus to one when the exec stop is queued.
	lateExec bool
	// noExecEvent reports the exec stop as a plain SIGTRAP.
	noExecEvent bool
	// exitBeforeExec makes the child exit when continued before exec.
	exitBeforeExec bool
	// hang makes the child never reach the entry point.
	hang bool
	// pcOffset is added to the PC reported at the entry trap.
	pcOffset uint64
	// fail makes the named operation fail.
	fail map[string]error

	writes   [][]byte
	setPCs   []uint64
	detaches []syscall.Signal
	signals  []syscall.Signal
}

func newFakeTracee(arch *Arch, entry uint64) *fakeTracee {
	return &fakeTracee{
		pid:         4242,
		arch:        arch,
		entry:       entry,
		mem:         map[uint64]byte{},
		firstSignal: syscall.SIGSTOP,
		fail:        map[string]error{},
		stopped:     true,
	}
}

func (f *fakeTracee) start() {
	f.pending = &WaitOutcome{Kind: Stopped, Signal: f.firstSignal, StatusKnown: true}
}

func (f *fakeTracee) setWord(addr uint64, word []byte) {
	for i, b := range word {
		f.mem[addr+uint64(i)] = b
	}
}

func (f *fakeTracee) word(addr uint64, n int) []byte {
	r := make([]byte, n)
	for i := range r {
		r[i] = f.mem[addr+uint64(i)]
	}
	return r
}

func (f *fakeTracee) Pid() int { return f.pid }

func (f *fakeTracee) TryWait() (WaitOutcome, bool, error) {
	if err := f.fail["wait"]; err != nil {
		return WaitOutcome{}, false, err
	}
	if f.pending == nil || f.steal {
		return WaitOutcome{}, false, nil
	}
	if f.lateStatus > 0 {
		f.lateStatus--
		return WaitOutcome{}, false, nil
	}
	o := *f.pending
	f.pending = nil
	return o, true, nil
}

func (f *fakeTracee) PC() (uint64, error) {
	if !f.stopped || f.phase == phaseDetached {
		return 0, syscall.ESRCH
	}
	if err := f.fail["getregs"]; err != nil {
		return 0, err
	}
	return f.pc, nil
}

func (f *fakeTracee) SetPC(pc uint64) error {
	if !f.stopped {
		return syscall.ESRCH
	}
	if err := f.fail["setregs"]; err != nil {
		return err
	}
	f.pc = pc
	f.setPCs = append(f.setPCs, pc)
	return nil
}

func (f *fakeTracee) IO(req *MemRequest) error {
	if !f.stopped {
		return syscall.ESRCH
	}
	switch req.Op {
	case MemRead:
		if err := f.fail["peek"]; err != nil {
			return err
		}
		copy(req.Buf, f.word(req.Addr, len(req.Buf)))
	case MemWrite:
		if err := f.fail["poke"]; err != nil {
			return err
		}
		if f.phase == phaseAtEntry {
			if err := f.fail["restore"]; err != nil {
				return err
			}
		}
		f.writes = append(f.writes, append([]byte(nil), req.Buf...))
		f.setWord(req.Addr, req.Buf)
	}
	return nil
}

func (f *fakeTracee) TraceExec() error {
	if err := f.fail["setoptions"]; err != nil {
		return err
	}
	f.exec = true
	return nil
}

func (f *fakeTracee) Continue(sig syscall.Signal) error {
	if err := f.fail["cont"]; err != nil {
		return err
	}
	f.stopped = false
	switch f.phase {
	case phaseForked:
		if f.exitBeforeExec {
			f.phase = phaseExited
			f.pending = &WaitOutcome{Kind: Exited, ExitCode: 3, StatusKnown: true}
			return nil
		}
		f.phase = phaseExeced
		f.stopped = true
		f.pc = f.entry
		o := WaitOutcome{Kind: Stopped, Signal: syscall.SIGTRAP, StatusKnown: true}
		if f.exec && !f.noExecEvent {
			o.Event = ptraceEventExec
		}
		f.pending = &o
		if f.lateExec {
			f.lateStatus = 1
		}
	case phaseExeced:
		f.phase = phaseRunning
		if f.hang {
			return nil
		}
		trap := f.arch.BreakpointInstruction()
		if !bytes.Equal(f.word(f.entry, len(trap)), trap) {
			f.phase = phaseExited
			f.pending = &WaitOutcome{Kind: Exited, StatusKnown: true}
			return nil
		}
		f.phase = phaseAtEntry
		f.stopped = true
		f.pc = f.entry + f.arch.Rewind() + f.pcOffset
		f.pending = &WaitOutcome{Kind: Stopped, Signal: syscall.SIGTRAP, StatusKnown: true}
	}
	return nil
}

func (f *fakeTracee) Detach(sig syscall.Signal) error {
	if err := f.fail["detach"]; err != nil {
		return err
	}
	f.detaches = append(f.detaches, sig)
	f.phase = phaseDetached
	f.stopped = sig == syscall.SIGSTOP
	return nil
}

func (f *fakeTracee) Signal(sig syscall.Signal) error {
	f.signals = append(f.signals, sig)
	if sig == syscall.SIGCONT {
		f.stopped = false
	}
	return nil
}

func (f *fakeTracee) count(sig syscall.Signal) int {
	n := 0
	for _, s := range f.signals {
		if s == sig {
			n++
		}
	}
	return n
}

// fakeProcFS serves a fixed memory map and a tracer pid computed on
// every read.
type fakeProcFS struct {
	maps    []Mapping
	mapsErr error
	tracer  func() (int, error)
	reads   int
}

func (fs *fakeProcFS) Maps(pid int) ([]Mapping, error) {
	if fs.mapsErr != nil {
		return nil, fs.mapsErr
	}
	return fs.maps, nil
}

func (fs *fakeProcFS) TracerPid(pid int) (int, error) {
	fs.reads++
	if fs.tracer == nil {
		return 0, nil
	}
	return fs.tracer()
}

// memFile is an in memory executable.
type memFile struct {
	*bytes.Reader
	name  string
	mtime time.Time
}

func (f *memFile) Close() error { return nil }

func (f *memFile) Stat() (os.FileInfo, error) { return f, nil }

func (f *memFile) Name() string       { return f.name }
func (f *memFile) Size() int64        { return f.Reader.Size() }
func (f *memFile) Mode() os.FileMode  { return 0o755 }
func (f *memFile) ModTime() time.Time { return f.mtime }
func (f *memFile) IsDir() bool        { return false }
func (f *memFile) Sys() interface{}   { return nil }

// memOpener serves files from a map and counts opens.
type memOpener struct {
	files map[string][]byte
	opens int
}

func (o *memOpener) open(path string) (File, error) {
	o.opens++
	b, ok := o.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return &memFile{Reader: bytes.NewReader(b), name: path, mtime: time.Unix(1700000000, 0)}, nil
}

type testSection struct {
	name   string
	addr   uint64
	offset uint64
	size   uint64
}

// buildELF64 returns a little endian 64 bit ELF image with the given entry
// point and sections. With no sections the header declares no section
// table.
func buildELF64(t *testing.T, typ elf.Type, entry uint64, sections []testSection) []byte {
	t.Helper()
	const hdrSize = 64
	const shentsize = 64

	strtab := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}
	shstrtabName := uint32(len(strtab))
	strtab = append(strtab, ".shstrtab\x00"...)

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Ehsize:    hdrSize,
		Shentsize: shentsize,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var shdrs []elf.Section64
	strtabOff := uint64(hdrSize)
	if len(sections) > 0 {
		shdrs = append(shdrs, elf.Section64{})
		for i, s := range sections {
			shdrs = append(shdrs, elf.Section64{
				Name:      nameOff[i],
				Type:      uint32(elf.SHT_PROGBITS),
				Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
				Addr:      s.addr,
				Off:       s.offset,
				Size:      s.size,
				Addralign: 16,
			})
		}
		shdrs = append(shdrs, elf.Section64{
			Name: shstrtabName,
			Type: uint32(elf.SHT_STRTAB),
			Off:  strtabOff,
			Size: uint64(len(strtab)),
		})
		hdr.Shoff = strtabOff + uint64(len(strtab))
		hdr.Shnum = uint16(len(shdrs))
		hdr.Shstrndx = uint16(len(shdrs) - 1)
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	if len(shdrs) > 0 {
		buf.Write(strtab)
		for i := range shdrs {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, &shdrs[i]))
		}
	}
	return buf.Bytes()
}

// buildELF32 returns a little endian 32 bit ELF image without a section
// table.
func buildELF32(t *testing.T, typ elf.Type, entry uint32) []byte {
	t.Helper()
	hdr := elf.Header32{
		Type:    uint16(typ),
		Machine: uint16(elf.EM_386),
		Version: uint32(elf.EV_CURRENT),
		Entry:   entry,
		Ehsize:  52,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	return buf.Bytes()
}

var errInjected = errors.New("injected failure")
