package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/entrystop/pkg/logflags"
)

// EntryDescriptor is the resolved location of a child's entry point.
type EntryDescriptor struct {
	// Path is the file backing the first executable mapping.
	Path string
	// Base is the start address of the first executable mapping.
	Base uint64
	// MapOffset is the file offset of the first executable mapping.
	MapOffset uint64
	// Entry is the entry point declared in the executable's header.
	Entry uint64
	// FileOffset is the position of the entry point inside the file.
	FileOffset uint64
	// Correction is subtracted from Base+FileOffset to obtain the address
	// of the entry point in the child's memory.
	Correction uint64
	// Section is the name of the section containing the entry point,
	// empty if the executable has no section table.
	Section  string
	ExecType elf.Type
	// Class is the word size the executable was built for.
	Class elf.Class
}

// PatchAddr returns the address where the trap must be written.
func (d *EntryDescriptor) PatchAddr() uint64 {
	return d.Base + d.FileOffset - d.Correction
}

func (d *EntryDescriptor) String() string {
	sect := d.Section
	if sect == "" {
		sect = "<no sections>"
	}
	return fmt.Sprintf("%s entry=%#x base=%#x offset=%#x section=%s patch=%#x", d.Path, d.Entry, d.Base, d.FileOffset, sect, d.PatchAddr())
}

// File is an executable opened by a Resolver.
type File interface {
	io.ReaderAt
	io.Closer
	Stat() (os.FileInfo, error)
}

// Opener opens the file backing a mapping.
type Opener func(path string) (File, error)

// OpenFile opens path from the local file system.
func OpenFile(path string) (File, error) {
	return os.Open(path)
}

const headerCacheSize = 64

// Resolver translates the entry point declared in a child's executable
// into the address of that entry point in the child's memory.
type Resolver struct {
	fs     ProcFS
	open   Opener
	cache  *lru.Cache
	logger logflags.Logger
}

// NewResolver returns a Resolver reading mappings from fs and
// executables through open. If open is nil OpenFile is used.
func NewResolver(fs ProcFS, open Opener) *Resolver {
	if open == nil {
		open = OpenFile
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New(headerCacheSize)
	return &Resolver{fs: fs, open: open, cache: cache, logger: logflags.ResolverLogger()}
}

// Resolve finds the entry point of pid's executable. The executable is
// the file backing the first executable mapping of pid.
func (r *Resolver) Resolve(pid int) (*EntryDescriptor, error) {
	maps, err := r.fs.Maps(pid)
	if err != nil {
		return nil, fmt.Errorf("%w of pid %d: %v", ErrMapsUnreadable, pid, err)
	}
	var m *Mapping
	for i := range maps {
		if maps[i].Executable() {
			m = &maps[i]
			break
		}
	}
	if m == nil {
		return nil, fmt.Errorf("%w in pid %d", ErrNoExecMapping, pid)
	}

	hdr, err := r.header(m.Path)
	if err != nil {
		return nil, err
	}

	d := &EntryDescriptor{
		Path:      m.Path,
		Base:      m.Start,
		MapOffset: m.Offset,
		Entry:     hdr.entry,
		ExecType:  hdr.typ,
		Class:     hdr.class,
	}
	if !hdr.hasSections {
		d.FileOffset = hdr.entry
		if hdr.typ == elf.ET_EXEC {
			// The entry point of a fixed position executable is already a
			// load address.
			d.Correction = d.Base
		} else {
			d.Correction = d.MapOffset
		}
	} else {
		s := hdr.sectionFor(hdr.entry)
		if s == nil {
			return nil, fmt.Errorf("%w: %#x in %s", ErrEntryNotCovered, hdr.entry, m.Path)
		}
		d.FileOffset = hdr.entry - s.addr + s.offset
		d.Correction = d.MapOffset
		d.Section = s.name
	}
	if logflags.Resolver() {
		r.logger.Debugf("pid %d: %s", pid, d)
	}
	return d, nil
}

type sectionInfo struct {
	name   string
	addr   uint64
	size   uint64
	offset uint64
}

type elfHeader struct {
	entry       uint64
	typ         elf.Type
	class       elf.Class
	hasSections bool
	sections    []sectionInfo
}

func (h *elfHeader) sectionFor(addr uint64) *sectionInfo {
	for i := range h.sections {
		s := &h.sections[i]
		if addr >= s.addr && addr < s.addr+s.size {
			return s
		}
	}
	return nil
}

type headerKey struct {
	path  string
	size  int64
	mtime time.Time
	ino   uint64
}

func (r *Resolver) header(path string) (*elfHeader, error) {
	f, err := r.open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	defer f.Close()

	var key *headerKey
	if fi, err := f.Stat(); err == nil {
		key = &headerKey{path: path, size: fi.Size(), mtime: fi.ModTime()}
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			key.ino = uint64(st.Ino)
		}
		if v, ok := r.cache.Get(*key); ok {
			r.logger.Debugf("header of %s found in cache", path)
			return v.(*elfHeader), nil
		}
	}

	hdr, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if key != nil {
		r.cache.Add(*key, hdr)
	}
	return hdr, nil
}

// readHeader decodes the ELF header by hand so that a malformed header
// and a malformed section table can be told apart, debug/elf reports both
// the same way.
func readHeader(ra io.ReaderAt) (*elfHeader, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := ra.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if !bytes.Equal(ident[:elf.EI_CLASS], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: bad magic number %x", ErrBadHeader, ident[:elf.EI_CLASS])
	}
	var order binary.ByteOrder
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown data encoding %d", ErrBadHeader, ident[elf.EI_DATA])
	}

	h := &elfHeader{class: elf.Class(ident[elf.EI_CLASS])}
	var shoff uint64
	var shnum uint16
	sr := io.NewSectionReader(ra, 0, 1<<63-1)
	switch h.class {
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := binary.Read(sr, order, &hdr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		h.entry, h.typ = hdr.Entry, elf.Type(hdr.Type)
		shoff, shnum = hdr.Shoff, hdr.Shnum
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := binary.Read(sr, order, &hdr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		h.entry, h.typ = uint64(hdr.Entry), elf.Type(hdr.Type)
		shoff, shnum = uint64(hdr.Shoff), hdr.Shnum
	default:
		return nil, fmt.Errorf("%w: unknown class %d", ErrBadHeader, ident[elf.EI_CLASS])
	}

	if shoff == 0 || shnum == 0 {
		return h, nil
	}

	f, err := elf.NewFile(ra)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSectionTable, err)
	}
	h.hasSections = true
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		h.sections = append(h.sections, sectionInfo{name: s.Name, addr: s.Addr, size: s.Size, offset: s.Offset})
	}
	return h, nil
}
