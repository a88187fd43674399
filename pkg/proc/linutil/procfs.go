// Package linutil reads the process information exported by Linux
// under /proc.
package linutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-delve/entrystop/pkg/proc"
)

// DefaultRoot is where procfs is normally mounted.
const DefaultRoot = "/proc"

// ProcFS implements proc.ProcFS on top of a procfs mount.
type ProcFS struct {
	Root string
}

var _ proc.ProcFS = (*ProcFS)(nil)

// NewProcFS returns a ProcFS reading from root, DefaultRoot if empty.
func NewProcFS(root string) *ProcFS {
	if root == "" {
		root = DefaultRoot
	}
	return &ProcFS{Root: root}
}

func (p *ProcFS) path(pid int, name string) string {
	if pid == 0 {
		return filepath.Join(p.Root, "self", name)
	}
	return filepath.Join(p.Root, strconv.Itoa(pid), name)
}

// Maps returns the memory mappings of pid. A pid of 0 means the calling
// process.
func (p *ProcFS) Maps(pid int) ([]proc.Mapping, error) {
	f, err := os.Open(p.path(pid, "maps"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}

// TracerPid returns the pid of the process tracing pid, 0 if none. A pid
// of 0 means the calling process.
func (p *ProcFS) TracerPid(pid int) (int, error) {
	f, err := os.Open(p.path(pid, "status"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return ParseTracerPid(f)
}

// PtraceScope returns the value of the Yama ptrace_scope setting. The
// second return value is false if Yama is not available.
func (p *ProcFS) PtraceScope() (int, bool, error) {
	buf, err := os.ReadFile(filepath.Join(p.Root, "sys", "kernel", "yama", "ptrace_scope"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return 0, true, fmt.Errorf("malformed ptrace_scope %q", buf)
	}
	return v, true, nil
}
