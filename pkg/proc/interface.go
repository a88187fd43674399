package proc

import (
	"errors"
	"syscall"
)

// Tracee is a child process under ptrace control of the caller.
// Every method issues at most one request to the kernel. Methods other
// than Pid, TryWait and Signal only succeed while the child is in a
// ptrace-stop.
type Tracee interface {
	Pid() int

	// TryWait checks, without blocking, whether the child changed state.
	// The second return value is false if there is nothing to report.
	TryWait() (WaitOutcome, bool, error)

	// PC returns the program counter of the stopped child. It fails
	// whenever the child is not stopped under tracing.
	PC() (uint64, error)
	// SetPC changes the program counter of the stopped child.
	SetPC(pc uint64) error

	// IO executes a memory request against the child's address space.
	IO(req *MemRequest) error

	// TraceExec asks the kernel to stop the child on its next exec.
	TraceExec() error
	// Continue resumes the child, delivering sig unless it is zero.
	Continue(sig syscall.Signal) error
	// Detach ends tracing, delivering sig unless it is zero.
	Detach(sig syscall.Signal) error
	// Signal sends sig to the child outside of ptrace.
	Signal(sig syscall.Signal) error
}

// MemOp is the direction of a MemRequest.
type MemOp uint8

const (
	MemRead MemOp = iota
	MemWrite
)

func (op MemOp) String() string {
	switch op {
	case MemRead:
		return "read"
	case MemWrite:
		return "write"
	}
	return "unknown"
}

// MemRequest is a single read or write of the child's memory. Buf is
// owned by the caller and is only used for the duration of the request.
type MemRequest struct {
	Addr uint64
	Op   MemOp
	Buf  []byte
}

// ReadRequest returns a request reading n bytes at addr.
func ReadRequest(addr uint64, n int) *MemRequest {
	return &MemRequest{Addr: addr, Op: MemRead, Buf: make([]byte, n)}
}

// WriteRequest returns a request writing buf at addr.
func WriteRequest(addr uint64, buf []byte) *MemRequest {
	return &MemRequest{Addr: addr, Op: MemWrite, Buf: buf}
}

// Mapping is one line of a process' memory map.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Path       string
}

// Executable returns true if the mapping has execute permission.
func (m *Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// ErrNoTracerField is returned by ProcFS.TracerPid when the status of the
// process does not contain a TracerPid field.
var ErrNoTracerField = errors.New("status has no TracerPid field")

// ProcFS exposes the parts of the process listing used while attaching
// and handing off a child.
type ProcFS interface {
	// Maps returns the memory mappings of pid, in address order.
	Maps(pid int) ([]Mapping, error)
	// TracerPid returns the pid of the process tracing pid, 0 if none.
	TracerPid(pid int) (int, error)
}
