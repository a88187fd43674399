package native

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Every function in this file, except ptraceTraceme, must be called from
// the tracer thread, see Controller.execPtraceFunc.

// ptraceTraceme asks the parent to trace the calling thread.
func ptraceTraceme() error {
	_, _, err := sys.RawSyscall(sys.SYS_PTRACE, sys.PTRACE_TRACEME, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceTraceExec sets PTRACE_O_TRACEEXEC on tid.
func ptraceTraceExec(tid int) error {
	return sys.PtraceSetOptions(tid, sys.PTRACE_O_TRACEEXEC)
}

// ptraceGetRegs reads the general purpose registers of tid using
// PTRACE_GETREGSET, available on every architecture.
func ptraceGetRegs(tid int, regs *sys.PtraceRegs) error {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs))}
	iov.SetLen(int(unsafe.Sizeof(*regs)))
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceSetRegs writes the general purpose registers of tid.
func ptraceSetRegs(tid int, regs *sys.PtraceRegs) error {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs))}
	iov.SetLen(int(unsafe.Sizeof(*regs)))
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptracePeek reads len(buf) bytes at addr.
func ptracePeek(tid int, addr uintptr, buf []byte) error {
	n, err := sys.PtracePeekData(tid, addr, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return syscall.EIO
	}
	return nil
}

// ptracePoke writes buf at addr.
func ptracePoke(tid int, addr uintptr, buf []byte) error {
	n, err := sys.PtracePokeData(tid, addr, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return syscall.EIO
	}
	return nil
}

// wait4NoHang reports a state change of pid without blocking. The second
// return value is false if there is nothing to report.
func wait4NoHang(pid int) (sys.WaitStatus, bool, error) {
	var s sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WNOHANG|sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return s, false, err
		}
		return s, wpid == pid, nil
	}
}
