//go:build linux

// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "pystack.dev/pystack/remotememory"

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"pystack.dev/pystack/libpf"
)

// ProcessVirtualMemory reads the remote memory using process_vm_readv
// syscalls.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	numBytesWanted := len(p)
	if numBytesWanted == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(numBytesWanted)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: numBytesWanted}}
	numBytesRead, err := unix.ProcessVMReadv(int(vm.pid), localIov, remoteIov, 0)
	if err != nil {
		err = fmt.Errorf("failed to read PID %v at 0x%x: %w", vm.pid, off, err)
	} else if numBytesRead != numBytesWanted {
		err = fmt.Errorf("failed to read PID %v at 0x%x: got only %d of %d",
			vm.pid, off, numBytesRead, numBytesWanted)
	}
	return numBytesRead, err
}

// NewProcessVirtualMemory returns the process_vm_readv implementation of
// RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}

// TracedProcessMemory reads the remote memory of a ptrace-stopped process.
// It prefers process_vm_readv and falls back to word-granular
// PTRACE_PEEKDATA transfers when the fast path is denied, which happens on
// kernels that restrict cross-memory attach but still permit reads through
// an established ptrace attachment.
type TracedProcessMemory struct {
	pid     libpf.PID
	usePeek bool
}

func (tm *TracedProcessMemory) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !tm.usePeek {
		n, err := ProcessVirtualMemory{tm.pid}.ReadAt(p, off)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.ENOSYS) {
			return n, err
		}
		tm.usePeek = true
	}
	// PtracePeekData transfers one word per PTRACE_PEEKDATA request and
	// assembles the result, satisfying the word granularity of the
	// underlying primitive.
	n, err := unix.PtracePeekData(int(tm.pid), uintptr(off), p)
	if err != nil {
		return n, fmt.Errorf("failed to peek PID %v at 0x%x: %w", tm.pid, off, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("failed to peek PID %v at 0x%x: got only %d of %d",
			tm.pid, off, n, len(p))
	}
	return n, nil
}

// NewTracedProcessMemory returns the RemoteMemory for a process this tool
// holds a ptrace attachment to.
func NewTracedProcessMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: &TracedProcessMemory{pid: pid}}
}
