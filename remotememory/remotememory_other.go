//go:build !linux

// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "pystack.dev/pystack/remotememory"

import (
	"fmt"
	"runtime"

	"pystack.dev/pystack/libpf"
)

// ProcessVirtualMemory is the stub implementation, allowing to compile the
// remotememory package on non linux systems, always failing at runtime with
// an error if used.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

func (vm ProcessVirtualMemory) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, fmt.Errorf("unsupported os %s", runtime.GOOS)
}

// NewProcessVirtualMemory returns the stub implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}

// NewTracedProcessMemory returns the stub implementation of RemoteMemory.
func NewTracedProcessMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
