// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to the memory space of the traced process.
// The ReaderAt interface is used for the basic access, and various
// convenience functions are provided to help reading specific data types.
//
// Every value coming out of this package originates in a process this tool
// does not own. Callers must treat it as untrusted input.
package remotememory // import "pystack.dev/pystack/remotememory"

import (
	"bytes"
	"encoding/binary"
	"io"

	"pystack.dev/pystack/libpf"
)

// RemoteMemory implements a set of convenience functions to access the
// remote memory.
type RemoteMemory struct {
	io.ReaderAt
}

// Valid determines if this RemoteMemory instance contains a valid reference
// to the target process.
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Ptr reads a native pointer from remote memory, returning zero on failure.
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	ptr, _ := rm.PtrChecked(addr)
	return ptr
}

// PtrChecked reads a native pointer from remote memory.
func (rm RemoteMemory) PtrChecked(addr libpf.Address) (libpf.Address, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// Uint8 reads an 8-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint8(addr libpf.Address) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// String reads a zero terminated string from remote memory
func (rm RemoteMemory) String(addr libpf.Address) string {
	buf := make([]byte, 1024)
	n, err := rm.ReadAt(buf, int64(addr))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	buf = buf[:n]
	zeroIdx := bytes.IndexByte(buf, 0)
	if zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	if n != cap(buf) {
		return ""
	}

	bigBuf := make([]byte, 4096)
	copy(bigBuf, buf)
	n, err = rm.ReadAt(bigBuf[len(buf):], int64(addr)+int64(len(buf)))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	bigBuf = bigBuf[:len(buf)+n]
	zeroIdx = bytes.IndexByte(bigBuf, 0)
	if zeroIdx >= 0 {
		return string(bigBuf[:zeroIdx])
	}

	// Not a zero terminated string
	return ""
}

// StringPtr reads a zero terminated string by first dereferencing a string
// pointer from target memory
func (rm RemoteMemory) StringPtr(addr libpf.Address) string {
	addr = rm.Ptr(addr)
	if addr == 0 {
		return ""
	}
	return rm.String(addr)
}
