// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "pystack.dev/pystack/libpf"

// PID represents a Unix Process ID (pid_t)
type PID int32

func (p PID) Hash32() uint32 {
	return uint32(p)
}
