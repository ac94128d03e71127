// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "pystack.dev/pystack/libpf"

// Address represents an address, or offset, within the target process's
// address space. It is never dereferenceable locally.
type Address uintptr

// Hash32 returns a 32 bits hash of the input.
// Its main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr ^ adr>>32)
}
