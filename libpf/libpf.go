// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the core value types shared by all pystack packages.
package libpf // import "pystack.dev/pystack/libpf"
