//go:build !linux

// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package ptracer // import "pystack.dev/pystack/ptracer"

import (
	"fmt"
	"runtime"
)

// Attach is the stub implementation for non linux systems.
func (s *Session) Attach() error {
	return fmt.Errorf("unsupported os %s", runtime.GOOS)
}

// Detach is the stub implementation for non linux systems.
func (s *Session) Detach() error {
	return nil
}
