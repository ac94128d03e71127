//go:build linux

// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package ptracer // import "pystack.dev/pystack/ptracer"

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Attach takes tracing control of the target and waits for it to enter
// ptrace-stop. Attaching an already attached session is a no-op.
func (s *Session) Attach() error {
	if s.attached {
		return nil
	}
	if err := unix.PtraceAttach(int(s.pid)); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("attach to PID %d: %w", s.pid, ErrTargetExited)
		}
		return fmt.Errorf("attach to PID %d: %w", s.pid, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(int(s.pid), &status, unix.WALL, nil); err != nil {
		// Leave nothing half attached behind.
		_ = unix.PtraceDetach(int(s.pid))
		return fmt.Errorf("wait for PID %d to stop: %w", s.pid, err)
	}
	if status.Exited() || status.Signaled() {
		return fmt.Errorf("PID %d ended before it stopped: %w", s.pid, ErrTargetExited)
	}
	s.attached = true
	return nil
}

// Detach releases tracing control and resumes the target. It is safe to
// call on a detached session, and safe to call after the target has exited;
// the latter reports ErrTargetExited so callers can treat it as benign.
func (s *Session) Detach() error {
	if !s.attached {
		return nil
	}
	s.attached = false
	if err := unix.PtraceDetach(int(s.pid)); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("detach from PID %d: %w", s.pid, ErrTargetExited)
		}
		return fmt.Errorf("detach from PID %d: %w", s.pid, err)
	}
	return nil
}
