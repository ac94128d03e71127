// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

// Package ptracer manages the ptrace attachment to the target process.
//
// A Session alternates between Attached and Detached. While attached the
// target is stopped and its memory may be read; it must be detached before
// any deliberate wait so the target keeps executing between samples.
//
// The kernel binds ptrace control to the attaching thread. All Session
// calls, and every remote read made while attached, must happen from one
// goroutine that has pinned its OS thread with runtime.LockOSThread.
package ptracer // import "pystack.dev/pystack/ptracer"

import (
	"errors"

	"pystack.dev/pystack/libpf"
)

// ErrTargetExited reports that the target process is gone. Detach returns
// it wrapped when the target disappeared while we were attached; it is a
// benign end-of-run condition, not a tool failure.
var ErrTargetExited = errors.New("target process exited")

// Session is the exclusive handle on tracing control over one process.
type Session struct {
	pid      libpf.PID
	attached bool
}

// New returns a detached session for pid. No syscall is made yet.
func New(pid libpf.PID) *Session {
	return &Session{pid: pid}
}

// Attach stops the target and takes tracing control of it. It returns the
// attached session or an error if the process does not exist, access is
// denied, or it is already being traced.
func Attach(pid libpf.PID) (*Session, error) {
	s := New(pid)
	if err := s.Attach(); err != nil {
		return nil, err
	}
	return s, nil
}

// PID returns the target process id.
func (s *Session) PID() libpf.PID {
	return s.pid
}

// Attached reports whether the session currently holds tracing control.
func (s *Session) Attached() bool {
	return s.attached
}
