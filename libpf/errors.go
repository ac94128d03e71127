// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "pystack.dev/pystack/libpf"

import "errors"

// recoverableError marks a failure that spoils only a single capture
// attempt. Anything not wrapped this way is treated as fatal for the run.
type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }

func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable marks err as spoiling only the current capture attempt.
// It is a no-op on nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err was marked with Recoverable anywhere
// in its chain.
func IsRecoverable(err error) bool {
	var re *recoverableError
	return errors.As(err, &re)
}
