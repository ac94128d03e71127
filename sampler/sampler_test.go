// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pystack.dev/pystack/libpf"
	"pystack.dev/pystack/ptracer"
)

// fakeTarget counts attach/detach cycles and checks the required ordering:
// captures only happen attached, sleeps only happen detached.
type fakeTarget struct {
	t        *testing.T
	attached bool
	attaches int
	detaches int
	failWith error
}

func newFakeTarget(t *testing.T) *fakeTarget {
	return &fakeTarget{t: t, attached: true}
}

func (ft *fakeTarget) Attach() error {
	if ft.failWith != nil {
		return ft.failWith
	}
	assert.False(ft.t, ft.attached, "attach while attached")
	ft.attached = true
	ft.attaches++
	return nil
}

func (ft *fakeTarget) Detach() error {
	if ft.failWith != nil {
		return ft.failWith
	}
	assert.True(ft.t, ft.attached, "detach while detached")
	ft.attached = false
	ft.detaches++
	return nil
}

func TestRunAggregates(t *testing.T) {
	target := newFakeTarget(t)
	// Three good samples (A, A, B) and one failed capture.
	results := []func() (libpf.Stack, error){
		func() (libpf.Stack, error) { return stackA, nil },
		func() (libpf.Stack, error) { return stackA, nil },
		func() (libpf.Stack, error) { return stackB, nil },
		func() (libpf.Stack, error) {
			return nil, libpf.Recoverable(errors.New("chain mutated"))
		},
	}
	calls := 0
	capture := func() (libpf.Stack, error) {
		assert.True(t, target.attached, "capture while detached")
		r := results[calls%len(results)]
		calls++
		return r()
	}

	bucket, err := Run(target, capture, 40*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, calls, 1)
	assert.Equal(t, target.attaches, target.detaches)

	if calls == 4 {
		entries := bucket.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, uint64(1), bucket.NullSamples())
	}
}

func TestRunRespectsDeadline(t *testing.T) {
	target := newFakeTarget(t)
	capture := func() (libpf.Stack, error) { return stackA, nil }

	duration := 50 * time.Millisecond
	interval := 10 * time.Millisecond
	start := time.Now()
	_, err := Run(target, capture, duration, interval)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), duration+interval+20*time.Millisecond)
}

func TestRunSingleAttemptOnZeroDuration(t *testing.T) {
	target := newFakeTarget(t)
	calls := 0
	capture := func() (libpf.Stack, error) {
		calls++
		return stackA, nil
	}

	bucket, err := Run(target, capture, 0, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, bucket.Entries(), 1)
	// The loop never slept, so it never detached either.
	assert.Zero(t, target.detaches)
}

func TestRunFatalCaptureAborts(t *testing.T) {
	target := newFakeTarget(t)
	boom := errors.New("layout mismatch")
	capture := func() (libpf.Stack, error) { return nil, boom }

	_, err := Run(target, capture, time.Second, time.Millisecond)
	require.ErrorIs(t, err, boom)
}

func TestRunEndsEarlyWhenTargetExits(t *testing.T) {
	target := newFakeTarget(t)
	calls := 0
	capture := func() (libpf.Stack, error) {
		calls++
		if calls > 1 {
			return nil, libpf.Recoverable(errors.New("gone"))
		}
		return stackA, nil
	}
	target.failWith = fmt.Errorf("detach: %w", ptracer.ErrTargetExited)

	bucket, err := Run(target, capture, time.Second, time.Millisecond)
	require.NoError(t, err)
	// The first sample survived; nothing further was attempted.
	assert.Equal(t, 1, calls)
	assert.Len(t, bucket.Entries(), 1)
}

func TestRunInvalidInterval(t *testing.T) {
	_, err := Run(newFakeTarget(t), nil, time.Second, 0)
	require.Error(t, err)
}
