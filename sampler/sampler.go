// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "pystack.dev/pystack/sampler"

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"pystack.dev/pystack/libpf"
	"pystack.dev/pystack/ptracer"
)

// Target is the subset of the tracer session the sampling loop drives. The
// loop receives it attached and leaves it attached, so the caller's scoped
// detach stays valid on every exit path.
type Target interface {
	Attach() error
	Detach() error
}

// CaptureFunc captures one stack from the attached target.
type CaptureFunc func() (libpf.Stack, error)

// Run samples the attached target for duration, capturing a stack every
// interval. The target is detached for the sleep between samples so it
// executes normally; sampling overhead is proportional to capture time,
// not to the wall-clock duration. The deadline check uses now+interval so
// the final sample is never taken past the requested duration.
//
// If the target exits mid-run the loop ends early and returns what was
// collected; a dead process can produce nothing further, so burning the
// remaining window on null samples would only pad the report.
func Run(target Target, capture CaptureFunc, duration, interval time.Duration,
) (*SampleBucket, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %v", interval)
	}
	bucket := NewSampleBucket()
	end := time.Now().Add(duration)
	for {
		stack, err := capture()
		switch {
		case err == nil:
			bucket.Record(stack)
		case libpf.IsRecoverable(err):
			log.Debugf("sample failed: %v", err)
			bucket.RecordNull()
		default:
			return nil, err
		}

		if !time.Now().Add(interval).Before(end) {
			break
		}
		if err := target.Detach(); err != nil {
			if errors.Is(err, ptracer.ErrTargetExited) {
				break
			}
			return nil, err
		}
		time.Sleep(interval)
		if err := target.Attach(); err != nil {
			if errors.Is(err, ptracer.ErrTargetExited) {
				break
			}
			return nil, err
		}
	}
	return bucket, nil
}
