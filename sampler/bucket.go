// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler drives the timed capture loop and aggregates the
// resulting stacks.
package sampler // import "pystack.dev/pystack/sampler"

import "pystack.dev/pystack/libpf"

// Entry is one distinct observed stack with its occurrence count.
type Entry struct {
	Stack libpf.Stack
	Count uint64
}

// SampleBucket deduplicates captured stacks by structural identity and
// counts occurrences. Samples that failed to produce any stack are counted
// separately as null samples.
type SampleBucket struct {
	// buckets is keyed by the structural hash; the slice disambiguates
	// hash collisions. Equality, never hash equality, merges entries.
	buckets map[uint64][]*Entry
	null    uint64
}

// NewSampleBucket returns an empty aggregate.
func NewSampleBucket() *SampleBucket {
	return &SampleBucket{buckets: make(map[uint64][]*Entry)}
}

// Record adds one captured stack to the aggregate.
func (b *SampleBucket) Record(stack libpf.Stack) {
	b.record(stack.Hash(), stack)
}

func (b *SampleBucket) record(hash uint64, stack libpf.Stack) {
	for _, entry := range b.buckets[hash] {
		if entry.Stack.Equal(stack) {
			entry.Count++
			return
		}
	}
	b.buckets[hash] = append(b.buckets[hash], &Entry{Stack: stack, Count: 1})
}

// RecordNull counts one sample that produced no stack.
func (b *SampleBucket) RecordNull() {
	b.null++
}

// NullSamples returns the number of failed capture attempts.
func (b *SampleBucket) NullSamples() uint64 {
	return b.null
}

// Entries returns all distinct stacks with their counts. The order is
// unspecified.
func (b *SampleBucket) Entries() []Entry {
	entries := make([]Entry, 0, len(b.buckets))
	for _, chain := range b.buckets {
		for _, entry := range chain {
			entries = append(entries, *entry)
		}
	}
	return entries
}
