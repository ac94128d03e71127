// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporter renders captured stacks in stable, tool-consumable text
// formats: one frame per line for a single snapshot, and the folded
// (collapsed) stack format understood by flame-graph tooling for the
// sampling aggregate.
package reporter // import "pystack.dev/pystack/reporter"

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"pystack.dev/pystack/libpf"
	"pystack.dev/pystack/sampler"
)

// nullFrameName is the sentinel used for samples that produced no stack.
const nullFrameName = "(null)"

// SingleShot writes stack with one frame per line, outermost (root) frame
// first.
func SingleShot(w io.Writer, stack libpf.Stack) error {
	if len(stack) == 0 {
		return errors.New("refusing to print an empty stack")
	}
	bw := bufio.NewWriter(w)
	for i := len(stack) - 1; i >= 0; i-- {
		fmt.Fprintln(bw, stack[i].String())
	}
	return bw.Flush()
}

// foldStack joins the frames from root to leaf with ';' separators.
func foldStack(stack libpf.Stack) string {
	var sb strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if i != len(stack)-1 {
			sb.WriteByte(';')
		}
		sb.WriteString(stack[i].String())
	}
	return sb.String()
}

// Folded writes the aggregate as one "root;...;leaf count" line per
// distinct stack. A "(null) count" line leads the output when any sample
// failed to capture. An empty stack in a bucket indicates a capture-logic
// defect and fails the run instead of emitting a malformed line.
func Folded(w io.Writer, bucket *sampler.SampleBucket) error {
	bw := bufio.NewWriter(w)
	if null := bucket.NullSamples(); null > 0 {
		fmt.Fprintf(bw, "%s %d\n", nullFrameName, null)
	}

	entries := bucket.Entries()
	for _, entry := range entries {
		if len(entry.Stack) == 0 {
			return errors.New("aggregate contains an empty stack")
		}
	}
	// Highest count first, folded text as tiebreaker, so the output is
	// reproducible run to run.
	slices.SortFunc(entries, func(a, b sampler.Entry) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}
		return strings.Compare(foldStack(a.Stack), foldStack(b.Stack))
	})
	for _, entry := range entries {
		fmt.Fprintf(bw, "%s %d\n", foldStack(entry.Stack), entry.Count)
	}
	return bw.Flush()
}
