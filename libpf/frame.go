// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "pystack.dev/pystack/libpf"

import (
	"encoding/binary"
	"slices"
	"strconv"

	"github.com/zeebo/xxh3"
)

// Frame is one interpreter activation record. File is always set for a
// captured frame; Function and Line are filled in when the interpreter
// layout exposes them.
type Frame struct {
	File     string
	Function string
	Line     uint32
}

// String renders the frame for output. A frame without function information
// is identified by its source file alone.
func (f Frame) String() string {
	if f.Function == "" {
		return f.File
	}
	return f.Function + " (" + f.File + ":" + strconv.FormatUint(uint64(f.Line), 10) + ")"
}

// Stack is an ordered sequence of frames. Index 0 is the innermost
// (currently executing) frame, the last index the outermost one.
// A Stack produced by a successful capture is never empty.
type Stack []Frame

// Equal reports whether both stacks hold the same frame sequence. This is
// the merge criterion for aggregation; Hash is only a bucketing accelerator.
func (s Stack) Equal(other Stack) bool {
	return slices.Equal(s, other)
}

// Hash returns a structural hash over the full identity of every frame,
// including its position. Distinct stacks may still collide; callers
// must confirm with Equal before merging.
func (s Stack) Hash() uint64 {
	h := xxh3.New()
	var num [4]byte
	for i, frame := range s {
		binary.LittleEndian.PutUint32(num[:], uint32(i))
		_, _ = h.Write(num[:])
		_, _ = h.WriteString(frame.File)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(frame.Function)
		binary.LittleEndian.PutUint32(num[:], frame.Line)
		_, _ = h.Write(num[:])
	}
	return h.Sum64()
}
