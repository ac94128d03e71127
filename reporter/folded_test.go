// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package reporter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pystack.dev/pystack/libpf"
	"pystack.dev/pystack/sampler"
)

func TestSingleShot(t *testing.T) {
	// Innermost first, as Capture produces it.
	stack := libpf.Stack{
		{File: "util.py"},
		{File: "lib.py"},
		{File: "main.py"},
	}
	var buf bytes.Buffer
	require.NoError(t, SingleShot(&buf, stack))
	assert.Equal(t, "main.py\nlib.py\nutil.py\n", buf.String())
}

func TestSingleShotWithFunctions(t *testing.T) {
	stack := libpf.Stack{
		{File: "util.py", Function: "work", Line: 21},
		{File: "main.py", Function: "<module>", Line: 3},
	}
	var buf bytes.Buffer
	require.NoError(t, SingleShot(&buf, stack))
	assert.Equal(t, "<module> (main.py:3)\nwork (util.py:21)\n", buf.String())
}

func TestSingleShotEmptyStack(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, SingleShot(&buf, libpf.Stack{}))
	assert.Empty(t, buf.String())
}

func TestFolded(t *testing.T) {
	stackA := libpf.Stack{{File: "util.py"}, {File: "lib.py"}, {File: "main.py"}}
	stackB := libpf.Stack{{File: "other.py"}, {File: "main.py"}}

	bucket := sampler.NewSampleBucket()
	bucket.Record(stackA)
	bucket.Record(stackA)
	bucket.Record(stackB)
	bucket.RecordNull()

	var buf bytes.Buffer
	require.NoError(t, Folded(&buf, bucket))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "(null) 1", lines[0])
	assert.Equal(t, "main.py;lib.py;util.py 2", lines[1])
	assert.Equal(t, "main.py;other.py 1", lines[2])
}

func TestFoldedNoNullLine(t *testing.T) {
	bucket := sampler.NewSampleBucket()
	bucket.Record(libpf.Stack{{File: "main.py"}})

	var buf bytes.Buffer
	require.NoError(t, Folded(&buf, bucket))
	assert.Equal(t, "main.py 1\n", buf.String())
}

func TestFoldedEmptyStackIsFatal(t *testing.T) {
	bucket := sampler.NewSampleBucket()
	bucket.Record(libpf.Stack{})

	var buf bytes.Buffer
	require.Error(t, Folded(&buf, bucket))
}

func TestFoldedStableOrder(t *testing.T) {
	bucket := sampler.NewSampleBucket()
	bucket.Record(libpf.Stack{{File: "b.py"}})
	bucket.Record(libpf.Stack{{File: "a.py"}})

	var buf bytes.Buffer
	require.NoError(t, Folded(&buf, bucket))
	// Same count, lexical tiebreak.
	assert.Equal(t, "a.py 1\nb.py 1\n", buf.String())
}
