// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package proc

import (
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pystack.dev/pystack/libpf"
)

const testMaps = `55c81fa60000-55c81fa61000 r--p 00000000 fd:01 6029427 /usr/bin/python3.10
55c81fa61000-55c81fa62000 r-xp 00001000 fd:01 6029427 /usr/bin/python3.10
7f1dcf400000-7f1dcf5a0000 r-xp 00060000 fd:01 190813  /usr/lib/x86_64-linux-gnu/libpython3.10.so.1.0
7f1dcf8f2000-7f1dcf8f5000 rw-p 00000000 00:00 0
7ffd1c0f1000-7ffd1c112000 rw-p 00000000 00:00 0   [stack]
`

func TestParseMappings(t *testing.T) {
	mappings, err := parseMappings(strings.NewReader(testMaps))
	require.NoError(t, err)
	require.Len(t, mappings, 4)

	assert.Equal(t, Mapping{
		Start:  libpf.Address(0x55c81fa60000),
		End:    libpf.Address(0x55c81fa61000),
		Perms:  "r--p",
		Offset: 0,
		Path:   "/usr/bin/python3.10",
	}, mappings[0])

	assert.False(t, mappings[0].IsExecutable())
	assert.True(t, mappings[1].IsExecutable())

	lib := mappings[2]
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libpython3.10.so.1.0", lib.Path)
	assert.Equal(t, uint64(0x60000), lib.Offset)

	// The pseudo mapping keeps its bracketed name.
	assert.Equal(t, "[stack]", mappings[3].Path)
}

func TestParseMappingsBadLine(t *testing.T) {
	_, err := parseMappings(strings.NewReader("zzzz r-xp 0 0 0 /bin/true\n"))
	require.Error(t, err)
}

func TestListMappingsSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	mappings, err := ListMappings(libpf.PID(os.Getpid()))
	require.NoError(t, err)
	assert.NotEmpty(t, mappings)
}

func TestELFSymbolsSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	symmap, err := ELFSymbols(exe)
	if err != nil {
		// A fully stripped test binary carries no symbols at all.
		t.Skipf("no symbols in test binary: %v", err)
	}
	assert.NotZero(t, symmap.Len())
}

func TestRootPath(t *testing.T) {
	assert.Equal(t, "/proc/42/root/usr/bin/python3", RootPath(42, "/usr/bin/python3"))
}
