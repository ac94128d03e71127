// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pystack.dev/pystack/libpf"
)

func TestParseArgsDefaults(t *testing.T) {
	args, err := parseArgs([]string{"1234"})
	require.NoError(t, err)

	assert.Equal(t, libpf.PID(1234), args.pid)
	assert.Equal(t, defaultArgRate, args.rate)
	assert.Equal(t, defaultArgSeconds, args.seconds)
	assert.False(t, args.verboseMode)
	assert.False(t, args.version)

	assert.Equal(t, 10*time.Millisecond, args.interval())
	assert.Equal(t, time.Duration(0), args.duration())
}

func TestParseArgsFlags(t *testing.T) {
	args, err := parseArgs([]string{"-r", "0.5", "-s", "2", "-verbose", "42"})
	require.NoError(t, err)

	assert.Equal(t, libpf.PID(42), args.pid)
	assert.Equal(t, 500*time.Millisecond, args.interval())
	assert.Equal(t, 2*time.Second, args.duration())
	assert.True(t, args.verboseMode)
}

func TestParseArgsVersionNeedsNoPID(t *testing.T) {
	args, err := parseArgs([]string{"-v"})
	require.NoError(t, err)
	assert.True(t, args.version)
}

func TestParseArgsHelp(t *testing.T) {
	args, err := parseArgs([]string{"-h"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	require.NotNil(t, args.fs)
}

func TestParseArgsPIDValidation(t *testing.T) {
	tests := map[string][]string{
		"missing":     {},
		"extra":       {"123", "456"},
		"nonNumeric":  {"snake"},
		"zero":        {"0"},
		"negative":    {"-1"},
		"outOfRange":  {"4294967296"},
		"float":       {"12.5"},
		"emptyString": {""},
	}

	for name, cmdline := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseArgs(cmdline)
			require.Error(t, err)
			assert.False(t, errors.Is(err, flag.ErrHelp))
		})
	}
}

func TestSanityCheck(t *testing.T) {
	args, err := parseArgs([]string{"1234"})
	require.NoError(t, err)
	assert.Equal(t, exitSuccess, sanityCheck(args))

	args.rate = 0
	assert.Equal(t, exitFailure, sanityCheck(args))

	args.rate = defaultArgRate
	args.seconds = -1
	assert.Equal(t, exitFailure, sanityCheck(args))
}
