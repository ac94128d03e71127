// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/peterbourgon/ff/v3"

	"pystack.dev/pystack/libpf"
)

const (
	// Default values for CLI flags
	defaultArgRate    = 0.01
	defaultArgSeconds = 0.0
)

// Help strings for command line arguments
var (
	rateHelp = "Sampling interval in seconds between consecutive captures. " +
		"The target runs freely between captures."
	secondsHelp = "Total sampling duration in seconds. " +
		"Zero takes a single snapshot and exits."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

type arguments struct {
	rate        float64
	seconds     float64
	verboseMode bool
	version     bool

	pid libpf.PID

	fs *flag.FlagSet
}

// interval is the sleep between consecutive captures.
func (args *arguments) interval() time.Duration {
	return time.Duration(args.rate * float64(time.Second))
}

// duration is the total sampling window.
func (args *arguments) duration() time.Duration {
	return time.Duration(args.seconds * float64(time.Second))
}

func parseArgs(cmdline []string) (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("pystack", flag.ContinueOnError)
	// Parse errors and usage are reported by the caller, which decides
	// between stdout (help) and stderr (usage error).
	fs.SetOutput(io.Discard)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.Float64Var(&args.rate, "r", defaultArgRate, "Shorthand for -rate.")
	fs.Float64Var(&args.rate, "rate", defaultArgRate, rateHelp)

	fs.Float64Var(&args.seconds, "s", defaultArgSeconds, "Shorthand for -seconds.")
	fs.Float64Var(&args.seconds, "seconds", defaultArgSeconds, secondsHelp)

	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)

	fs.BoolVar(&args.version, "v", false, "Shorthand for -version.")
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: pystack [-r|-rate SECONDS] [-s|-seconds SECONDS] [-v|-version] PID\n\n")
		fs.PrintDefaults()
	}

	args.fs = fs

	if err := ff.Parse(fs, cmdline,
		ff.WithEnvVarPrefix("PYSTACK"),
	); err != nil {
		return &args, err
	}

	if args.version {
		// No PID needed to print the version.
		return &args, nil
	}

	if fs.NArg() != 1 {
		return &args, fmt.Errorf("expected exactly one PID argument, got %d", fs.NArg())
	}

	pid, err := parsePID(fs.Arg(0))
	if err != nil {
		return &args, err
	}
	args.pid = pid

	return &args, nil
}

func parsePID(s string) (libpf.PID, error) {
	pid, err := strconv.ParseInt(s, 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID %q: expected a positive integer "+
			"within the process-id range", s)
	}
	return libpf.PID(pid), nil
}
