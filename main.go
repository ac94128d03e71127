// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"pystack.dev/pystack/interpreter/python"
	"pystack.dev/pystack/libpf"
	"pystack.dev/pystack/ptracer"
	"pystack.dev/pystack/remotememory"
	"pystack.dev/pystack/reporter"
	"pystack.dev/pystack/sampler"
	"pystack.dev/pystack/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			args.fs.SetOutput(os.Stdout)
			args.fs.Usage()
			return exitSuccess
		}
		return usageError(args, "Failure to parse arguments: %v", err)
	}

	if args.version {
		fmt.Printf("pystack %s (revision %s, build timestamp %s)\n",
			vc.Version(), vc.Revision(), vc.BuildTimestamp())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	// ptrace control is granted to the attaching thread only, so the
	// whole attach/read/detach lifecycle must stay on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	session, err := ptracer.Attach(args.pid)
	if err != nil {
		return failure("Failed to attach to PID %d: %v", args.pid, err)
	}
	defer func() {
		if err := session.Detach(); err != nil &&
			!errors.Is(err, ptracer.ErrTargetExited) {
			log.Errorf("Failed to detach from PID %d: %v", args.pid, err)
		}
	}()

	rm := remotememory.NewTracedProcessMemory(args.pid)

	interp, err := python.NewInterpreter(args.pid, rm)
	if err != nil {
		return failure("Failed to introspect interpreter in PID %d: %v", args.pid, err)
	}
	log.Debugf("Found %s in PID %d", interp, args.pid)

	tsAddr, err := interp.LocateThreadState()
	if err != nil {
		return failure("Failed to locate thread state in PID %d: %v", args.pid, err)
	}
	log.Debugf("Thread state at 0x%x", tsAddr)

	if args.seconds == 0 {
		return singleShot(interp, tsAddr)
	}
	return sample(session, interp, tsAddr, args.duration(), args.interval())
}

// singleShot prints one captured stack, root frame first.
func singleShot(interp *python.Interpreter, tsAddr libpf.Address) exitCode {
	stack, err := interp.Capture(tsAddr)
	if err != nil {
		if libpf.IsRecoverable(err) {
			// The target exiting or mutating its frame chain underneath
			// us is not this tool's failure.
			fmt.Fprintf(os.Stderr, "No stack captured: %v\n", err)
			return exitSuccess
		}
		return failure("Failed to capture stack: %v", err)
	}
	if err = reporter.SingleShot(os.Stdout, stack); err != nil {
		return failure("Failed to format stack: %v", err)
	}
	return exitSuccess
}

// sample drives the capture loop and prints the folded-stack aggregate.
func sample(session *ptracer.Session, interp *python.Interpreter,
	tsAddr libpf.Address, duration, interval time.Duration) exitCode {
	log.Debugf("Sampling for %v at %v intervals", duration, interval)

	bucket, err := sampler.Run(session, func() (libpf.Stack, error) {
		return interp.Capture(tsAddr)
	}, duration, interval)
	if err != nil {
		return failure("Sampling failed: %v", err)
	}

	if err = reporter.Folded(os.Stdout, bucket); err != nil {
		return failure("Failed to format samples: %v", err)
	}
	return exitSuccess
}

func sanityCheck(args *arguments) exitCode {
	if args.rate <= 0 {
		return usageError(args, "Invalid argument for -rate: "+
			"expected a positive number of seconds")
	}
	if args.seconds < 0 {
		return usageError(args, "Invalid argument for -seconds: "+
			"duration must not be negative")
	}
	return exitSuccess
}

func usageError(args *arguments, msg string, a ...any) exitCode {
	fmt.Fprintf(os.Stderr, msg+"\n\n", a...)
	args.fs.SetOutput(os.Stderr)
	args.fs.Usage()
	return exitFailure
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
