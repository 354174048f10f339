// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// +build !windows

package main

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netatalk/crashcatch/fault"
)

// disableCore keeps deliberate aborts from littering core dumps.
func disableCore() {
	unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

// raise sends sig to the process, then parks. The fault handler finishes
// the job on its own goroutine.
func raise(sig syscall.Signal) {
	unix.Kill(os.Getpid(), sig)
	time.Sleep(time.Minute)
}

// badWrite touches a mapping without write permission. That is a real
// memory fault at a valid address, which the runtime converts into a panic
// under Setup.
func badWrite() {
	b, err := unix.Mmap(-1, 0, os.Getpagesize(), unix.PROT_READ, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(err)
	}
	b[0] = 1
}

func init() {
	modes["bus"] = mode{
		"bus error sent to the process",
		func() { raise(syscall.SIGBUS) },
	}
	modes["fault"] = mode{
		"synchronous memory fault caught by a deferred HandlePanic",
		func() {
			defer fault.HandlePanic()
			badWrite()
		},
	}
	modes["nocont"] = mode{
		"segmentation violation without a continuation registered, aborts",
		func() {
			fault.Setup(nil)
			raise(syscall.SIGSEGV)
		},
	}
	modes["segv"] = mode{
		"segmentation violation sent to the process",
		func() { raise(syscall.SIGSEGV) },
	}
}
