// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// +build !windows

package fault

import (
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// fatalSignals are the memory fault signals Setup takes over.
var fatalSignals = []os.Signal{syscall.SIGSEGV, syscall.SIGBUS}

// redeliver resends sig to the process. The caller detached the handlers
// first, so the runtime treats the delivery as fatal: it prints its own
// crash dump and terminates. GOTRACEBACK=crash upgrades that to a core
// dump.
func redeliver(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		unix.Kill(os.Getpid(), s)
		// Delivery is asynchronous.
		time.Sleep(time.Second)
	}
	// Not reached when delivery worked.
	os.Exit(128 + sigNum(sig))
}

// abort terminates the process through SIGABRT, like abort(3). The runtime
// dumps the goroutines on the way out and leaves a core dump when the
// environment allows one.
func abort() {
	// A host watching SIGABRT through os/signal would swallow the delivery,
	// detach it first.
	signal.Reset(syscall.SIGABRT)
	// Have the runtime re-raise with the default disposition instead of
	// exiting, so a core dump is written.
	debug.SetTraceback("crash")
	unix.Kill(os.Getpid(), unix.SIGABRT)
	// Delivery is asynchronous.
	time.Sleep(time.Second)
	// Not reached when delivery worked.
	os.Exit(128 + int(unix.SIGABRT))
}

func signalName(num int) string {
	if name := unix.SignalName(syscall.Signal(num)); name != "" {
		return name
	}
	return strconv.Itoa(num)
}
