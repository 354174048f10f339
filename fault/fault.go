// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fault is last resort handling of fatal memory faults in long
// running processes.
//
// Setup arms the package. From then on a segmentation violation or bus
// error sent to the process produces a recognizable banner and a best
// effort backtrace through a replaceable logging callback, runs the
// registered continuation once, and terminates the process. With a
// continuation the original signal is re-delivered and the runtime crash
// handling takes over, GOTRACEBACK=crash preserves a core dump. Without
// one the process aborts, which always attempts the core dump.
//
// The runtime converts a genuine bad memory access into a panic rather
// than a catchable signal, so goroutines that may fault must defer
// HandlePanic to route those through the same reporter:
//
//  go func() {
//      defer fault.HandlePanic()
//      serve()
//  }()
//
// or start the goroutine with Go, which also arms the conversion of
// faults at non-nil addresses for it:
//
//  fault.Go(serve)
//
// Panic writes the same report for a suspicious but survivable condition
// and returns to the caller.
package fault

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Logf writes one line of a fault report. Implementations must not panic
// and must not call back into this package.
type Logf func(format string, args ...interface{})

// Continuation runs after a fault report is written and before the process
// terminates, to flush or tear down application state. It is called at most
// once, with a nil argument. It may return, termination happens anyway.
type Continuation func(arg interface{})

// Version is included in the report banner. Hosts overwrite it with their
// build version.
var Version = "unknown"

const bannerLine = "==============================================================="

var (
	mu   sync.Mutex
	logf Logf = defaultLogf
	cont Continuation

	// reporting is 0 until the first fault wins the guard. Any later fault,
	// including one raised by the reporting sequence itself, finds it taken
	// and aborts without logging.
	reporting int32

	// Mocked in test.
	abortProcess   = abort
	redeliverFatal = redeliver
)

// Setup registers fn as the termination continuation and installs the fault
// handlers.
//
// Asynchronously delivered SIGSEGV and SIGBUS are handled directly.
// Synchronous memory faults are turned into runtime panics
// (debug.SetPanicOnFault) so that a deferred HandlePanic hands them to the
// same reporter. SetPanicOnFault only covers the goroutine that set it,
// Setup arms the calling one. Goroutines started with Go arm themselves,
// elsewhere a bad access at a non-nil address still crashes the runtime.
// Calling Setup again replaces the continuation, fn may be nil to report
// and abort without one.
func Setup(fn Continuation) {
	mu.Lock()
	cont = fn
	mu.Unlock()
	debug.SetPanicOnFault(true)
	for _, sig := range fatalSignals {
		catchSignal(sig, reportSignal)
	}
}

// SetLogf replaces the report sink. A nil f restores the default, which
// writes through the logrus standard logger at Error level.
//
// The callback runs while the process is dying. Sinks that terminate or
// panic on their own, like the logrus Fatal and Panic levels, must not be
// used here.
func SetLogf(f Logf) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		f = defaultLogf
	}
	logf = f
}

func defaultLogf(format string, args ...interface{}) {
	logrus.StandardLogger().Errorf(format, args...)
}

// Panic writes "PANIC: <reason>" and a backtrace of the calling goroutine
// to the report sink. It is a diagnostic snapshot, the process is left
// alone and Panic returns normally.
func Panic(reason string) {
	panicLog(getLogf(), reason, 1)
}

// Backtrace captures the backtrace of the calling goroutine without
// logging it.
func Backtrace() []Frame {
	var buf [BacktraceDepth]Frame
	n := backend.capture(buf[:], 1)
	out := make([]Frame, n)
	copy(out, buf[:n])
	return out
}

// HandlePanic reports a panicking goroutine as a fatal fault and
// terminates the process. It must be deferred directly:
//
//  defer fault.HandlePanic()
//
// When the goroutine is not panicking it does nothing, so it is safe on
// every exit path.
func HandlePanic() {
	if v := recover(); v != nil {
		reportPanic(v)
	}
}

// Go runs fn on a new goroutine with the panic door armed: HandlePanic is
// deferred and memory faults at non-nil addresses panic instead of killing
// the process, which SetPanicOnFault grants per goroutine only. A plain go
// statement with a deferred HandlePanic reports panics all the same, it
// just leaves those faults to the runtime.
func Go(fn func()) {
	go func() {
		defer HandlePanic()
		debug.SetPanicOnFault(true)
		fn()
	}()
}

// SignalName returns the conventional name of signal number num, like
// "SIGSEGV", or its decimal rendering when the platform has no name for
// it.
func SignalName(num int) string {
	return signalName(num)
}

// Signals returns the fatal signals Setup watches on this platform. The
// slice is a copy and may be empty.
func Signals() []os.Signal {
	out := make([]os.Signal, len(fatalSignals))
	copy(out, fatalSignals)
	return out
}

// Private stuff.

func getLogf() Logf {
	mu.Lock()
	defer mu.Unlock()
	return logf
}

func getCont() Continuation {
	mu.Lock()
	defer mu.Unlock()
	return cont
}

// panicLog writes the PANIC line and the backtrace section. skip 0 names
// the caller of panicLog as the innermost frame.
func panicLog(l Logf, reason string, skip int) {
	l("PANIC: %s", reason)
	var buf [BacktraceDepth]Frame
	n := backend.capture(buf[:], skip+1)
	l("BACKTRACE: %d stack frames:", n)
	for i := 0; i < n; i++ {
		l(" #%d ip = %x, sp = %x, proc = %s", i, buf[i].IP, buf[i].SP, buf[i].Proc)
	}
}

// reportSignal is the handler installed for the fatal signal set.
func reportSignal(sig os.Signal) {
	if !atomic.CompareAndSwapInt32(&reporting, 0, 1) {
		abortProcess()
		return
	}
	l := getLogf()
	l(bannerLine)
	l("INTERNAL ERROR: Signal %d in pid %d (%s)", sigNum(sig), os.Getpid(), Version)
	l(bannerLine)
	panicLog(l, "internal error", 0)
	if c := getCont(); c != nil {
		c(nil)
		// Detach the handlers and redeliver. The process dies handling the
		// original signal, not one of ours.
		resetFatal()
		redeliverFatal(sig)
		return
	}
	abortProcess()
}

// reportPanic is the panic door into the reporter. There is no signal to
// redeliver, termination is always through abort.
func reportPanic(v interface{}) {
	if !atomic.CompareAndSwapInt32(&reporting, 0, 1) {
		abortProcess()
		return
	}
	l := getLogf()
	l(bannerLine)
	l("INTERNAL ERROR: Panic in pid %d (%s)", os.Getpid(), Version)
	l(bannerLine)
	panicLog(l, fmt.Sprintf("%v", v), 0)
	if c := getCont(); c != nil {
		c(nil)
		resetFatal()
	}
	abortProcess()
}

func resetFatal() {
	for _, sig := range fatalSignals {
		resetSignal(sig)
	}
}

func sigNum(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return -1
}
