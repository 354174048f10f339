// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fault

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReportSignalAbortsWithoutContinuation(t *testing.T) {
	defer resetFaultState()
	rec := record()
	events := &eventLog{}
	abortProcess = events.hook("abort")
	redeliverFatal = func(os.Signal) { events.add("redeliver") }

	reportSignal(syscall.SIGSEGV)

	want := []string{"abort"}
	if diff := cmp.Diff(want, events.get()); diff != "" {
		t.Fatalf("termination mismatch (-want +got):\n%s", diff)
	}
	checkReport(t, rec.get(), fmt.Sprintf("INTERNAL ERROR: Signal %d in pid %d (%s)", int(syscall.SIGSEGV), os.Getpid(), Version), "internal error")
}

func TestReportSignalRunsContinuationAndRedelivers(t *testing.T) {
	defer resetFaultState()
	rec := record()
	events := &eventLog{}
	abortProcess = events.hook("abort")
	redeliverFatal = func(s os.Signal) { events.add("redeliver " + strconv.Itoa(sigNum(s))) }
	mu.Lock()
	cont = func(arg interface{}) {
		if arg != nil {
			t.Errorf("continuation argument: got %v, want nil", arg)
		}
		events.add("cont")
	}
	mu.Unlock()

	reportSignal(syscall.SIGBUS)

	want := []string{"cont", "redeliver " + strconv.Itoa(int(syscall.SIGBUS))}
	if diff := cmp.Diff(want, events.get()); diff != "" {
		t.Fatalf("termination mismatch (-want +got):\n%s", diff)
	}
	checkReport(t, rec.get(), fmt.Sprintf("INTERNAL ERROR: Signal %d in pid %d (%s)", int(syscall.SIGBUS), os.Getpid(), Version), "internal error")
}

func TestReportSignalReentryAborts(t *testing.T) {
	defer resetFaultState()
	rec := record()
	events := &eventLog{}
	abortProcess = events.hook("abort")
	redeliverFatal = func(os.Signal) { events.add("redeliver") }
	atomic.StoreInt32(&reporting, 1)

	reportSignal(syscall.SIGSEGV)

	want := []string{"abort"}
	if diff := cmp.Diff(want, events.get()); diff != "" {
		t.Fatalf("termination mismatch (-want +got):\n%s", diff)
	}
	if lines := rec.get(); len(lines) != 0 {
		t.Fatalf("reentry must not log, got %q", lines)
	}
}

func TestHandlePanicReports(t *testing.T) {
	defer resetFaultState()
	rec := record()
	events := &eventLog{}
	abortProcess = events.hook("abort")
	redeliverFatal = func(os.Signal) { events.add("redeliver") }

	func() {
		defer HandlePanic()
		panic("boom")
	}()

	want := []string{"abort"}
	if diff := cmp.Diff(want, events.get()); diff != "" {
		t.Fatalf("termination mismatch (-want +got):\n%s", diff)
	}
	checkReport(t, rec.get(), fmt.Sprintf("INTERNAL ERROR: Panic in pid %d (%s)", os.Getpid(), Version), "boom")
}

func TestHandlePanicContinuationFirst(t *testing.T) {
	defer resetFaultState()
	record()
	events := &eventLog{}
	abortProcess = events.hook("abort")
	redeliverFatal = func(os.Signal) { events.add("redeliver") }
	mu.Lock()
	cont = func(interface{}) { events.add("cont") }
	mu.Unlock()

	func() {
		defer HandlePanic()
		panic("boom")
	}()

	want := []string{"cont", "abort"}
	if diff := cmp.Diff(want, events.get()); diff != "" {
		t.Fatalf("termination mismatch (-want +got):\n%s", diff)
	}
}

func TestHandlePanicWithoutPanic(t *testing.T) {
	defer resetFaultState()
	rec := record()
	events := &eventLog{}
	abortProcess = events.hook("abort")

	func() {
		defer HandlePanic()
	}()

	if got := events.get(); len(got) != 0 {
		t.Fatalf("no panic must not terminate, got %q", got)
	}
	if lines := rec.get(); len(lines) != 0 {
		t.Fatalf("no panic must not log, got %q", lines)
	}
}

func TestPanicReturnsNormally(t *testing.T) {
	if _, ok := backend.(noneCollector); ok {
		t.Skip("backtraces disabled in this build")
	}
	defer resetFaultState()
	rec := record()
	abortProcess = func() { t.Error("abort called") }
	redeliverFatal = func(os.Signal) { t.Error("redeliver called") }

	Panic("just checking")

	lines := rec.get()
	if len(lines) < 2 {
		t.Fatalf("got %d lines, want at least PANIC and BACKTRACE", len(lines))
	}
	compareString(t, "PANIC: just checking", lines[0])
	n := checkBacktrace(t, lines[1:])
	if n == 0 {
		t.Fatal("expected a non-empty backtrace")
	}
	if !strings.Contains(lines[2], "TestPanicReturnsNormally") {
		t.Fatalf("innermost frame %q does not name the caller", lines[2])
	}
	if got := atomic.LoadInt32(&reporting); got != 0 {
		t.Fatalf("reporting guard = %d after a diagnostic snapshot", got)
	}
}

func TestBacktrace(t *testing.T) {
	if _, ok := backend.(noneCollector); ok {
		t.Skip("backtraces disabled in this build")
	}
	frames := Backtrace()
	if len(frames) == 0 {
		t.Fatal("empty backtrace")
	}
	if !strings.Contains(frames[0].Proc, "TestBacktrace") {
		t.Fatalf("innermost frame %q does not name the caller", frames[0].Proc)
	}
	for i, f := range frames {
		if f.IP == 0 {
			t.Fatalf("frame #%d has no ip", i)
		}
		if f.Proc == "" {
			t.Fatalf("frame #%d has no proc", i)
		}
	}
}

func TestSetLogfNilRestoresDefault(t *testing.T) {
	defer resetFaultState()
	SetLogf(func(string, ...interface{}) {})
	SetLogf(nil)
	mu.Lock()
	defer mu.Unlock()
	if logf == nil {
		t.Fatal("logf is nil")
	}
}

// Private stuff.

// resetFaultState puts the package globals back, tests that touch the
// reporter must defer it.
func resetFaultState() {
	mu.Lock()
	logf = defaultLogf
	cont = nil
	mu.Unlock()
	atomic.StoreInt32(&reporting, 0)
	abortProcess = abort
	redeliverFatal = redeliver
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineRecorder) logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *lineRecorder) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// record swaps in a capturing sink. resetFaultState undoes it.
func record() *lineRecorder {
	rec := &lineRecorder{}
	SetLogf(rec.logf)
	return rec
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) hook(ev string) func() {
	return func() { e.add(ev) }
}

func (e *eventLog) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func compareString(t *testing.T, expected, actual string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%q != %q", expected, actual)
	}
}

// checkReport verifies a full report: banner, PANIC line, backtrace
// section.
func checkReport(t *testing.T, lines []string, banner, reason string) {
	t.Helper()
	if len(lines) < 5 {
		t.Fatalf("got %d report lines, want at least 5:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	want := []string{bannerLine, banner, bannerLine, "PANIC: " + reason}
	if diff := cmp.Diff(want, lines[:4]); diff != "" {
		t.Fatalf("report header mismatch (-want +got):\n%s", diff)
	}
	checkBacktrace(t, lines[4:])
}

var (
	reBacktrace = regexp.MustCompile(`^BACKTRACE: (\d+) stack frames:$`)
	reFrame     = regexp.MustCompile(`^ #(\d+) ip = [0-9a-f]+, sp = [0-9a-f]+, proc = .+$`)
)

// checkBacktrace verifies the backtrace section and returns the advertised
// frame count.
func checkBacktrace(t *testing.T, lines []string) int {
	t.Helper()
	m := reBacktrace.FindStringSubmatch(lines[0])
	if m == nil {
		t.Fatalf("bad backtrace header %q", lines[0])
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		t.Fatal(err)
	}
	if got := len(lines) - 1; got != n {
		t.Fatalf("header advertises %d frames, got %d lines", n, got)
	}
	for i, l := range lines[1:] {
		f := reFrame.FindStringSubmatch(l)
		if f == nil {
			t.Fatalf("bad frame line %q", l)
		}
		if f[1] != strconv.Itoa(i) {
			t.Fatalf("frame line %q numbered out of order, want #%d", l, i)
		}
	}
	return n
}
