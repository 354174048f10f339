// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fault

import "runtime"

// collector captures the stack of the calling goroutine.
//
// capture fills dst innermost first and returns the number of entries
// written, at most len(dst). skip is the number of callers to drop, 0
// naming the immediate caller of capture as the innermost frame. The
// capture path must not allocate beyond symbol strings, it runs while the
// process is dying.
//
// The active implementation is chosen at build time, see backend_unwind.go,
// backend_callers.go and backend_none.go.
type collector interface {
	capture(dst []Frame, skip int) int
}

// unwindCollector walks the runtime's frame tables, expanding inlined calls
// and symbolizing every frame.
type unwindCollector struct{}

func (unwindCollector) capture(dst []Frame, skip int) int {
	var pcs [BacktraceDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}
	frames := runtime.CallersFrames(pcs[:n])
	i := 0
	for i < len(dst) {
		fr, more := frames.Next()
		dst[i].IP = fr.PC
		dst[i].SP = fr.Entry
		if dst[i].Proc = fr.Function; dst[i].Proc == "" {
			dst[i].Proc = unknownProc
		}
		i++
		if !more {
			break
		}
	}
	return i
}

// callersCollector records raw program counters and resolves them against
// the symbol table, without inline expansion.
type callersCollector struct{}

func (callersCollector) capture(dst []Frame, skip int) int {
	var pcs [BacktraceDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i].IP = pcs[i]
		dst[i].SP = 0
		dst[i].Proc = unknownProc
		if fn := runtime.FuncForPC(pcs[i]); fn != nil {
			dst[i].SP = fn.Entry()
			dst[i].Proc = fn.Name()
		}
	}
	return n
}

// noneCollector reports nothing. Reports still carry their banner and PANIC
// lines, only the frames are missing.
type noneCollector struct{}

func (noneCollector) capture(dst []Frame, skip int) int {
	return 0
}
