// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fault

// BacktraceDepth is the maximum number of frames captured for one
// backtrace.
//
// Capture uses a fixed buffer of this size on the caller's stack, deeper
// stacks are truncated instead of allocating.
const BacktraceDepth = 64

// unknownProc is reported when a frame could not be symbolized.
const unknownProc = "<unknown>"

// Frame is one entry of a captured backtrace, innermost first.
type Frame struct {
	// IP is the program counter inside the frame's function.
	IP uintptr
	// SP is the entry address of the frame's function. The runtime does not
	// expose per-frame machine stack pointers, so the "sp =" slot of the
	// report carries the entry address instead.
	SP uintptr
	// Proc is the fully qualified name of the frame's function, or
	// "<unknown>" when symbolization failed.
	Proc string
}
