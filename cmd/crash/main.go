// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// crash crashes in various ways with the fault package armed.
//
// It is a tool to help test crashcatch.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/netatalk/crashcatch/fault"
)

// Mocked in test.
var stdErr io.Writer = os.Stderr

// flush is the continuation registered with Setup. The marker line lets
// tests check that it ran before the process died.
func flush(interface{}) {
	fmt.Println("flushing buffers")
}

// logLine writes report lines bare to stderr, where the runtime crash
// output also goes.
func logLine(format string, args ...interface{}) {
	fmt.Fprintf(stdErr, format+"\n", args...)
}

func recurse(i int) {
	if i > 0 {
		recurse(i - 1)
		return
	}
	fault.Panic("deep dive")
}

type mode struct {
	desc string
	f    func()
}

// modes is all the supported ways to crash.
//
// Keep the list sorted. The platform specific ways are registered in
// main_unix.go.
var modes = map[string]mode{
	"deep": {
		"diagnostic backtrace from a deep call stack, showing the frame cap",
		func() {
			recurse(100)
			os.Exit(0)
		},
	},

	"logfmt": {
		"panic reported through the default logrus sink instead of bare lines",
		func() {
			fault.SetLogf(nil)
			defer fault.HandlePanic()
			panic("incoherent session state")
		},
	},

	"panic": {
		"panic caught by a deferred HandlePanic",
		func() {
			defer fault.HandlePanic()
			panic("incoherent session state")
		},
	},

	"reenter": {
		"second fault while reporting the first, the guard aborts silently",
		func() {
			fault.Setup(func(interface{}) {
				flush(nil)
				func() {
					defer fault.HandlePanic()
					panic("fault while reporting")
				}()
				fmt.Println("survived the second fault")
			})
			defer fault.HandlePanic()
			panic("incoherent session state")
		},
	},

	"report": {
		"diagnostic report through Panic, the process carries on",
		func() {
			fault.Panic("deliberate report")
			os.Exit(0)
		},
	},
}

func main() {
	if len(os.Args) == 2 {
		n := os.Args[1]
		if n == "dump_commands" {
			// Used by internaltest.
			for _, s := range modeNames() {
				fmt.Println(s)
			}
			return
		}
		if m, ok := modes[n]; ok {
			fmt.Printf("GOTRACEBACK=%s\n", os.Getenv("GOTRACEBACK"))
			disableCore()
			fault.Setup(flush)
			fault.SetLogf(logLine)
			m.f()
			os.Exit(3)
		}
		fmt.Fprintf(stdErr, "unknown crash mode %q\n", n)
		os.Exit(1)
	}
	usage()
}

func modeNames() []string {
	names := make([]string, 0, len(modes))
	for n := range modes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func usage() {
	t := `usage: crash <mode>

This tool crashes with the fault package armed, to check that the reports
it logs can be scanned back by crashcatch.

Select the way to crash:
`
	io.WriteString(stdErr, t)
	m := 0
	for _, n := range modeNames() {
		if i := len(n); i > m {
			m = i
		}
	}
	for _, n := range modeNames() {
		fmt.Fprintf(stdErr, "- %-*s  %s\n", m, n, modes[n].desc)
	}
	os.Exit(2)
}
