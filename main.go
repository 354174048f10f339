// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// crashcatch: scans logs for fault reports and renders them readable.
//
// It passes ordinary log lines through untouched, rewrites the fault
// reports the fault package logs with colors and aligned columns, and
// aggregates the goroutine dumps that follow a crash. With -html the
// findings go to a standalone page instead.
package main

import (
	"fmt"
	"os"

	"github.com/netatalk/crashcatch/internal"
)

func main() {
	if err := internal.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %s\n", err)
		os.Exit(1)
	}
}
