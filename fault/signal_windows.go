// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// +build windows

package fault

import (
	"os"
	"strconv"
)

// fatalSignals is empty on Windows. Memory faults surface as runtime panics
// and reach the reporter through HandlePanic.
var fatalSignals []os.Signal

func redeliver(sig os.Signal) {
	// No kill(2). Exit with the shell convention for death by signal.
	os.Exit(128 + sigNum(sig))
}

func abort() {
	// 128 + SIGABRT.
	os.Exit(134)
}

func signalName(num int) string {
	return strconv.Itoa(num)
}
