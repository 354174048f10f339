// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package internaltest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
)

// CrashResult is the outcome of one run of the crash tool.
type CrashResult struct {
	// Out is the combined stdout and stderr.
	Out []byte
	// Sig is the signal number that terminated the run, 0 when it exited.
	Sig int
	// Code is the exit code when the run was not terminated by a signal.
	Code int
}

// CrashOutputs returns the result of every crash mode.
//
// crash is built with inlining disabled and run with GOTRACEBACK=all so
// the goroutine dump after a report covers everything.
//
// The function panics if any internal error occurs.
func CrashOutputs() map[string]*CrashResult {
	crashOnce.Do(func() {
		p := build("crash")
		if p == "" {
			// The odd of this failing is close to nil.
			panic("building crash failed")
		}
		defer func() {
			if err := os.Remove(p); err != nil {
				panic(err)
			}
		}()

		// Collect the modes, then run each of them individually.
		cmds := strings.Split(strings.TrimSpace(string(execRun(p, "dump_commands"))), "\n")
		if len(cmds) == 0 {
			panic("no mode retrieved")
		}
		crashResults = map[string]*CrashResult{}
		for _, cmd := range cmds {
			cmd = strings.TrimSpace(cmd)
			r := run(p, cmd)
			if len(r.Out) == 0 {
				panic(fmt.Sprintf("no output for %s", cmd))
			}
			crashResults[cmd] = r
		}
	})
	out := make(map[string]*CrashResult, len(crashResults))
	for k, v := range crashResults {
		w := *v
		w.Out = make([]byte, len(v.Out))
		copy(w.Out, v.Out)
		out[k] = &w
	}
	return out
}

//

var (
	crashOnce    sync.Once
	crashResults map[string]*CrashResult
)

// build creates a temporary file and returns the path to it.
func build(tool string) string {
	p := filepath.Join(os.TempDir(), tool)
	p += fmt.Sprintf("_%d", os.Getpid())
	if runtime.GOOS == "windows" {
		p += ".exe"
	}
	if err := Compile("github.com/netatalk/crashcatch/cmd/"+tool, p, "", true); err != nil {
		_, _ = os.Stderr.WriteString(err.Error())
		return ""
	}
	return p
}

// Compile compiles sources into an executable.
func Compile(in, exe, cwd string, disableInlining bool) error {
	// Disable inlining otherwise the inlining varies between local execution
	// and remote execution. This can be observed as Elided being true without
	// any argument.
	args := []string{"build", "-o", exe}
	if disableInlining {
		args = append(args, "-gcflags", "-l")
	}
	c := exec.Command("go", append(args, in)...)
	c.Dir = cwd
	if out, err := c.CombinedOutput(); err != nil {
		return fmt.Errorf("compile failure: %w\n%s", err, out)
	}
	return nil
}

// run runs one crash mode and decodes how the process died.
func run(exe, mode string) *CrashResult {
	c := exec.Command(exe, mode)
	c.Env = append(os.Environ(), "GOTRACEBACK=all")
	out, err := c.CombinedOutput()
	r := &CrashResult{Out: out}
	if err == nil {
		return r
	}
	ee, ok := err.(*exec.ExitError)
	if !ok {
		panic(fmt.Sprintf("run %s %s: %v", exe, mode, err))
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			r.Sig = int(ws.Signal())
		} else {
			r.Code = ws.ExitStatus()
		}
	}
	return r
}

// execRun runs a command and returns the combined output.
//
// It ignores the exit code, since it's meant to run crash, which dies by
// design.
func execRun(cmd ...string) []byte {
	c := exec.Command(cmd[0], cmd[1:]...)
	c.Env = append(os.Environ(), "GOTRACEBACK=all")
	out, _ := c.CombinedOutput()
	return out
}
