// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package webfault provides a http.HandlerFunc that shows the fault
// handling state of the process, similar to net/http/pprof.Index().
//
// Contrary to net/http/pprof, the handler is not automatically registered.
package webfault

import (
	"bytes"
	"html/template"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"syscall"

	"github.com/maruel/panicparse/v2/stack"

	"github.com/netatalk/crashcatch/fault"
)

// SnapshotHandler implements http.HandlerFunc to return the state of the
// fault package: version, watched signals and a backtrace of the serving
// goroutine captured exactly as a report would log it.
//
// Arguments are passed as form values. If you want to change the default,
// override the form values in a wrapper as shown in the example.
//
// goroutines: (default: 0) When set to 1, a snapshot of all goroutines is
// rendered instead, grouped by similar signature. That mode is a direct
// replacement for the "/debug/pprof/goroutine?debug=2" handler in
// net/http/pprof. The remaining arguments apply to it only.
//
// augment: (default: 0) When set to 1, sources are searched on disk to
// improve the display of arguments based on type information. This is
// slower and should be avoided on high utilization server.
//
// maxmem: (default: 67108864) maximum amount of temporary memory to use to
// generate a snapshot. In practice at least the double of this is used.
// Minimum is 1048576.
//
// similarity: (default: "anypointer") Can be one of stack.Similarity value
// in lowercase: "exactflags", "exactlines", "anypointer" or "anyvalue".
func SnapshotHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != "GET" {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return
	}

	switch req.FormValue("goroutines") {
	case "", "0":
	case "1":
		serveGoroutines(w, req)
		return
	default:
		http.Error(w, "invalid goroutines value", http.StatusBadRequest)
		return
	}
	serveStatus(w)
}

// Private stuff.

func serveGoroutines(w http.ResponseWriter, req *http.Request) {
	maxmem := 64 << 20
	if s := req.FormValue("maxmem"); s != "" {
		var err error
		if maxmem, err = strconv.Atoi(s); err != nil {
			http.Error(w, "invalid maxmem value", http.StatusBadRequest)
			return
		}
	}

	augment := false
	if s := req.FormValue("augment"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 || v > 1 {
			http.Error(w, "invalid augment value", http.StatusBadRequest)
			return
		}
		augment = v == 1
	}

	var s stack.Similarity
	switch req.FormValue("similarity") {
	case "exactflags":
		s = stack.ExactFlags
	case "exactlines":
		s = stack.ExactLines
	case "anypointer", "":
		s = stack.AnyPointer
	case "anyvalue":
		s = stack.AnyValue
	default:
		http.Error(w, "invalid similarity value", http.StatusBadRequest)
		return
	}

	snap, err := snapshot(maxmem)
	if err != nil {
		http.Error(w, "failed to process the snapshot, try a larger maxmem value", http.StatusInternalServerError)
		return
	}
	// Only file presence is checked here, it is a small amount of disk I/O.
	snap.GuessPaths()
	if augment {
		_ = stack.Augment(snap.Goroutines)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = snap.Aggregate(s).ToHTML(w, "")
}

// snapshot returns the stacks of all current goroutines, parsed.
func snapshot(maxmem int) (*stack.Snapshot, error) {
	// We don't know how big the buffer needs to be to collect all the
	// goroutines. Start with 1 MB and try a few times, doubling each time.
	// Give up and use a truncated trace if maxmem is not enough.
	buf := make([]byte, 1<<20)
	if maxmem < len(buf) {
		maxmem = len(buf)
	}
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		if len(buf) >= maxmem {
			break
		}
		l := len(buf) * 2
		if l > maxmem {
			l = maxmem
		}
		buf = make([]byte, l)
	}
	snap, _, err := stack.ScanSnapshot(bytes.NewReader(buf), ioutil.Discard, stack.DefaultOpts())
	if snap == nil {
		return nil, err
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	return snap, nil
}

func serveStatus(w http.ResponseWriter) {
	m := template.FuncMap{
		"hex": func(v uintptr) string {
			return strconv.FormatUint(uint64(v), 16)
		},
		"signame": signalName,
	}
	t, err := template.New("status").Funcs(m).Parse(statusHTML)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := map[string]interface{}{
		"Frames":    fault.Backtrace(),
		"GoVersion": runtime.Version(),
		"Pid":       os.Getpid(),
		"Signals":   fault.Signals(),
		"Version":   fault.Version,
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		return fault.SignalName(int(s))
	}
	return sig.String()
}

const statusHTML = `<!DOCTYPE html>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width">
<title>crashcatch</title>
<style>
body { font-family: monospace; }
h1 { font-size: 120%; }
table { border-spacing: 0.5em 0; }
.Address { color: #00B0B0; }
</style>
<h1>crashcatch {{.Version}}</h1>
<p>pid {{.Pid}}, {{.GoVersion}}.</p>
{{if .Signals}}
<p>Catching{{range $i, $s := .Signals}}{{if $i}},{{end}} {{signame $s}}{{end}}.</p>
{{else}}
<p>No fatal signal handling on this platform, panics only.</p>
{{end}}
<p>Backtrace of this request, as a report would log it:</p>
<table>
{{range $i, $f := .Frames}}
<tr>
<td>#{{$i}}</td>
<td>ip = <span class="Address">{{hex $f.IP}}</span></td>
<td>sp = <span class="Address">{{hex $f.SP}}</span></td>
<td>{{$f.Proc}}</td>
</tr>
{{end}}
</table>
<p><a href="?goroutines=1">All goroutines</a>.</p>
`
