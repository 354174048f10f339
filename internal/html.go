// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package internal

import (
	"html/template"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/maruel/panicparse/v2/stack"

	"github.com/netatalk/crashcatch/fault"
)

// writeToHTML writes the fault reports and goroutine snapshots to path as a
// standalone HTML page.
func writeToHTML(path string, reports []*Report, snaps []*stack.Aggregated, needsEnv bool) error {
	m := template.FuncMap{
		"createdBy":   bucketCreatedBy,
		"fullSrc":     fullSrc,
		"funcClass":   funcClass,
		"hex":         hexUint,
		"procClass":   procClass,
		"reportTitle": reportTitle,
		"srcLine":     srcLine,
	}
	t, err := template.New("t").Funcs(m).Parse(indexHTML)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"Faults":     reports,
		"GOMAXPROCS": runtime.GOMAXPROCS(0),
		"GOPATH":     os.Getenv("GOPATH"),
		"GOROOT":     runtime.GOROOT(),
		"GoVersion":  runtime.Version(),
		"NeedsEnv":   needsEnv,
		"Now":        time.Now().Truncate(time.Second),
		"Snapshots":  snaps,
		"Version":    fault.Version,
	}
	err = t.Execute(f, data)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err
}

//

func hexUint(v uint64) string {
	return strconv.FormatUint(v, 16)
}

// funcClass returns the CSS class for a parsed call, mirroring funcColor.
func funcClass(c *stack.Call) template.HTML {
	if c.Func.IsPkgMain {
		return "FuncMain"
	}
	if c.Location == stack.Stdlib {
		if c.Func.IsExported {
			return "FuncStdLibExported"
		}
		return "FuncStdLib"
	}
	if c.Func.IsExported {
		return "FuncOtherExported"
	}
	return "FuncOther"
}

func srcLine(c *stack.Call) string {
	return formatCall(c, false)
}

func fullSrc(c *stack.Call) string {
	return formatCall(c, true)
}

func reportTitle(r *Report) string {
	if r.Kind == KindSnapshot {
		return "Diagnostic backtrace"
	}
	return headerLine(r)
}

func bucketCreatedBy(b *stack.Bucket) string {
	return createdByString(&b.Signature, false)
}

const indexHTML = `<!DOCTYPE html>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width">
<title>crashcatch</title>
<style>
body { font-family: monospace; }
h1 { font-size: 120%; }
h2 { font-size: 110%; margin-bottom: 0.2em; }
table { border-spacing: 0.5em 0; }
.Banner { color: #B00000; font-weight: bold; }
.Reason { color: #B00000; }
.Address { color: #00B0B0; }
.Package { font-weight: bold; }
.RoutineFirst { color: #B000B0; }
.Routine { color: #600060; }
.CreatedBy { color: #606060; }
.FuncMain { color: #808000; }
.FuncStdLibExported { color: #00B000; }
.FuncStdLib { color: #006000; }
.FuncOtherExported { color: #B00000; }
.FuncOther { color: #600000; }
.Footer { color: #606060; margin-top: 1em; }
</style>
<h1>crashcatch</h1>
{{range .Faults}}
<h2 class="Banner">{{reportTitle .}}</h2>
<p class="Reason">PANIC: {{.Reason}}</p>
{{if .HasTrace}}
<p>BACKTRACE: {{.Count}} stack frames:</p>
<table>
{{range .Frames}}
<tr>
<td>#{{.Index}}</td>
<td>ip = <span class="Address">{{hex .IP}}</span></td>
<td>sp = <span class="Address">{{hex .SP}}</span></td>
<td><span class="{{procClass .Proc}}">{{.Proc}}</span></td>
</tr>
{{end}}
</table>
{{if gt .Count (len .Frames)}}<p>(...)</p>{{end}}
{{end}}
{{end}}
{{range .Snapshots}}
<h2>Goroutines</h2>
{{$multi := gt (len .Buckets) 1}}
{{range .Buckets}}
<h3 class="{{if and .First $multi}}RoutineFirst{{else}}Routine{{end}}">{{len .IDs}}: {{.State}}{{with .SleepString}} [{{.}}]{{end}}{{if .Locked}} [locked]{{end}}</h3>
{{with createdBy .}}<p class="CreatedBy">Created by {{.}}</p>{{end}}
<table>
{{range .Stack.Calls}}
<tr>
<td><span title="{{fullSrc .}}">{{srcLine .}}</span></td>
<td><span class="Package">{{.Func.DirName}}</span></td>
<td><span class="{{funcClass .}}">{{.Func.Name}}</span>({{.Args}})</td>
</tr>
{{end}}
</table>
{{if .Stack.Elided}}<p>(...)</p>{{end}}
{{end}}
{{end}}
{{if .NeedsEnv}}
<p>To see all goroutines, set environment variable GOTRACEBACK=all before the crash.</p>
{{end}}
<p class="Footer">Generated on {{.Now}}. crashcatch {{.Version}}, {{.GoVersion}}, GOMAXPROCS={{.GOMAXPROCS}}, GOROOT={{.GOROOT}}, GOPATH={{.GOPATH}}.</p>
`
