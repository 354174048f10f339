// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package internal

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/maruel/panicparse/v2/stack"
	"github.com/mgutz/ansi"

	"github.com/netatalk/crashcatch/fault"
)

// resetFG is similar to ansi.Reset except that it doesn't reset the
// background color, only the foreground color and the style.
//
// That much for the "ansi" abstraction layer...
const resetFG = ansi.DefaultFG + "\033[m"

// bannerWidth is the width of the "===" separator lines.
const bannerWidth = 63

// Palette defines the colors used.
//
// An empty object Palette{} can be used to disable coloring.
type Palette struct {
	EOLReset string

	// Report lines.
	Banner     string
	Fault      string
	Reason     string
	FrameIndex string
	Address    string

	// Goroutine bucket header.
	RoutineFirst string
	Routine      string
	CreatedBy    string

	// Call line.
	Package            string
	SrcFile            string
	FuncMain           string
	FuncStdLib         string
	FuncStdLibExported string
	FuncOther          string
	FuncOtherExported  string
	Arguments          string
}

// defaultPalette is the default recommended palette.
var defaultPalette = Palette{
	EOLReset:           resetFG,
	Banner:             ansi.ColorCode("red+b"),
	Fault:              ansi.ColorCode("red+b"),
	Reason:             ansi.ColorCode("yellow+b"),
	FrameIndex:         ansi.LightBlack,
	Address:            resetFG,
	RoutineFirst:       ansi.ColorCode("magenta+b"),
	CreatedBy:          ansi.LightBlack,
	Package:            ansi.ColorCode("default+b"),
	SrcFile:            resetFG,
	FuncMain:           ansi.ColorCode("yellow+b"),
	FuncStdLib:         ansi.Green,
	FuncStdLibExported: ansi.ColorCode("green+b"),
	FuncOther:          ansi.Red,
	FuncOtherExported:  ansi.ColorCode("red+b"),
	Arguments:          resetFG,
}

// WriteReport renders one report, banner emphasized and addresses aligned.
//
// The plain rendering with Palette{} stays valid input for the scanner, so
// processed logs can be processed again.
func (p *Palette) WriteReport(out io.Writer, r *Report) error {
	var b strings.Builder
	if r.Kind != KindSnapshot {
		banner := p.Banner + strings.Repeat("=", bannerWidth) + p.EOLReset + "\n"
		b.WriteString(banner)
		b.WriteString(p.Fault + headerLine(r) + p.EOLReset + "\n")
		b.WriteString(banner)
	}
	if r.Reason != "" || r.Kind == KindSnapshot {
		b.WriteString(p.Reason + panicPrefix + r.Reason + p.EOLReset + "\n")
	}
	if r.HasTrace {
		fmt.Fprintf(&b, "BACKTRACE: %d stack frames:\n", r.Count)
		ipLen, spLen := calcFrameLengths(r)
		for i := range r.Frames {
			f := &r.Frames[i]
			fmt.Fprintf(&b, " %s#%d%s ip = %s%0*x%s, sp = %s%0*x%s, proc = %s%s%s\n",
				p.FrameIndex, f.Index, p.EOLReset,
				p.Address, ipLen, f.IP, p.EOLReset,
				p.Address, spLen, f.SP, p.EOLReset,
				p.procColor(f.Proc), f.Proc, p.EOLReset)
		}
		if len(r.Frames) < r.Count {
			b.WriteString("    (...)\n")
		}
	}
	_, err := io.WriteString(out, b.String())
	return err
}

// headerLine reprints the INTERNAL ERROR line, with the signal number
// spelled out.
func headerLine(r *Report) string {
	if r.Kind == KindSignal {
		return fmt.Sprintf("INTERNAL ERROR: Signal %d (%s) in pid %d (%s)",
			r.Signal, fault.SignalName(r.Signal), r.Pid, r.Version)
	}
	return fmt.Sprintf("INTERNAL ERROR: Panic in pid %d (%s)", r.Pid, r.Version)
}

// calcFrameLengths returns the widths needed to align the address columns.
func calcFrameLengths(r *Report) (int, int) {
	ipLen := 0
	spLen := 0
	for i := range r.Frames {
		if l := len(strconv.FormatUint(r.Frames[i].IP, 16)); l > ipLen {
			ipLen = l
		}
		if l := len(strconv.FormatUint(r.Frames[i].SP, 16)); l > spLen {
			spLen = l
		}
	}
	return ipLen, spLen
}

// procClass classifies a symbol name from the name alone, the way funcColor
// classifies a parsed call. The value doubles as a CSS class in the HTML
// output.
func procClass(proc string) string {
	name := proc
	if i := strings.LastIndex(name, "/"); i != -1 {
		name = name[i+1:]
	}
	pkg := name
	if i := strings.Index(pkg, "."); i != -1 {
		pkg = pkg[:i]
	}
	if pkg == "main" {
		return "FuncMain"
	}
	root := proc
	if i := strings.Index(root, "/"); i != -1 {
		root = root[:i]
	} else {
		root = pkg
	}
	exported := false
	if i := strings.LastIndex(name, "."); i != -1 {
		r, _ := utf8.DecodeRuneInString(name[i+1:])
		exported = unicode.IsUpper(r)
	}
	if !strings.Contains(root, ".") {
		if exported {
			return "FuncStdLibExported"
		}
		return "FuncStdLib"
	}
	if exported {
		return "FuncOtherExported"
	}
	return "FuncOther"
}

// procColor picks the palette color matching procClass.
func (p *Palette) procColor(proc string) string {
	switch procClass(proc) {
	case "FuncMain":
		return p.FuncMain
	case "FuncStdLibExported":
		return p.FuncStdLibExported
	case "FuncStdLib":
		return p.FuncStdLib
	case "FuncOtherExported":
		return p.FuncOtherExported
	default:
		return p.FuncOther
	}
}

// Goroutine snapshot rendering.

// writeSnapshot renders an aggregated goroutine snapshot.
func writeSnapshot(out io.Writer, p *Palette, a *stack.Aggregated, full bool) error {
	srcLen, pkgLen := calcBucketsLengths(a, full)
	multi := len(a.Buckets) > 1
	for _, b := range a.Buckets {
		if _, err := io.WriteString(out, p.bucketHeader(b, full, multi)); err != nil {
			return err
		}
		if _, err := io.WriteString(out, p.stackLines(&b.Signature, srcLen, pkgLen, full)); err != nil {
			return err
		}
	}
	return nil
}

// formatCall returns the source location of a call, full or base name only.
func formatCall(c *stack.Call, full bool) string {
	if full {
		if c.LocalSrcPath != "" {
			return fmt.Sprintf("%s:%d", c.LocalSrcPath, c.Line)
		}
		return fmt.Sprintf("%s:%d", c.RemoteSrcPath, c.Line)
	}
	return fmt.Sprintf("%s:%d", c.SrcName, c.Line)
}

func createdByString(s *stack.Signature, full bool) string {
	if len(s.CreatedBy.Calls) == 0 {
		return ""
	}
	c := &s.CreatedBy.Calls[0]
	return c.Func.DirName + "." + c.Func.Name + " @ " + formatCall(c, full)
}

// calcBucketsLengths returns the maximum length of the source lines and
// package names.
func calcBucketsLengths(a *stack.Aggregated, full bool) (int, int) {
	srcLen := 0
	pkgLen := 0
	for _, e := range a.Buckets {
		for i := range e.Signature.Stack.Calls {
			c := &e.Signature.Stack.Calls[i]
			if l := len(formatCall(c, full)); l > srcLen {
				srcLen = l
			}
			if l := len(c.Func.DirName); l > pkgLen {
				pkgLen = l
			}
		}
	}
	return srcLen, pkgLen
}

// funcColor returns the color of a function name based on where its package
// lives.
func (p *Palette) funcColor(c *stack.Call) string {
	if c.Func.IsPkgMain {
		return p.FuncMain
	}
	if c.Location == stack.Stdlib {
		if c.Func.IsExported {
			return p.FuncStdLibExported
		}
		return p.FuncStdLib
	}
	if c.Func.IsExported {
		return p.FuncOtherExported
	}
	return p.FuncOther
}

// bucketHeader prints the header of a goroutine bucket.
func (p *Palette) bucketHeader(b *stack.Bucket, full, multi bool) string {
	extra := ""
	if s := b.SleepString(); s != "" {
		extra += " [" + s + "]"
	}
	if b.Locked {
		extra += " [locked]"
	}
	if c := createdByString(&b.Signature, full); c != "" {
		extra += p.CreatedBy + " [Created by " + c + "]"
	}
	color := p.Routine
	if b.First && multi {
		color = p.RoutineFirst
	}
	return fmt.Sprintf("%s%d: %s%s%s\n", color, len(b.IDs), b.State, extra, p.EOLReset)
}

// stackLines prints one complete stack trace, without the header.
func (p *Palette) stackLines(signature *stack.Signature, srcLen, pkgLen int, full bool) string {
	out := make([]string, len(signature.Stack.Calls))
	for i := range signature.Stack.Calls {
		c := &signature.Stack.Calls[i]
		out[i] = fmt.Sprintf(
			"    %s%-*s %s%-*s %s%s%s(%s)%s",
			p.Package, pkgLen, c.Func.DirName,
			p.SrcFile, srcLen, formatCall(c, full),
			p.funcColor(c), c.Func.Name,
			p.Arguments, &c.Args,
			p.EOLReset)
	}
	if signature.Stack.Elided {
		out = append(out, "    (...)")
	}
	return strings.Join(out, "\n") + "\n"
}
