// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package internal implements crashcatch.
//
// It reads a server log, finds the fault reports in it and reprints them
// colorized and aligned. A Go runtime traceback following a report, or
// found anywhere else in the log, is grouped into buckets of similar
// goroutines the way panicparse does.
//
// Colors:
//  - Red: the report banner and header.
//  - Yellow: the PANIC reason and main package frames.
//  - Green: standard library frames.
//  - Magenta: first goroutine to be listed.
//
// Bright colors are used for exported symbols.
package internal

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/maruel/panicparse/v2/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// process copies in to out, reprinting the fault reports and goroutine
// snapshots found on the way.
//
// If html is set, reports and snapshots are written to that file instead
// and the rest of the stream is copied through untouched.
func process(in io.Reader, out io.Writer, p *Palette, s stack.Similarity, full, parse, rebase bool, html string) error {
	var reports []*Report
	var snaps []*stack.Aggregated
	needsEnv := false
	onReport := func(r *Report) error {
		if html != "" {
			reports = append(reports, r)
			return nil
		}
		return p.WriteReport(out, r)
	}
	rw := newReportWriter(out, onReport)
	opts := stack.DefaultOpts()
	for {
		snap, suffix, err := stack.ScanSnapshot(in, rw, opts)
		if snap != nil {
			// Process it even if an error occurred.
			if rebase && !snap.GuessPaths() {
				log.Printf("GuessPaths() failed, paths are heuristic")
			}
			if parse {
				if err2 := stack.Augment(snap.Goroutines); err2 != nil {
					log.Printf("Augment() failed: %v", err2)
				}
			}
			one := len(snap.Goroutines) == 1 && showBanner()
			needsEnv = needsEnv || one
			a := snap.Aggregate(s)
			if html != "" {
				snaps = append(snaps, a)
			} else {
				if one {
					if _, err2 := io.WriteString(out, "\nTo see all goroutines, set GOTRACEBACK=all before the crash.\n\n"); err2 != nil {
						return err2
					}
				}
				if err2 := writeSnapshot(out, p, a, full); err2 != nil {
					return err2
				}
			}
		}
		if err != nil {
			// The suffix can still hold the tail of a report, run it through
			// the scanner rather than straight to out.
			if len(suffix) != 0 {
				if _, err2 := rw.Write(suffix); err2 != nil {
					return err2
				}
			}
			if err2 := rw.Flush(); err2 != nil {
				return err2
			}
			if err != io.EOF {
				return err
			}
			break
		}
		in = io.MultiReader(bytes.NewReader(suffix), in)
	}
	if html != "" {
		return writeToHTML(html, reports, snaps, needsEnv)
	}
	return nil
}

func showBanner() bool {
	if !showGOTRACEBACKBanner {
		return false
	}
	gtb := os.Getenv("GOTRACEBACK")
	return gtb == "" || gtb == "single"
}

// Main is implemented here so the executable can be compiled both as
// 'crashcatch' and as a personal shorthand without duplicating the logic.
func Main() error {
	aggressive := flag.Bool("aggressive", false, "Aggressive deduplication including non pointers")
	parse := flag.Bool("parse", true, "Parses source files to deduct types; use -parse=false to work around bugs in source parser")
	rebase := flag.Bool("rebase", true, "Guess GOROOT and GOPATH")
	verboseFlag := flag.Bool("v", false, "Enables verbose logging output")
	// Console only.
	fullPathFlag := flag.Bool("full-path", false, "Print full sources path")
	noColor := flag.Bool("no-color", !isatty.IsTerminal(os.Stdout.Fd()) || os.Getenv("TERM") == "dumb", "Disable coloring")
	forceColor := flag.Bool("force-color", false, "Forcibly enable coloring when with stdout is redirected")
	// HTML only.
	html := flag.String("html", "", "Output an HTML file")
	flag.Parse()

	log.SetFlags(log.Lmicroseconds)
	if !*verboseFlag {
		log.SetOutput(ioutil.Discard)
	}

	s := stack.AnyPointer
	if *aggressive {
		s = stack.AnyValue
	}

	var out io.Writer = os.Stdout
	p := &defaultPalette
	if *html != "" || (*noColor && !*forceColor) {
		p = &Palette{}
	} else {
		out = colorable.NewColorableStdout()
	}

	var in *os.File
	switch flag.NArg() {
	case 0:
		in = os.Stdin
		// Explicitly silence SIGQUIT, as it is useful to gather the stack dump
		// from the piped command.
		signals := make(chan os.Signal)
		go func() {
			for {
				<-signals
			}
		}()
		signal.Notify(signals, os.Interrupt, syscall.SIGQUIT)

	case 1:
		// Do not handle SIGQUIT when passed a file to process.
		var err error
		name := flag.Arg(0)
		if in, err = os.Open(name); err != nil {
			return fmt.Errorf("did you mean to specify a valid log file name? %s", err)
		}
		defer in.Close()

	default:
		return errors.New("pipe from stdin or specify a single file")
	}

	return process(in, out, p, s, *fullPathFlag, *parse, *rebase, *html)
}
