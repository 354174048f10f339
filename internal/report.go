// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package internal

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ReportKind tells which door produced a report.
type ReportKind int

const (
	// KindSnapshot is a bare diagnostic backtrace, no banner.
	KindSnapshot ReportKind = iota
	// KindSignal is a fatal signal report.
	KindSignal
	// KindPanic is a fatal panic report.
	KindPanic
)

// Report is one fault report reconstructed from a log stream.
type Report struct {
	Kind ReportKind
	// Signal is the signal number, only set for KindSignal.
	Signal int
	// Pid of the faulting process, 0 for KindSnapshot.
	Pid int
	// Version of the faulting program, as stamped in the banner.
	Version string
	// Reason is the payload of the PANIC line.
	Reason string
	// HasTrace is true once the BACKTRACE header was seen. A report cut
	// before it has none at all, which is not the same as an empty one.
	HasTrace bool
	// Count is the advertised frame count. It can exceed len(Frames) when
	// the log was cut short.
	Count int
	// Frames is the backtrace, innermost first.
	Frames []Frame
}

// Frame is one parsed backtrace line.
type Frame struct {
	Index int
	IP    uint64
	SP    uint64
	Proc  string
}

// Line grammar of a report, as emitted by the fault package. Reports written
// through logrus arrive wrapped in logfmt, embeddedMessage unwraps them
// first.
var (
	reBanner = regexp.MustCompile(`^={8,}$`)
	// The optional signal name is not in the emitted form, WriteReport adds
	// it. Accepting it keeps processed output scannable.
	reHeader = regexp.MustCompile(`^INTERNAL ERROR: (?:Signal (\d+)(?: \([\w+-]+\))?|Panic) in pid (\d+) \((.*)\)$`)
	reCount  = regexp.MustCompile(`^BACKTRACE: (\d+) stack frames:$`)
	reFrame  = regexp.MustCompile(`^ #(\d+) ip = ([0-9a-fA-F]+), sp = ([0-9a-fA-F]+), proc = (.+)$`)

	reLogfmtMsg = regexp.MustCompile(`(?:^|\s)msg="((?:[^"\\]|\\.)*)"`)
)

const panicPrefix = "PANIC: "

// embeddedMessage returns the msg value of a logfmt line, or the line
// itself.
func embeddedMessage(line string) string {
	m := reLogfmtMsg.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	if s, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
		return s
	}
	return m[1]
}

type scanState int

const (
	scanIdle scanState = iota
	scanBanner1
	scanHeader
	scanReason
	scanCount
	scanFrames
)

// reportWriter scans a stream for fault reports.
//
// Text that is not part of a report is forwarded to out unmodified,
// original line endings included. Each completed report is handed to
// onReport at its position in the stream. A section that stops matching the
// grammar halfway through is replayed verbatim, except that once the
// INTERNAL ERROR header matched, the truncated report is emitted with
// whatever was gathered.
//
// Flush must be called once the stream ends.
type reportWriter struct {
	out      io.Writer
	onReport func(*Report) error

	buf   bytes.Buffer
	sect  []string
	rep   Report
	state scanState
}

func newReportWriter(out io.Writer, onReport func(*Report) error) *reportWriter {
	return &reportWriter{out: out, onReport: onReport}
}

func (w *reportWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		b := w.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i == -1 {
			break
		}
		line := string(b[:i])
		w.buf.Next(i + 1)
		if err := w.scanLine(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush terminates the stream, completing or replaying a pending section.
func (w *reportWriter) Flush() error {
	if w.buf.Len() != 0 {
		line := w.buf.String()
		w.buf.Reset()
		if err := w.scanLine(line); err != nil {
			return err
		}
	}
	if w.state == scanIdle {
		return nil
	}
	if w.started() {
		return w.emit()
	}
	return w.abort()
}

// Private stuff.

func (w *reportWriter) scanLine(raw string) error {
	line := embeddedMessage(strings.TrimSuffix(raw, "\r"))
	for {
		again, err := w.step(raw, line)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

// step consumes one line in the current state. It returns true when the
// section ended and the line must be reconsidered from scanIdle.
func (w *reportWriter) step(raw, line string) (bool, error) {
	switch w.state {
	case scanIdle:
		switch {
		case reBanner.MatchString(line):
			w.start(raw)
			w.state = scanBanner1
		case strings.HasPrefix(line, panicPrefix):
			w.start(raw)
			w.rep.Kind = KindSnapshot
			w.rep.Reason = line[len(panicPrefix):]
			w.state = scanCount
		default:
			return false, w.passLine(raw)
		}

	case scanBanner1:
		m := reHeader.FindStringSubmatch(line)
		if m == nil {
			return true, w.abort()
		}
		w.keep(raw)
		if m[1] != "" {
			w.rep.Kind = KindSignal
			w.rep.Signal, _ = strconv.Atoi(m[1])
		} else {
			w.rep.Kind = KindPanic
		}
		w.rep.Pid, _ = strconv.Atoi(m[2])
		w.rep.Version = m[3]
		w.state = scanHeader

	case scanHeader:
		if !reBanner.MatchString(line) {
			return true, w.abort()
		}
		w.keep(raw)
		w.state = scanReason

	case scanReason:
		if !strings.HasPrefix(line, panicPrefix) {
			// A header alone is still worth reporting.
			return true, w.emit()
		}
		w.keep(raw)
		w.rep.Reason = line[len(panicPrefix):]
		w.state = scanCount

	case scanCount:
		m := reCount.FindStringSubmatch(line)
		if m == nil {
			if !w.started() {
				// A stray PANIC line is not a report.
				return true, w.abort()
			}
			return true, w.emit()
		}
		w.keep(raw)
		w.rep.HasTrace = true
		w.rep.Count, _ = strconv.Atoi(m[1])
		if w.rep.Count == 0 {
			return false, w.emit()
		}
		w.state = scanFrames

	case scanFrames:
		m := reFrame.FindStringSubmatch(line)
		if m == nil {
			return true, w.emit()
		}
		w.keep(raw)
		var f Frame
		f.Index, _ = strconv.Atoi(m[1])
		f.IP, _ = strconv.ParseUint(m[2], 16, 64)
		f.SP, _ = strconv.ParseUint(m[3], 16, 64)
		f.Proc = m[4]
		w.rep.Frames = append(w.rep.Frames, f)
		if len(w.rep.Frames) >= w.rep.Count {
			return false, w.emit()
		}
	}
	return false, nil
}

// started reports whether the section is committed to being a report, which
// happens once the INTERNAL ERROR header matched. Bare snapshots commit on
// their BACKTRACE header instead.
func (w *reportWriter) started() bool {
	if w.rep.Kind == KindSnapshot {
		return w.state == scanFrames
	}
	return w.state >= scanHeader
}

func (w *reportWriter) start(raw string) {
	w.sect = append(w.sect[:0], raw)
	w.rep = Report{}
}

func (w *reportWriter) keep(raw string) {
	w.sect = append(w.sect, raw)
}

func (w *reportWriter) reset() {
	w.sect = w.sect[:0]
	w.rep = Report{}
	w.state = scanIdle
}

// abort replays the buffered section verbatim.
func (w *reportWriter) abort() error {
	for _, raw := range w.sect {
		if err := w.passLine(raw); err != nil {
			return err
		}
	}
	w.reset()
	return nil
}

func (w *reportWriter) emit() error {
	rep := w.rep
	w.reset()
	return w.onReport(&rep)
}

func (w *reportWriter) passLine(raw string) error {
	_, err := io.WriteString(w.out, raw+"\n")
	return err
}
