// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package internal

import (
	"bytes"
	"errors"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReportWriterPassthrough(t *testing.T) {
	t.Parallel()
	in := "starting up\nmounting volume\ndone\n"
	out, reports := scanString(t, in)
	compareString(t, in, out)
	if len(reports) != 0 {
		t.Fatalf("got %d reports, want none", len(reports))
	}
}

func TestReportWriterSignal(t *testing.T) {
	t.Parallel()
	in := "transfer done\n" + strings.Join(signalReportLines(), "\n") + "\nrestarting\n"
	out, reports := scanString(t, in)
	compareString(t, "transfer done\nrestarting\n", out)
	compareReports(t, []*Report{signalReport()}, reports)
}

func TestReportWriterPanicKind(t *testing.T) {
	t.Parallel()
	in := strings.Join([]string{
		testBanner,
		"INTERNAL ERROR: Panic in pid 99 (unknown)",
		testBanner,
		"PANIC: runtime error: invalid memory address or nil pointer dereference",
		"BACKTRACE: 2 stack frames:",
		" #0 ip = 10a2c40, sp = c00004e710, proc = main.(*server).handle",
		" #1 ip = 10a2b00, sp = c00004e780, proc = main.main",
		"",
	}, "\n")
	out, reports := scanString(t, in)
	compareString(t, "", out)
	want := []*Report{
		{
			Kind:     KindPanic,
			Pid:      99,
			Version:  "unknown",
			Reason:   "runtime error: invalid memory address or nil pointer dereference",
			HasTrace: true,
			Count:    2,
			Frames: []Frame{
				{Index: 0, IP: 0x10a2c40, SP: 0xc00004e710, Proc: "main.(*server).handle"},
				{Index: 1, IP: 0x10a2b00, SP: 0xc00004e780, Proc: "main.main"},
			},
		},
	}
	compareReports(t, want, reports)
}

func TestReportWriterLogfmt(t *testing.T) {
	t.Parallel()
	// What the default logrus text formatter makes of a report when writing
	// to a file.
	lines := []string{
		`time="2021-05-04T10:00:00Z" level=info msg="mounting volume"`,
	}
	for _, l := range signalReportLines() {
		lines = append(lines, `time="2021-05-04T10:00:01Z" level=error msg="`+l+`"`)
	}
	out, reports := scanString(t, strings.Join(lines, "\n")+"\n")
	compareString(t, lines[0]+"\n", out)
	compareReports(t, []*Report{signalReport()}, reports)
}

func TestReportWriterSnapshot(t *testing.T) {
	t.Parallel()
	in := strings.Join([]string{
		"PANIC: afp_disconnect: no session",
		"BACKTRACE: 2 stack frames:",
		" #0 ip = 4035d2e8, sp = 7ffc9c41f150, proc = main.dump",
		" #1 ip = 40226a91, sp = 7ffc9c41f1a0, proc = main.main",
		"bye",
		"",
	}, "\n")
	out, reports := scanString(t, in)
	compareString(t, "bye\n", out)
	want := []*Report{
		{
			Kind:     KindSnapshot,
			Reason:   "afp_disconnect: no session",
			HasTrace: true,
			Count:    2,
			Frames: []Frame{
				{Index: 0, IP: 0x4035d2e8, SP: 0x7ffc9c41f150, Proc: "main.dump"},
				{Index: 1, IP: 0x40226a91, SP: 0x7ffc9c41f1a0, Proc: "main.main"},
			},
		},
	}
	compareReports(t, want, reports)
}

func TestReportWriterStrayPanic(t *testing.T) {
	t.Parallel()
	// A PANIC line not followed by a backtrace header is ordinary log text.
	in := "PANIC: whoops\nordinary line\nPANIC: again\n"
	out, reports := scanString(t, in)
	compareString(t, in, out)
	if len(reports) != 0 {
		t.Fatalf("got %d reports, want none", len(reports))
	}
}

func TestReportWriterBannerRun(t *testing.T) {
	t.Parallel()
	// Separator lines made of = are common in logs. Without the INTERNAL
	// ERROR header they are replayed untouched, even when consecutive.
	in := "====================\nnormal\n========\n========\n"
	out, reports := scanString(t, in)
	compareString(t, in, out)
	if len(reports) != 0 {
		t.Fatalf("got %d reports, want none", len(reports))
	}
}

func TestReportWriterHeaderOnly(t *testing.T) {
	t.Parallel()
	in := strings.Join([]string{
		testBanner,
		"INTERNAL ERROR: Signal 10 in pid 4321 (3.1.12)",
		testBanner,
		"disk full",
		"",
	}, "\n")
	out, reports := scanString(t, in)
	compareString(t, "disk full\n", out)
	want := []*Report{{Kind: KindSignal, Signal: 10, Pid: 4321, Version: "3.1.12"}}
	compareReports(t, want, reports)
}

func TestReportWriterZeroFrames(t *testing.T) {
	t.Parallel()
	in := strings.Join([]string{
		testBanner,
		"INTERNAL ERROR: Signal 11 in pid 1 (dev)",
		testBanner,
		"PANIC: internal error",
		"BACKTRACE: 0 stack frames:",
		"back to work",
		"",
	}, "\n")
	out, reports := scanString(t, in)
	compareString(t, "back to work\n", out)
	want := []*Report{
		{Kind: KindSignal, Signal: 11, Pid: 1, Version: "dev", Reason: "internal error", HasTrace: true},
	}
	compareReports(t, want, reports)
}

func TestReportWriterTruncatedEOF(t *testing.T) {
	t.Parallel()
	lines := signalReportLines()
	// The log was cut after the second frame.
	in := strings.Join(lines[:7], "\n") + "\n"
	out, reports := scanString(t, in)
	compareString(t, "", out)
	want := signalReport()
	want.Frames = want.Frames[:2]
	compareReports(t, []*Report{want}, reports)
}

func TestReportWriterTruncatedByChatter(t *testing.T) {
	t.Parallel()
	lines := signalReportLines()
	in := strings.Join(lines[:7], "\n") + "\nmounting volume\n"
	out, reports := scanString(t, in)
	compareString(t, "mounting volume\n", out)
	want := signalReport()
	want.Frames = want.Frames[:2]
	compareReports(t, []*Report{want}, reports)
}

func TestReportWriterByteAtATime(t *testing.T) {
	t.Parallel()
	in := "transfer done\n" + strings.Join(signalReportLines(), "\n") + "\nrestarting\n"
	out := bytes.Buffer{}
	var reports []*Report
	w := newReportWriter(&out, func(r *Report) error {
		reports = append(reports, r)
		return nil
	})
	for i := 0; i < len(in); i++ {
		if _, err := w.Write([]byte{in[i]}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	compareString(t, "transfer done\nrestarting\n", out.String())
	compareReports(t, []*Report{signalReport()}, reports)
}

func TestReportWriterCRLF(t *testing.T) {
	t.Parallel()
	in := "chatter\r\n" + strings.Join(signalReportLines(), "\r\n") + "\r\n"
	out, reports := scanString(t, in)
	compareString(t, "chatter\r\n", out)
	compareReports(t, []*Report{signalReport()}, reports)
}

func TestReportWriterMultipleReports(t *testing.T) {
	t.Parallel()
	in := strings.Join(signalReportLines(), "\n") + "\nrespawned\n" +
		strings.Join(signalReportLines(), "\n") + "\n"
	out, reports := scanString(t, in)
	compareString(t, "respawned\n", out)
	compareReports(t, []*Report{signalReport(), signalReport()}, reports)
}

func TestReportWriterOnReportError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	w := newReportWriter(&bytes.Buffer{}, func(r *Report) error {
		return boom
	})
	_, err := w.Write([]byte(strings.Join(signalReportLines(), "\n") + "\n"))
	if err != boom {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestEmbeddedMessage(t *testing.T) {
	t.Parallel()
	data := []struct {
		line string
		want string
	}{
		{"plain text", "plain text"},
		{`time="2021-05-04T10:00:00Z" level=error msg="PANIC: internal error"`, "PANIC: internal error"},
		{`msg="a \"b\" c"`, `a "b" c`},
		{`msg="trailing" pid=77`, "trailing"},
		{`level=info msg=" #0 ip = 1, sp = 2, proc = x"`, " #0 ip = 1, sp = 2, proc = x"},
		{`xmsg="not a field"`, `xmsg="not a field"`},
		{`msg="bad \q escape"`, `bad \q escape`},
	}
	for i, line := range data {
		if got := embeddedMessage(line.line); got != line.want {
			t.Fatalf("#%d: %q != %q", i, line.want, got)
		}
	}
}

//

func BenchmarkReportWriter(b *testing.B) {
	b.ReportAllocs()
	in := []byte(strings.Join(append(signalReportLines(), ""), "\n"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rw := newReportWriter(ioutil.Discard, func(r *Report) error { return nil })
		if _, err := rw.Write(in); err != nil {
			b.Fatal(err)
		}
		if err := rw.Flush(); err != nil {
			b.Fatal(err)
		}
	}
}

//

var testBanner = strings.Repeat("=", 63)

func signalReportLines() []string {
	return []string{
		testBanner,
		"INTERNAL ERROR: Signal 11 in pid 1234 (3.1.12)",
		testBanner,
		"PANIC: internal error",
		"BACKTRACE: 3 stack frames:",
		" #0 ip = 4035d2e8, sp = 7ffc9c41f150, proc = main.crash",
		" #1 ip = 4035d1a0, sp = 7ffc9c41f170, proc = main.run",
		" #2 ip = 40226a91, sp = 7ffc9c41f1a0, proc = main.main",
	}
}

func signalReport() *Report {
	return &Report{
		Kind:     KindSignal,
		Signal:   11,
		Pid:      1234,
		Version:  "3.1.12",
		Reason:   "internal error",
		HasTrace: true,
		Count:    3,
		Frames: []Frame{
			{Index: 0, IP: 0x4035d2e8, SP: 0x7ffc9c41f150, Proc: "main.crash"},
			{Index: 1, IP: 0x4035d1a0, SP: 0x7ffc9c41f170, Proc: "main.run"},
			{Index: 2, IP: 0x40226a91, SP: 0x7ffc9c41f1a0, Proc: "main.main"},
		},
	}
}

func scanString(t *testing.T, in string) (string, []*Report) {
	t.Helper()
	out := bytes.Buffer{}
	var reports []*Report
	w := newReportWriter(&out, func(r *Report) error {
		reports = append(reports, r)
		return nil
	})
	if _, err := w.Write([]byte(in)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	return out.String(), reports
}

func compareReports(t *testing.T, want, got []*Report) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Report mismatch (-want +got):\n%s", diff)
	}
}

func compareString(t *testing.T, want, got string) {
	t.Helper()
	if want != got {
		t.Fatalf("%q != %q", want, got)
	}
}
