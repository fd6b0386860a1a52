// Copyright 2013 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log is a leveled logger. Every entry carries the logging
// tags attached to its context (see logtags) and is formatted through
// redact, so entries can be emitted with or without redaction markers.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/kvquery/pkg/util/syncutil"
	"github.com/cockroachdb/redact"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int32

// Severity values, in order of increasing importance.
const (
	Severity_UNKNOWN Severity = iota
	Severity_INFO
	Severity_WARNING
	Severity_ERROR
	Severity_FATAL
)

const severityChar = "?IWEF"

func (s Severity) String() string {
	switch s {
	case Severity_INFO:
		return "INFO"
	case Severity_WARNING:
		return "WARNING"
	case Severity_ERROR:
		return "ERROR"
	case Severity_FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// SeverityByName parses a severity name such as "ERROR" or "info".
func SeverityByName(s string) (Severity, bool) {
	switch strings.ToUpper(s) {
	case "INFO":
		return Severity_INFO, true
	case "WARNING":
		return Severity_WARNING, true
	case "ERROR":
		return Severity_ERROR, true
	case "FATAL":
		return Severity_FATAL, true
	}
	return Severity_UNKNOWN, false
}

// Level is the verbosity level consulted by V and VEventf.
type Level int32

type loggerT struct {
	mu struct {
		syncutil.Mutex
		w      io.Writer
		exitFn func(int)
	}
	verbosity  atomic.Int32
	threshold  atomic.Int32
	redactable atomic.Bool
}

var mainLog = func() *loggerT {
	l := &loggerT{}
	l.mu.w = os.Stderr
	l.mu.exitFn = os.Exit
	l.threshold.Store(int32(Severity_INFO))
	return l
}()

// SetVerbosity sets the global verbosity level and returns a function
// that restores the previous one.
func SetVerbosity(v Level) func() {
	old := mainLog.verbosity.Swap(int32(v))
	return func() { mainLog.verbosity.Store(old) }
}

// SetThreshold sets the minimum severity that is written out. Entries below
// the threshold are still recorded into context event recordings.
func SetThreshold(s Severity) func() {
	old := mainLog.threshold.Swap(int32(s))
	return func() { mainLog.threshold.Store(old) }
}

// SetRedactable controls whether entries keep their redaction markers.
func SetRedactable(b bool) func() {
	old := mainLog.redactable.Swap(b)
	return func() { mainLog.redactable.Store(old) }
}

// SetOutput redirects log output and returns a function that restores the
// previous destination.
func SetOutput(w io.Writer) func() {
	mainLog.mu.Lock()
	defer mainLog.mu.Unlock()
	old := mainLog.mu.w
	mainLog.mu.w = w
	return func() {
		mainLog.mu.Lock()
		defer mainLog.mu.Unlock()
		mainLog.mu.w = old
	}
}

// SetExitFunc allows setting a function that will be called to exit the
// process when a Fatal message is generated. It is used in tests.
func SetExitFunc(f func(int)) func() {
	mainLog.mu.Lock()
	defer mainLog.mu.Unlock()
	old := mainLog.mu.exitFn
	mainLog.mu.exitFn = f
	return func() {
		mainLog.mu.Lock()
		defer mainLog.mu.Unlock()
		mainLog.mu.exitFn = old
	}
}

// V returns true if the logging verbosity is set to the specified level or
// higher.
func V(level Level) bool {
	return VDepth(level, 1)
}

// VDepth is like V but accepts a stack depth. The depth is unused for now
// since verbosity is not configured per file.
func VDepth(level Level, depth int) bool {
	return mainLog.verbosity.Load() >= int32(level)
}

// Infof logs to the INFO log.
// It extracts log tags from the context and logs them along with the given
// message. Arguments are handled in the manner of fmt.Printf.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, Severity_INFO, format, args)
}

// Warningf logs to the WARNING and INFO logs.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, Severity_WARNING, format, args)
}

// Errorf logs to the ERROR, WARNING, and INFO logs.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, Severity_ERROR, format, args)
}

// Fatalf logs to the FATAL log and then exits the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, Severity_FATAL, format, args)
	mainLog.mu.Lock()
	exitFn := mainLog.mu.exitFn
	mainLog.mu.Unlock()
	exitFn(255)
}

// Event records a message into the context's event recording, if any. It
// does not write to the log.
func Event(ctx context.Context, msg string) {
	if rec := recordingFromContext(ctx); rec != nil {
		rec.record(ctx, redact.Sprint(msg))
	}
}

// Eventf is like Event but takes a format string.
func Eventf(ctx context.Context, format string, args ...interface{}) {
	if rec := recordingFromContext(ctx); rec != nil {
		rec.record(ctx, redact.Sprintf(format, args...))
	}
}

// VEventf records an event into the context's recording and, if the
// verbosity is at least the given level, also logs it as INFO.
func VEventf(ctx context.Context, level Level, format string, args ...interface{}) {
	rec := recordingFromContext(ctx)
	if rec == nil && !VDepth(level, 1) {
		return
	}
	msg := redact.Sprintf(format, args...)
	if rec != nil {
		rec.record(ctx, msg)
	}
	if VDepth(level, 1) {
		output(ctx, 2, Severity_INFO, msg)
	}
}

// ExpensiveLogEnabled is used to test whether effort should be made to
// produce potentially expensive log messages at the given level.
func ExpensiveLogEnabled(ctx context.Context, level Level) bool {
	return recordingFromContext(ctx) != nil || V(level)
}

func logDepth(ctx context.Context, depth int, sev Severity, format string, args []interface{}) {
	if sev < Severity(mainLog.threshold.Load()) && recordingFromContext(ctx) == nil {
		return
	}
	var msg redact.RedactableString
	if len(format) == 0 {
		msg = redact.Sprint(args...)
	} else {
		msg = redact.Sprintf(format, args...)
	}
	if rec := recordingFromContext(ctx); rec != nil {
		rec.record(ctx, msg)
	}
	if sev >= Severity(mainLog.threshold.Load()) {
		output(ctx, depth+2, sev, msg)
	}
}

// output formats and writes one entry. The format is:
//
//	Lyymmdd hh:mm:ss.uuuuuu file:line  [tags] msg
func output(ctx context.Context, depth int, sev Severity, msg redact.RedactableString) {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		file, line = "???", 1
	} else {
		file = filepath.Base(file)
	}
	now := time.Now()

	var buf strings.Builder
	buf.WriteByte(severityChar[sev])
	buf.WriteString(now.Format("060102 15:04:05.000000"))
	fmt.Fprintf(&buf, " %s:%d  ", file, line)
	formatTags(ctx, &buf)
	if mainLog.redactable.Load() {
		buf.WriteString(string(msg))
	} else {
		buf.WriteString(msg.StripMarkers())
	}
	buf.WriteByte('\n')

	mainLog.mu.Lock()
	defer mainLog.mu.Unlock()
	_, _ = io.WriteString(mainLog.mu.w, buf.String())
}
