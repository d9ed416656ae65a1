// Package logx provides the logging interface used across esp32part.
//
// There is no process-wide default logger: every operation that wants to
// log takes a Logger explicitly (or a nil Logger, meaning "discard"), so
// the core never reaches into global mutable state.
package logx

import (
	"fmt"
	"io"
	"log"
)

// Logger describes a logger usable from the core.
type Logger interface {
	// Debugf logs a verbose diagnostic, shown only with -d.
	Debugf(format string, args ...interface{})

	// Warnf logs a warning: a recoverable condition the caller should know
	// about (e.g. a header/device flash-size mismatch, an unverified image
	// hash without --check-app).
	Warnf(format string, args ...interface{})

	// Errorf logs an error that does not by itself abort the operation.
	Errorf(format string, args ...interface{})
}

// Discard is a Logger that drops every message.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}

// stdLogger writes to an io.Writer with level prefixes, via the standard
// log package.
type stdLogger struct {
	l       *log.Logger
	verbose bool
}

// New returns a Logger that writes to w. Debugf is a no-op unless verbose is
// true, matching the CLI's -d/-q split.
func New(w io.Writer, verbose bool) Logger {
	return &stdLogger{l: log.New(w, "", log.LstdFlags), verbose: verbose}
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	if !s.verbose {
		return
	}
	s.l.Output(2, fmt.Sprintf("[esp32part][DEBUG] "+format, args...))
}

func (s *stdLogger) Warnf(format string, args ...interface{}) {
	s.l.Output(2, fmt.Sprintf("[esp32part][WARN] "+format, args...))
}

func (s *stdLogger) Errorf(format string, args ...interface{}) {
	s.l.Output(2, fmt.Sprintf("[esp32part][ERROR] "+format, args...))
}

// OrDiscard returns l, or Discard if l is nil. Every package in esp32part
// that accepts a Logger parameter calls this before use so that a nil
// Logger is always safe.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard
	}
	return l
}
