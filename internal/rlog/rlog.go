// Package rlog builds tagged, timestamped loggers on top of the standard
// library's log package, adapting the switchable/timestamped writer
// chain used throughout the mux client's ambient tooling to a leveled
// DBG/INF/WRN/ERR scheme: one *log.Logger per level, each writing
// through a SwitchableWriter that is on or off according to the current
// minimum level, chosen at construction and changeable with SetMinLevel.
package rlog

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Level orders the four severities from least to most severe.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) tag() string {
	switch l {
	case Debug:
		return "DBG"
	case Info:
		return "INF"
	case Warn:
		return "WRN"
	case Error:
		return "ERR"
	default:
		return "???"
	}
}

// ParseLevel accepts the debug|info|warn|error command-line spelling.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Info, errors.Errorf("rlog: unknown level %q", s)
	}
}

// SwitchableWriter passes writes through to w only while enabled, and
// otherwise discards them while still reporting a successful write, so
// callers built on log.Logger never see a write error from being muted.
type SwitchableWriter struct {
	w       io.Writer
	enabled bool
}

func NewSwitchableWriter(w io.Writer, enabled bool) *SwitchableWriter {
	return &SwitchableWriter{w: w, enabled: enabled}
}

func (sw *SwitchableWriter) Enable(b bool) { sw.enabled = b }

func (sw *SwitchableWriter) Write(p []byte) (int, error) {
	if sw.enabled {
		return sw.w.Write(p)
	}
	return len(p), nil
}

// ShortTimeWriter prepends a millisecond-resolution timestamp to every
// line, skipping the format work entirely when the underlying writer is
// a disabled SwitchableWriter.
type ShortTimeWriter struct {
	w io.Writer
}

func NewShortTimeWriter(w io.Writer) *ShortTimeWriter {
	return &ShortTimeWriter{w: w}
}

func (tw *ShortTimeWriter) Write(p []byte) (int, error) {
	if sw, ok := tw.w.(*SwitchableWriter); ok && !sw.enabled {
		return len(p), nil
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Fprintf(tw.w, "%s %s", ts, p)
}

const timeFlags = log.Ldate | log.Ltime | log.Lmicroseconds

// Logger holds one *log.Logger per level, all writing to the same
// underlying io.Writer, gated by a shared minimum level chosen at
// construction time.
type Logger struct {
	Debug *log.Logger
	Info  *log.Logger
	Warn  *log.Logger
	Error *log.Logger

	min Level
	sws [4]*SwitchableWriter
}

// New builds a Logger writing to w; only levels >= min are enabled.
func New(w io.Writer, min Level) *Logger {
	l := &Logger{min: min}
	levels := [4]Level{Debug, Info, Warn, Error}
	loggers := [4]**log.Logger{&l.Debug, &l.Info, &l.Warn, &l.Error}
	for i, lvl := range levels {
		sw := NewSwitchableWriter(w, lvl >= min)
		l.sws[i] = sw
		flag := log.Lmsgprefix
		_ = timeFlags // timestamps come from ShortTimeWriter, not from log's own flags.
		*loggers[i] = log.New(NewShortTimeWriter(sw), "["+lvl.tag()+"] ", flag)
	}
	return l
}

// SetMinLevel changes which levels are enabled without reconstructing
// the underlying *log.Logger values, so callers can hold onto Debug/
// Info/Warn/Error for the process lifetime.
func (l *Logger) SetMinLevel(min Level) {
	l.min = min
	levels := [4]Level{Debug, Info, Warn, Error}
	for i, lvl := range levels {
		l.sws[i].Enable(lvl >= min)
	}
}

// For returns the *log.Logger for lvl, useful when the level is only
// known at the call site (e.g. mapping an rerr.Kind to a severity).
func (l *Logger) For(lvl Level) *log.Logger {
	switch lvl {
	case Debug:
		return l.Debug
	case Warn:
		return l.Warn
	case Error:
		return l.Error
	default:
		return l.Info
	}
}
