// Package diag provides the VM's logging and human-readable reporting
// conventions: gated verbosity, terminal-aware coloring, and humanized
// byte/count formatting for heap and GC reports.
package diag

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// Level controls which messages a Logger emits.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

// Logger is a small structured writer over an io.Writer, matching the
// teacher's cmd/sentra/main.go convention of gating output on a verbose
// flag and deciding whether to colorize based on whether the destination
// is an attached terminal.
type Logger struct {
	out     io.Writer
	level   Level
	color   bool
	prefix  string
}

// New builds a Logger writing to w at the given level. Color is enabled
// only when w is an *os.File attached to a terminal.
func New(w io.Writer, level Level) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{out: w, level: level, color: color}
}

// NewDiscard returns a Logger that drops everything — the default for
// components constructed without an explicit logger.
func NewDiscard() *Logger {
	return &Logger{out: io.Discard, level: LevelError}
}

// WithPrefix returns a copy of the logger tagging every line with prefix,
// e.g. diag.New(os.Stderr, diag.LevelDebug).WithPrefix("heap").
func (l *Logger) WithPrefix(prefix string) *Logger {
	cp := *l
	cp.prefix = prefix
	return &cp
}

func (l *Logger) colorize(code, s string) string {
	if !l.color {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func (l *Logger) writeln(level Level, code, tag, format string, args ...interface{}) {
	if l == nil || level > l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	fmt.Fprintln(l.out, l.colorize(code, "["+tag+"]"), msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.writeln(LevelError, "31", "error", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.writeln(LevelInfo, "36", "info", format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.writeln(LevelDebug, "90", "debug", format, args...) }

// GCReport renders frame-budgeted GC stats (§6.2 frame_gc_stats) in
// humanized form. Nothing in this module calls it.
func GCReport(usedMicros, budgetMicros int64, dirtyCount int) string {
	return fmt.Sprintf("gc: used %sus of %sus budget, %s dirty objects",
		humanize.Comma(usedMicros), humanize.Comma(budgetMicros), humanize.Comma(int64(dirtyCount)))
}

// HeapReport renders a one-line live-object summary, logged by
// VM.Execute at exit when verbose logging is on.
func HeapReport(live int) string {
	return fmt.Sprintf("heap: %s live object(s) at exit", humanize.Comma(int64(live)))
}
