// Package logging wires up the process-wide zerolog logger used by every
// other package. The teacher CLI logs with the standard "log" package; a
// long-running proxy daemon needs levels and structured fields instead, so
// this follows the pattern the pack's own HTTP range-fetch tool
// (replicate/pget) uses zerolog for.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console-friendly logger when w is a terminal-like writer, and
// falls back to structured JSON otherwise (e.g. when run as a daemon with
// output redirected to a log file).
func New(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	out := w
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		out = zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// isTerminal is a small best-effort check; it never needs to be exact since
// a wrong guess only changes log formatting, not behavior.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
