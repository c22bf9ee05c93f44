// Package logctx wraps the standard library logger with a stable
// key=value context map, so every structured log entry carries an event
// id and the fields named in spec §7 without adopting a third-party
// logging framework the rest of the daemon does not otherwise need.
package logctx

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// Fields is a set of key=value pairs rendered after the message in
// sorted key order.
type Fields map[string]any

// Logger is a thin façade over *log.Logger.
type Logger struct {
	base *log.Logger
}

// New wraps an existing stdlib logger. Passing nil uses log.Default().
func New(base *log.Logger) *Logger {
	if base == nil {
		base = log.Default()
	}
	return &Logger{base: base}
}

// Event logs a structured entry: a stable event id plus a context map.
// Keys are rendered in sorted order so log lines are diffable in tests.
func (l *Logger) Event(eventID string, fields Fields) {
	l.base.Printf("event=%s%s", eventID, render(fields))
}

// Errorf logs a free-form message; prefer Event for taxonomy-bearing failures.
func (l *Logger) Errorf(format string, args ...any) {
	l.base.Printf(format, args...)
}

func render(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
