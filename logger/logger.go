// Package logger keeps a bounded, in-memory log of tagged entries shared by all
// encoders. Consecutive identical entries are collapsed into a single entry
// with a repeat count, which keeps interrupt storms from flushing out the
// history that explains them.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maximum number of entries kept by the central logger
const maxCentral = 512

var central = New(maxCentral)

// verbose gates Debugf. Checked without taking the logger lock, interrupt
// handlers call Debugf on every event.
var verbose atomic.Bool

// Entry is a single line in the log.
type Entry struct {
	Timestamp time.Time
	Tag       string
	Detail    string
	repeated  int
}

func (e *Entry) String() string {
	s := strings.Builder{}
	fmt.Fprintf(&s, "%s: %s", e.Tag, e.Detail)
	if e.repeated > 0 {
		fmt.Fprintf(&s, " (repeat x%d)", e.repeated+1)
	}
	s.WriteString("\n")
	return s.String()
}

// Logger is a bounded log. The zero value is not usable, see New.
type Logger struct {
	mu         sync.Mutex
	maxEntries int
	entries    []Entry
	echo       io.Writer
}

func New(maxEntries int) *Logger {
	return &Logger{
		maxEntries: maxEntries,
		entries:    make([]Entry, 0, maxEntries),
	}
}

func (l *Logger) Log(tag, detail string) {
	tag = strings.ReplaceAll(tag, "\n", "")
	detail = strings.ReplaceAll(detail, "\n", " ")
	detail = strings.TrimSpace(detail)

	l.mu.Lock()
	defer l.mu.Unlock()

	var e *Entry
	if n := len(l.entries); n > 0 && l.entries[n-1].Tag == tag && l.entries[n-1].Detail == detail {
		e = &l.entries[n-1]
		e.repeated++
		e.Timestamp = time.Now()
	} else {
		l.entries = append(l.entries, Entry{Timestamp: time.Now(), Tag: tag, Detail: detail})
		e = &l.entries[len(l.entries)-1]
	}

	if l.echo != nil {
		io.WriteString(l.echo, e.String())
	}

	if len(l.entries) > l.maxEntries {
		n := copy(l.entries, l.entries[len(l.entries)-l.maxEntries:])
		l.entries = l.entries[:n]
	}
}

func (l *Logger) Logf(tag, format string, args ...any) {
	l.Log(tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Clear() {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.mu.Unlock()
}

// Write writes all entries to output.
func (l *Logger) Write(output io.Writer) {
	l.Tail(output, -1)
}

// Tail writes the last number entries to output. A negative number writes
// everything.
func (l *Logger) Tail(output io.Writer, number int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if number < 0 || number > len(l.entries) {
		number = len(l.entries)
	}
	for _, e := range l.entries[len(l.entries)-number:] {
		io.WriteString(output, e.String())
	}
}

// SetEcho additionally writes every new entry to output. A nil output stops
// echoing.
func (l *Logger) SetEcho(output io.Writer) {
	l.mu.Lock()
	l.echo = output
	l.mu.Unlock()
}

// Entries returns a copy of the current entries.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Writer returns an io.Writer that logs every line written to it with tag.
func (l *Logger) Writer(tag string) io.Writer {
	return &lineWriter{l: l, tag: tag}
}

type lineWriter struct {
	l   *Logger
	tag string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.l.Log(w.tag, line)
	}
	return len(p), nil
}

// Log adds an entry to the central logger.
func Log(tag, detail string) {
	central.Log(tag, detail)
}

// Logf adds a formatted entry to the central logger.
func Logf(tag, format string, args ...any) {
	central.Logf(tag, format, args...)
}

// Debugf adds a formatted entry to the central logger if verbose logging is
// enabled.
func Debugf(tag, format string, args ...any) {
	if verbose.Load() {
		central.Logf(tag, format, args...)
	}
}

// SetVerbose enables or disables recording of Debugf entries.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Verbose reports whether Debugf entries are recorded.
func Verbose() bool {
	return verbose.Load()
}

// Clear removes all entries from the central logger.
func Clear() {
	central.Clear()
}

// Write writes the contents of the central logger to output.
func Write(output io.Writer) {
	central.Write(output)
}

// Tail writes the last number entries of the central logger to output.
func Tail(output io.Writer, number int) {
	central.Tail(output, number)
}

// SetEcho prints new central log entries to output as they are added.
func SetEcho(output io.Writer) {
	central.SetEcho(output)
}

// Entries returns a copy of the central logger's entries.
func Entries() []Entry {
	return central.Entries()
}

// Writer returns an io.Writer logging each line to the central logger.
func Writer(tag string) io.Writer {
	return central.Writer(tag)
}
