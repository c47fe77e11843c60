// Package oplog is the operator log: a single append-only text stream that
// records every stage, retry, escalation and forwarded subprocess line.
package oplog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Fields are rendered as sorted key=value pairs after the message.
type Fields map[string]any

// Log appends entries to a text file and optionally echoes them to a console.
// A nil *Log discards everything.
type Log struct {
	path    string
	console io.Writer
	now     func() time.Time

	mu   sync.Mutex
	file *os.File

	infoColor  *color.Color
	warnColor  *color.Color
	errorColor *color.Color
	dimColor   *color.Color
}

type Option func(*Log)

// WithConsole echoes every entry to w (usually os.Stderr).
func WithConsole(w io.Writer) Option {
	return func(l *Log) { l.console = w }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open creates (or appends to) the log file at path.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := &Log{
		path:       path,
		file:       f,
		now:        time.Now,
		infoColor:  color.New(color.FgCyan),
		warnColor:  color.New(color.FgYellow),
		errorColor: color.New(color.FgRed, color.Bold),
		dimColor:   color.New(color.Faint),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) Info(msg string, fields Fields)  { l.Append(LevelInfo, msg, fields) }
func (l *Log) Warn(msg string, fields Fields)  { l.Append(LevelWarn, msg, fields) }
func (l *Log) Error(msg string, fields Fields) { l.Append(LevelError, msg, fields) }

// Append writes a single entry.
func (l *Log) Append(level Level, msg string, fields Fields) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now().UTC().Format(time.RFC3339)
	body := strings.TrimSpace(msg)
	if f := formatFields(fields); f != "" {
		body += " " + f
	}
	line := fmt.Sprintf("%s %-5s %s\n", ts, string(level), body)
	if l.file != nil {
		_, _ = l.file.WriteString(line)
	}
	if l.console != nil {
		l.colorFor(level).Fprintf(l.console, "%-5s ", string(level))
		_, _ = fmt.Fprintln(l.console, body)
	}
}

// Line forwards one line of subprocess output. It is recorded at INFO with a
// stage field; the console copy is dimmed so it stands apart from engine
// messages.
func (l *Log) Line(stage string, line string) {
	if l == nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now().UTC().Format(time.RFC3339)
	if l.file != nil {
		_, _ = fmt.Fprintf(l.file, "%s %-5s [%s] %s\n", ts, string(LevelInfo), stage, line)
	}
	if l.console != nil {
		l.dimColor.Fprintf(l.console, "[%s] %s\n", stage, line)
	}
}

func (l *Log) colorFor(level Level) *color.Color {
	switch level {
	case LevelWarn:
		return l.warnColor
	case LevelError:
		return l.errorColor
	default:
		return l.infoColor
	}
}

// Tail returns up to maxLines of the most recent entries in path.
func Tail(path string, maxLines int) []string {
	if maxLines <= 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	return lines
}

func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		if v == "" || strings.ContainsAny(v, " \t\n\"") {
			v = fmt.Sprintf("%q", v)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
