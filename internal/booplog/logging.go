/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package booplog is a small leveled, structured logger in the style of
// the teacher's ingest/log package: a Logger fans a line out to any number
// of writers, and call sites attach key/value fields rather than building
// format strings by hand. Lines are rendered as RFC5424 syslog messages via
// github.com/crewjam/rfc5424, the same wire format the teacher uses.
package booplog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

// Level is a logging severity, ordered least to most severe.
type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Debug
}

// LevelFromString parses the textual spelling of a Level, case-insensitive.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`:
		return INFO, nil
	case `WARN`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, errInvalidLevel
}

var (
	errNotOpen      = errors.New("booplog: logger is not open")
	errInvalidLevel = errors.New("booplog: invalid log level")
)

// Field is one key/value pair attached to a structured log line.
type Field = rfc5424.SDParam

// KV builds a Field from a name and an arbitrary value, stringifying
// anything that is not already a string.
func KV(name string, value interface{}) Field {
	if s, ok := value.(string); ok {
		return Field{Name: name, Value: s}
	}
	return Field{Name: name, Value: fmt.Sprintf("%v", value)}
}

// KVErr is shorthand for KV("error", err).
func KVErr(err error) Field {
	return KV("error", err)
}

const (
	defaultDepth = 3
	defaultID    = `boopd@1`
)

// Logger fans a leveled, structured log line out to every registered
// writer. The zero value is not ready for use; call New or NewFile.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	appname  string
	hostname string
	hot      bool
}

// New wraps wtr as a logger's sole writer, starting at level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{wtrs: []io.WriteCloser{wtr}, lvl: INFO, hot: true}
	l.hostname, _ = os.Hostname()
	if len(os.Args) > 0 {
		l.appname = strings.TrimSuffix(filepath.Base(os.Args[0]), filepath.Ext(os.Args[0]))
	}
	return l
}

// NewFile opens path in append mode (creating it if absent) and returns a
// Logger writing to it, mirroring the teacher's os.OpenFile convention for
// its own log files.
func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }

// NewDiscard returns a Logger that drops every line, useful in tests.
func NewDiscard() *Logger {
	return New(discardCloser{})
}

// AddWriter registers an additional writer that receives every subsequent
// log line alongside the existing ones.
func (l *Logger) AddWriter(w io.WriteCloser) error {
	if w == nil {
		return errors.New("booplog: nil writer")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return errNotOpen
	}
	l.wtrs = append(l.wtrs, w)
	return nil
}

// SetLevel sets the minimum level that will be written.
func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

// SetLevelString is a convenience wrapper so a CLI flag value can be handed
// straight in.
func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}

// Close closes every registered writer.
func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.hot = false
	for _, w := range l.wtrs {
		if lerr := w.Close(); lerr != nil {
			err = lerr
		}
	}
	return
}

func (l *Logger) log(lvl Level, msg string, fields ...Field) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if lvl < l.lvl || !l.hot {
		return
	}
	ln := l.render(lvl, msg, fields...)
	for _, w := range l.wtrs {
		io.WriteString(w, ln)
		io.WriteString(w, "\n")
	}
}

func (l *Logger) render(lvl Level, msg string, fields ...Field) string {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now(),
		Hostname:  trimLen(255, l.hostname),
		AppName:   trimLen(48, l.appname),
		MessageID: trimLen(32, callLoc(defaultDepth)),
		Message:   []byte(msg),
	}
	if len(fields) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: defaultID, Parameters: fields}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return fmt.Sprintf("%s %s %s", time.Now().UTC().Format(time.RFC3339), lvl, msg)
	}
	return strings.TrimRight(string(b), "\n\t\r")
}

func (l *Logger) Debug(msg string, fields ...Field)    { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)     { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)     { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field)    { l.log(ERROR, msg, fields...) }
func (l *Logger) Critical(msg string, fields ...Field) { l.log(CRITICAL, msg, fields...) }

// Fatal logs at FATAL and exits with code 1.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.FatalCode(1, msg, fields...)
}

// FatalCode logs at FATAL and exits with the given code, mirroring the
// teacher's lg.FatalCode(code, ...) used for every startup failure path.
func (l *Logger) FatalCode(code int, msg string, fields ...Field) {
	l.log(FATAL, msg, fields...)
	os.Exit(code)
}

func callLoc(depth int) string {
	if _, file, line, ok := runtime.Caller(depth); ok {
		dir, file := filepath.Split(file)
		file = filepath.Join(filepath.Base(dir), file)
		return fmt.Sprintf("%s:%d", file, line)
	}
	return ``
}

func trimLen(n int, s string) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
