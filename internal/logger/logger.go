// Copyright (c) 2024 The Chaperone Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.

// Package logger provides the minimal logging facility used throughout
// chaperone. It exists so that the supervision core never needs to
// depend on a concrete logging backend: syslogd routes these messages
// to its own sinks once it's up, but everything before that point (and
// anything logged from the signal path) goes through here.
package logger

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"time"
)

// A Logger is the minimal interface chaperone needs from a log sink.
type Logger interface {
	// Noticef is for messages an operator should see.
	Noticef(format string, v ...any)
	// Debugf is for messages only useful when debugging chaperone itself.
	Debugf(format string, v ...any)
}

type nullLogger struct{}

func (nullLogger) Noticef(format string, v ...any) {}
func (nullLogger) Debugf(format string, v ...any)  {}

// NullLogger discards everything written to it.
var NullLogger = nullLogger{}

var (
	logger     Logger = NullLogger
	loggerLock sync.Mutex
)

// SetLogger replaces the global logger and returns the previous one.
func SetLogger(l Logger) (old Logger) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	old = logger
	logger = l
	return old
}

// Noticef logs a message the operator should see.
func Noticef(format string, v ...any) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	logger.Noticef(format, v...)
}

// Debugf logs a debug message.
func Debugf(format string, v ...any) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	logger.Debugf(format, v...)
}

// Panicf notifies, then panics.
func Panicf(format string, v ...any) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	logger.Noticef("PANIC "+format, v...)
	panic(fmt.Sprintf(format, v...))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// MockLogger installs a buffer-backed logger for the duration of a test and
// returns it along with a restore function.
func MockLogger(prefix string) (fmt.Stringer, func()) {
	buf := &lockedBuffer{}
	old := SetLogger(New(buf, prefix))
	return buf, func() { SetLogger(old) }
}

type defaultLogger struct {
	w      *os.File
	prefix string

	mu  sync.Mutex
	buf []byte
}

// Debugf only prints if CHAPERONE_DEBUG is set, matching the supervised
// processes' own convention of an env-gated debug stream.
func (l *defaultLogger) Debugf(format string, v ...any) {
	if os.Getenv("CHAPERONE_DEBUG") != "" {
		l.write("DEBUG "+format, v...)
	}
}

func (l *defaultLogger) Noticef(format string, v ...any) {
	l.write(format, v...)
}

func (l *defaultLogger) write(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = l.buf[:0]
	l.buf = AppendTimestamp(l.buf, time.Now())
	l.buf = append(l.buf, ' ')
	l.buf = append(l.buf, l.prefix...)
	l.buf = fmt.Appendf(l.buf, format, v...)
	if len(l.buf) == 0 || l.buf[len(l.buf)-1] != '\n' {
		l.buf = append(l.buf, '\n')
	}
	l.w.Write(l.buf)
}

// writerLogger wraps an arbitrary io.Writer (used by MockLogger).
type writerLogger struct {
	w      interface{ Write([]byte) (int, error) }
	prefix string
	mu     sync.Mutex
}

func (l *writerLogger) Noticef(format string, v ...any) { l.write(format, v...) }
func (l *writerLogger) Debugf(format string, v ...any) {
	if os.Getenv("CHAPERONE_DEBUG") != "" {
		l.write("DEBUG "+format, v...)
	}
}

func (l *writerLogger) write(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := AppendTimestamp(nil, time.Now())
	buf = append(buf, ' ')
	buf = append(buf, l.prefix...)
	buf = fmt.Appendf(buf, format, v...)
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}
	l.w.Write(buf)
}

// New creates a Logger that writes timestamp-prefixed lines to w.
func New(w interface{ Write([]byte) (int, error) }, prefix string) Logger {
	if f, ok := w.(*os.File); ok {
		return &defaultLogger{w: f, buf: make([]byte, 0, 256), prefix: prefix}
	}
	return &writerLogger{w: w, prefix: prefix}
}

// AppendTimestamp appends "YYYY-MM-DDTHH:mm:ss.sssZ" (UTC, millisecond
// precision) to b and returns the extended slice.
func AppendTimestamp(b []byte, t time.Time) []byte {
	const width = 24
	u := t.UTC()
	year, month, day := u.Year(), int(u.Month()), u.Day()
	hour, minute, second := u.Hour(), u.Minute(), u.Second()
	ms := u.Nanosecond() / 1_000_000

	b = slices.Grow(b, width)
	n := len(b)
	b = b[:n+width]

	b[n+0] = byte('0' + year/1000%10)
	b[n+1] = byte('0' + year/100%10)
	b[n+2] = byte('0' + year/10%10)
	b[n+3] = byte('0' + year%10)
	b[n+4] = '-'
	b[n+5] = byte('0' + month/10)
	b[n+6] = byte('0' + month%10)
	b[n+7] = '-'
	b[n+8] = byte('0' + day/10)
	b[n+9] = byte('0' + day%10)
	b[n+10] = 'T'
	b[n+11] = byte('0' + hour/10)
	b[n+12] = byte('0' + hour%10)
	b[n+13] = ':'
	b[n+14] = byte('0' + minute/10)
	b[n+15] = byte('0' + minute%10)
	b[n+16] = ':'
	b[n+17] = byte('0' + second/10)
	b[n+18] = byte('0' + second%10)
	b[n+19] = '.'
	b[n+20] = byte('0' + ms/100)
	b[n+21] = byte('0' + ms/10%10)
	b[n+22] = byte('0' + ms%10)
	b[n+23] = 'Z'
	return b
}
