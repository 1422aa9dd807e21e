/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logger is the leveled, colored logger shared by the smaf packages.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// Level is a log verbosity level. Messages below the current level are dropped.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// Logger writes prefixed log lines to out.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
}

var (
	level atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

func init() {
	level.Store(int32(LevelWarn))
	if v := os.Getenv("SMAF_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			SetLevel(Level(n))
		}
	}
}

// SetLevel changes the level of every Logger. The default level is Warn;
// the process env `SMAF_LOG_LEVEL` also sets it.
func SetLevel(l Level) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// CurrentLevel returns the level in effect.
func CurrentLevel() Level {
	return Level(level.Load())
}

// New returns a Logger tagged with name. A nil out writes to stdout.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 3,
	}
}

// Enabled reports whether messages at l are printed.
func (l *Logger) Enabled(lv Level) bool {
	return CurrentLevel() <= lv
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.printf(LevelError, format, a...)
}

func (l *Logger) Error(v interface{}) {
	l.println(LevelError, v)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.printf(LevelWarn, format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.printf(LevelInfo, format, a...)
}

func (l *Logger) Info(v interface{}) {
	l.println(LevelInfo, v)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.printf(LevelDebug, format, a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.printf(LevelTrace, format, a...)
}

func (l *Logger) printf(lv Level, format string, a ...interface{}) {
	if !l.Enabled(lv) {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger %s failed: %v\n", levelName[lv], err)
	}
}

func (l *Logger) println(lv Level, v interface{}) {
	if !l.Enabled(lv) {
		return
	}
	if _, err := fmt.Fprintln(l.out, l.prefix(lv), v, reset); err != nil {
		fmt.Fprintf(os.Stderr, "logger %s failed: %v\n", levelName[lv], err)
	}
}

func (l *Logger) prefix(lv Level) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *Logger) location() string {
	// printf/println add one frame on top of the exported method.
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
