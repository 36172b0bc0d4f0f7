// Package logging provides the leveled logger used across the engine client.
//
// The default backend is github.com/kataras/golog; library callers that do
// not want output pass NoOp.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kataras/golog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

// ParseLevel maps a config string to a Level. Unknown values yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off", "disable":
		return LevelNone
	default:
		return LevelInfo
	}
}

func (l Level) gologName() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelNone:
		return "disable"
	default:
		return "info"
	}
}

type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// Golog adapts a golog.Logger to Logger.
type Golog struct {
	logger *golog.Logger
	level  Level
}

var _ Logger = (*Golog)(nil)

// New returns a golog-backed logger writing to out (stderr when nil) with a
// "[component] " prefix.
func New(component string, level Level, out io.Writer) *Golog {
	if out == nil {
		out = os.Stderr
	}
	gl := golog.New()
	gl.SetOutput(out)
	gl.SetTimeFormat("2006-01-02T15:04:05.000Z07:00")
	if component != "" {
		gl.SetPrefix("[" + component + "] ")
	}
	gl.SetLevel(level.gologName())
	return &Golog{logger: gl, level: level}
}

// Named returns a logger sharing the backend with a different prefix.
func (l *Golog) Named(component string) *Golog {
	child := l.logger.Clone()
	child.SetPrefix("[" + component + "] ")
	return &Golog{logger: child, level: l.level}
}

func (l *Golog) Debug(format string, v ...any) {
	if l.level <= LevelDebug {
		l.logger.Debug(fmt.Sprintf(format, v...))
	}
}

func (l *Golog) Info(format string, v ...any) {
	if l.level <= LevelInfo {
		l.logger.Info(fmt.Sprintf(format, v...))
	}
}

func (l *Golog) Warn(format string, v ...any) {
	if l.level <= LevelWarn {
		l.logger.Warn(fmt.Sprintf(format, v...))
	}
}

func (l *Golog) Error(format string, v ...any) {
	if l.level <= LevelError {
		l.logger.Error(fmt.Sprintf(format, v...))
	}
}

func (l *Golog) SetLevel(level Level) {
	l.level = level
	l.logger.SetLevel(level.gologName())
}

type noOp struct{}

func (noOp) Debug(string, ...any) {}
func (noOp) Info(string, ...any)  {}
func (noOp) Warn(string, ...any)  {}
func (noOp) Error(string, ...any) {}

// NoOp discards everything.
var NoOp Logger = noOp{}

// OrNoOp returns l, or NoOp when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOp
	}
	return l
}
