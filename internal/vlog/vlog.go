// Package vlog is the devirtualizer's structured diagnostic logger: a thin,
// leveled wrapper around log/slog tagged by the emitting subsystem (tracer,
// explorer, lifter, solver, ...), in the style of a leveled component logger
// rather than a bare fmt.Printf sprinkle.
package vlog

import (
	"context"
	"log/slog"
	"os"
)

// Level aliases slog.Level so callers never import log/slog directly.
type Level = slog.Level

const (
	LevelTrace Level = -8
	LevelDebug       = slog.LevelDebug
	LevelInfo        = slog.LevelInfo
	LevelWarn        = slog.LevelWarn
	LevelError       = slog.LevelError
)

// Logger is a component-scoped leveled logger.
type Logger struct {
	inner   *slog.Logger
	module  string
}

// level is shared by every component logger's handler (its zero value is
// LevelInfo), so SetLevel also affects loggers created before it is called.
var level = new(slog.LevelVar)

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

// SetLevel adjusts the global minimum level emitted by every component
// logger. Intended to be called once, from the CLI, based on a -v flag.
func SetLevel(l Level) {
	level.Set(l)
}

// For returns a logger scoped to the named component, e.g. vlog.For("tracer").
func For(module string) *Logger {
	return &Logger{inner: root, module: module}
}

func (l *Logger) with(args []any) []any {
	return append([]any{"component", l.module}, args...)
}

func (l *Logger) Trace(msg string, args ...any) {
	l.inner.Log(context.Background(), LevelTrace, msg, l.with(args)...)
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.with(args)...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, l.with(args)...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, l.with(args)...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, l.with(args)...) }
