// Package synclog provides the structured logger used across the chunk
// sync engine. It follows the same shape as go-ethereum's log package: a
// handful of package-level functions (Info/Warn/Error/Debug/Crit) that take
// a message and an alternating key/value list, backed by a swappable
// slog.Handler.
package synclog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-stack/stack"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var root = slog.New(newTerminalHandler(os.Stderr))

// SetHandler swaps the handler backing the root logger. Call once during
// startup, before any background worker begins logging.
func SetHandler(h slog.Handler) {
	root = slog.New(h)
}

// NewFileHandler returns a JSON handler that rotates through lumberjack,
// the same rotation library the teacher's node config wires for log files.
func NewFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
}

func newTerminalHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
}

// New returns a child logger with the given call-site context baked in,
// e.g. synclog.New("component", "syncer").
func New(ctx ...any) *slog.Logger {
	return root.With(ctx...)
}

func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }

// Crit logs at error level tagged fatal=true with the immediate caller
// frame; the engine never os.Exits on its own, callers decide whether to
// treat it as terminal (a join that finds no common ancestor is fatal
// and the engine refuses to proceed, but shutdown policy belongs to the
// embedding node).
func Crit(msg string, ctx ...any) {
	frame := fmt.Sprintf("%+v", stack.Caller(1))
	root.Error(msg, append(ctx, "fatal", true, "at", frame, "time", time.Now())...)
}
