package cmdgraph

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/cmdgraph/barrier"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for cmdgraph and its sub-packages.
// By default, cmdgraph produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by cmdgraph:
//   - [slog.LevelDebug]: schedule decisions (chunk boundaries, queue transfers, barriers)
//   - [slog.LevelInfo]: device group lifecycle (devices opened, group closed)
//   - [slog.LevelWarn]: non-fatal issues (backend release failures)
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	cmdgraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	barrier.SetLogger(l)

	setterMu.RLock()
	defer setterMu.RUnlock()
	for _, s := range setters {
		s.SetLogger(l)
	}
}

// Logger returns the current logger used by cmdgraph.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backends that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

var (
	setterMu sync.RWMutex
	setters  []loggerSetter
)

// propagateLogger passes the logger to a backend if it implements
// loggerSetter, and keeps it for later SetLogger calls.
func propagateLogger(b any) {
	ls, ok := b.(loggerSetter)
	if !ok {
		return
	}
	setterMu.Lock()
	for _, s := range setters {
		if s == ls {
			setterMu.Unlock()
			ls.SetLogger(Logger())
			return
		}
	}
	setters = append(setters, ls)
	setterMu.Unlock()
	ls.SetLogger(Logger())
}
