package plog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Custom levels on top of the slog defaults.
const (
	LevelDebug  = slog.LevelDebug
	LevelInfo   = slog.LevelInfo
	LevelNotice = slog.Level(2)
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

var levelNames = map[slog.Level]string{
	LevelNotice: "NOTICE",
}

// LevelFromString parses a level name as used in the config file.
func LevelFromString(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

// replaceLevel renders the custom NOTICE level by name.
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		if name, ok := levelNames[level]; ok {
			a.Value = slog.StringValue(name)
		}
	}
	return a
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// Logger is an injectable leveled logger. The zero value is not usable, use New
// or Default.
type Logger struct {
	sl    *slog.Logger
	level *slog.LevelVar
}

// New returns a Logger writing text records of at least level to w.
func New(w io.Writer, level slog.Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)
	return &Logger{
		sl:    slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv, ReplaceAttr: replaceLevel})),
		level: lv,
	}
}

// NewConsole returns a Logger that sends INFO and below to stdout and WARN and
// above to stderr. When extra is non-nil every record is also written to it.
func NewConsole(level slog.Level, extra io.Writer) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)
	opts := &slog.HandlerOptions{Level: lv, ReplaceAttr: replaceLevel}

	var stdout, stderr io.Writer = os.Stdout, os.Stderr
	if extra != nil {
		stdout = io.MultiWriter(os.Stdout, extra)
		stderr = io.MultiWriter(os.Stderr, extra)
	}
	return &Logger{
		sl: slog.New(&LevelDispatchHandler{
			stdoutHandler: slog.NewTextHandler(stdout, opts),
			stderrHandler: slog.NewTextHandler(stderr, opts),
		}),
		level: lv,
	}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// SetLevel changes the minimum level of l.
func (l *Logger) SetLevel(level slog.Level) { l.level.Set(level) }

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...), level: l.level}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Notice(msg string, args ...any) {
	l.log(LevelNotice, msg, args...)
}
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	l.sl.Log(context.Background(), level, msg, args...)
}

// OpenFile opens (or creates) a log file for appending.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}
	return f, nil
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewConsole(LevelInfo, nil))
}

// Default returns the process-wide logger used by the CLI shell.
func Default() *Logger { return defaultLogger.Load() }

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) { defaultLogger.Store(l) }

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	level := Default().level.Level()
	defaultLogger.Store(New(w, level))
}

// SetLevel changes the level of the process-wide logger.
func SetLevel(level slog.Level) { Default().SetLevel(level) }

// Debug logs a debug message.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs an informational message.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Notice logs a message that is more important than info but not a warning.
func Notice(msg string, args ...any) { Default().Notice(msg, args...) }

// Warn logs a warning message.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { Default().Error(msg, args...) }
