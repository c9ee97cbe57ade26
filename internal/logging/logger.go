// Package logging writes the structured debug trail for one cloudforge
// run: JSON lines over log/slog, rooted at debug.log inside the run's
// artifact directory.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels accepted by NewLogger and the logging.level config key.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var slogLevels = map[string]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// Logger writes JSON log lines carrying a fixed set of attributes. With*
// methods return a derived Logger sharing the same writer but its own
// attribute set, so the scheduler can hold a run-scoped Logger while
// handing a phase-scoped derivative to a single iteration.
type Logger struct {
	logger *slog.Logger
	writer *ArtifactLogWriter // nil when writing to stderr
	mu     sync.Mutex
	attrs  []slog.Attr
}

// NewLogger opens debug.log inside artifactDir under DefaultRotationConfig.
// If artifactDir is empty, log lines go to stderr and there is nothing to
// rotate or close.
func NewLogger(artifactDir string, level string) (*Logger, error) {
	return NewLoggerWithRotation(artifactDir, level, DefaultRotationConfig())
}

// NewLoggerWithRotation is NewLogger with an explicit rotation policy,
// wired from the logging.max_size_mb/max_backups config keys.
func NewLoggerWithRotation(artifactDir string, level string, rotation RotationConfig) (*Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(level)}

	if artifactDir == "" {
		return &Logger{
			logger: slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts)),
			attrs:  make([]slog.Attr, 0),
		}, nil
	}

	w, err := NewArtifactLogWriter(filepath.Join(artifactDir, "debug.log"), rotation)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}

	return &Logger{
		logger: slog.New(slog.NewJSONHandler(w, handlerOpts)),
		writer: w,
		attrs:  make([]slog.Attr, 0),
	}, nil
}

// parseLevel maps a level name to its slog.Level, defaulting to Info for
// anything unrecognized.
func parseLevel(level string) slog.Level {
	if lvl, ok := slogLevels[strings.ToUpper(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// WithRunID returns a derived Logger that tags every entry with the run id.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.withAttrs(slog.String("run_id", runID))
}

// WithIteration returns a derived Logger that tags every entry with the
// scheduler's current iteration count.
func (l *Logger) WithIteration(iteration int) *Logger {
	return l.withAttrs(slog.Int("iteration", iteration))
}

// WithPhase returns a derived Logger that tags every entry with the active
// workflow phase, e.g. "DISCOVER", "IMPLEMENT", "VERIFY".
func (l *Logger) WithPhase(phase string) *Logger {
	return l.withAttrs(slog.String("phase", phase))
}

// With returns a derived Logger carrying arbitrary key-value attributes.
// Keys and values alternate in args; entries with a non-string key are
// skipped.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return l.withAttrs(attrs...)
}

// withAttrs returns a derived Logger with extra appended to the receiver's
// existing attributes.
func (l *Logger) withAttrs(extra ...slog.Attr) *Logger {
	merged := make([]slog.Attr, len(l.attrs)+len(extra))
	copy(merged, l.attrs)
	copy(merged[len(l.attrs):], extra)

	return &Logger{
		logger: l.logger,
		writer: l.writer,
		attrs:  merged,
	}
}

// Debug logs msg at DEBUG level with optional alternating key-value args.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs msg at INFO level with optional alternating key-value args.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs msg at WARN level with optional alternating key-value args.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs msg at ERROR level with optional alternating key-value args.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	combined := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		combined = append(combined, attr.Key, attr.Value.Any())
	}
	combined = append(combined, args...)

	l.logger.Log(context.Background(), level, msg, combined...)
}

// Close flushes and closes the underlying debug.log segment. A Logger
// writing to stderr (no artifact directory given at construction) has
// nothing to close.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return nil
	}
	err := l.writer.Close()
	l.writer = nil
	return err
}

// NopLogger discards everything logged through it. Used as a safe
// fallback when opening the real debug.log fails.
func NopLogger() *Logger {
	return &Logger{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		attrs:  make([]slog.Attr, 0),
	}
}

// ParseLevel normalizes a level string to one of the Level* constants,
// defaulting to LevelInfo for anything unrecognized.
func ParseLevel(level string) string {
	upper := strings.ToUpper(level)
	if _, ok := slogLevels[upper]; ok {
		return upper
	}
	return LevelInfo
}

// ValidLevels lists the accepted level strings, in ascending severity.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
