package indexshard

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger is the structured logger used by a shard. Its helpers keep field
// names stable across lifecycle, recovery and maintenance events.
type Logger struct {
	*slog.Logger
}

// NewLogger wraps handler. A nil handler logs text at INFO to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger logs JSON records at level and above to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger logs text records at level and above to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithShard adds the shard id to every record.
func (l *Logger) WithShard(shardID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("shard", shardID),
	}
}

// LogStateChange logs a lifecycle transition.
func (l *Logger) LogStateChange(ctx context.Context, prev, next State, reason string) {
	l.DebugContext(ctx, "state changed",
		"from", prev.String(),
		"to", next.String(),
		"reason", reason,
	)
}

// LogRecovery logs the outcome of a recovery step.
func (l *Logger) LogRecovery(ctx context.Context, stage Stage, recoveredOps int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"stage", stage.String(),
			"recovered_ops", recoveredOps,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery step completed",
			"stage", stage.String(),
			"recovered_ops", recoveredOps,
		)
	}
}

// LogFlush logs a flush.
func (l *Logger) LogFlush(ctx context.Context, generation uint64, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"took", took,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "flush completed",
			"generation", generation,
			"took", took,
		)
	}
}

// LogRefresh logs a refresh.
func (l *Logger) LogRefresh(ctx context.Context, source string, took time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "refresh failed",
			"source", source,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "refresh completed",
			"source", source,
			"took", took,
		)
	}
}
