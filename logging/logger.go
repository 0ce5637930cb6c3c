package logging

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with collection-management context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
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

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// OrNoop returns l, or a NoopLogger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return NoopLogger()
	}
	return l
}

// WithCollection adds a collection field to the logger.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("collection", name),
	}
}

// WithShard adds a shard field to the logger.
func (l *Logger) WithShard(id uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("shard", id),
	}
}

// WithPeer adds a peer field to the logger.
func (l *Logger) WithPeer(peer string) *Logger {
	return &Logger{
		Logger: l.Logger.With("peer", peer),
	}
}

// LogPropose logs a replicated write.
func (l *Logger) LogPropose(ctx context.Context, seq uint64, acks, required int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "propose failed",
			"seq", seq,
			"acks", acks,
			"required", required,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "propose acknowledged",
			"seq", seq,
			"acks", acks,
			"required", required,
		)
	}
}

// LogQuery logs a replicated read.
func (l *Logger) LogQuery(ctx context.Context, level string, responses int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"level", level,
			"responses", responses,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"level", level,
			"responses", responses,
		)
	}
}

// LogTransition logs a replica state change.
func (l *Logger) LogTransition(ctx context.Context, peer, from, to, reason string) {
	l.InfoContext(ctx, "replica state changed",
		"peer", peer,
		"from", from,
		"to", to,
		"reason", reason,
	)
}

// LogRecovery logs the outcome of a replica catch-up or transfer.
func (l *Logger) LogRecovery(ctx context.Context, peer, mode string, appliedSeq uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "replica recovery failed",
			"peer", peer,
			"mode", mode,
			"applied_seq", appliedSeq,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "replica recovered",
			"peer", peer,
			"mode", mode,
			"applied_seq", appliedSeq,
		)
	}
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, name string, size int64, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"name", name,
			"size", size,
			"elapsed", elapsed,
		)
	}
}

// LogRestore logs a snapshot restore.
func (l *Logger) LogRestore(ctx context.Context, name string, replayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot restore failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot restored",
			"name", name,
			"entries_replayed", replayed,
		)
	}
}

// LogCollectionChange logs a structural collection operation.
func (l *Logger) LogCollectionChange(ctx context.Context, action, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "collection change failed",
			"action", action,
			"collection", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "collection changed",
			"action", action,
			"collection", name,
		)
	}
}

// LogAliasUpdate logs an alias batch.
func (l *Logger) LogAliasUpdate(ctx context.Context, ops int, err error) {
	if err != nil {
		l.WarnContext(ctx, "alias update rejected",
			"operations", ops,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "aliases updated",
			"operations", ops,
		)
	}
}

// LogRecovered logs WAL replay on startup.
func (l *Logger) LogRecovered(ctx context.Context, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed",
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "WAL recovery completed",
			"entries_replayed", entriesReplayed,
		)
	}
}
