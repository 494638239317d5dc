package events

import (
	"context"
	"os"
	"sync"
)

type contextKey int

const (
	loggerKey contextKey = iota
	attemptIDKey
	collectionKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithAttemptID tags the context, and its logger, with a sync attempt ID.
func WithAttemptID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("attempt_id", id)
	ctx = context.WithValue(ctx, attemptIDKey, id)
	return WithLogger(ctx, logger)
}

// WithCollection tags the context, and its logger, with a collection name.
func WithCollection(ctx context.Context, collection string) context.Context {
	logger := FromContext(ctx).WithField("collection", collection)
	ctx = context.WithValue(ctx, collectionKey, collection)
	return WithLogger(ctx, logger)
}

// GetAttemptID retrieves the attempt ID from context.
func GetAttemptID(ctx context.Context) string {
	if id, ok := ctx.Value(attemptIDKey).(string); ok {
		return id
	}
	return ""
}

// GetCollection retrieves the collection name from context.
func GetCollection(ctx context.Context) string {
	if c, ok := ctx.Value(collectionKey).(string); ok {
		return c
	}
	return ""
}

var defaultLogger = &Logger{
	mu:     &sync.Mutex{},
	level:  InfoLevel,
	format: "text",
	output: os.Stderr,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
