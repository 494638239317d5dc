package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/recsync/internal/events"
)

func TestFromContext(t *testing.T) {
	logger := events.FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	logger := events.NewNopLogger()

	ctx := events.WithLogger(context.Background(), logger)
	assert.Same(t, logger, events.FromContext(ctx))
}

func TestWithAttemptID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithAttemptID(ctx, "attempt-123")
	assert.Equal(t, "attempt-123", events.GetAttemptID(ctx))

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), `"attempt_id":"attempt-123"`)
}

func TestWithCollection(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithCollection(ctx, "history")
	assert.Equal(t, "history", events.GetCollection(ctx))

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), `"collection":"history"`)
}

func TestContextValuesEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetAttemptID(ctx))
	assert.Empty(t, events.GetCollection(ctx))
}

func TestSetDefault(t *testing.T) {
	custom := events.NewNopLogger()
	events.SetDefault(custom)

	assert.Same(t, custom, events.FromContext(context.Background()))
}
