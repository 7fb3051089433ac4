package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test message", String("key", "value"))
	logger.Debug("debug message", Int("count", 1))
	assert.NotNil(t, logger.With(String("component", "test")))
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "info", Format: "console"})
	require.NoError(t, err)
	logger.Warn("console message")
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
}

func TestWithContextAttachesRequestID(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "req-456")
	logger.WithContext(ctx).Info("correlated message")

	// A context without a request ID returns the logger unchanged.
	assert.NotNil(t, logger.WithContext(context.Background()))
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Info("ignored")
	logger.Error("ignored", Error(assert.AnError))
	assert.NoError(t, logger.Sync())
}
