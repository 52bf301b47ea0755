package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug"))
	require.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel("info"))
	require.Equal(t, slog.LevelInfo, parseLevel("garbage"))
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger := NewLogger(&Config{LogFormat: "json", LogLevel: "warn"})
	require.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = NewLogger(nil)
	require.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
