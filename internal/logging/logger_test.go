package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Handlers(t *testing.T) {
	tests := []struct {
		env  string
		json bool
	}{
		{"production", true},
		{"development", false},
		{"", false},
		{"staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			logger := NewLogger(tt.env, "")
			require.NotNil(t, logger)

			handler := logger.Handler()
			if tt.json {
				assert.IsType(t, &slog.JSONHandler{}, handler)
			} else {
				assert.IsType(t, &slog.TextHandler{}, handler)
			}
		})
	}
}

func TestNewLogger_DefaultLevels(t *testing.T) {
	ctx := context.Background()

	prod := NewLogger("production", "")
	assert.True(t, prod.Handler().Enabled(ctx, slog.LevelInfo))
	assert.False(t, prod.Handler().Enabled(ctx, slog.LevelDebug))

	dev := NewLogger("development", "")
	assert.True(t, dev.Handler().Enabled(ctx, slog.LevelDebug))
}

func TestNewLogger_LevelOverride(t *testing.T) {
	ctx := context.Background()

	prod := NewLogger("production", "debug")
	assert.True(t, prod.Handler().Enabled(ctx, slog.LevelDebug))

	dev := NewLogger("development", "warn")
	assert.False(t, dev.Handler().Enabled(ctx, slog.LevelInfo))
	assert.True(t, dev.Handler().Enabled(ctx, slog.LevelWarn))

	bogus := NewLogger("production", "loud")
	assert.True(t, bogus.Handler().Enabled(ctx, slog.LevelInfo))
	assert.False(t, bogus.Handler().Enabled(ctx, slog.LevelDebug), "unknown level keeps the default")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
