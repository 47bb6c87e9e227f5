package observ

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		env, level string
		want       zapcore.Level
	}{
		{"development", "debug", zapcore.DebugLevel},
		{"production", "warn", zapcore.WarnLevel},
		{"production", "nonsense", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			logger, err := NewLogger(tt.env, tt.level)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}
