package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	core, recorded := observer.New(level)
	t.Cleanup(SetLogger(zap.New(core)))
	return recorded
}

func TestLevels(t *testing.T) {
	recorded := observe(t, zapcore.DebugLevel)

	Debug("debug message", "key", "value")
	Info("info message", "items", 3)
	Warn("warn message")
	Error("error message", "error", "boom")

	logs := recorded.All()
	require.Len(t, logs, 4)
	assert.Equal(t, zapcore.DebugLevel, logs[0].Level)
	assert.Equal(t, "debug message", logs[0].Message)
	require.Len(t, logs[0].Context, 1)
	assert.Equal(t, "key", logs[0].Context[0].Key)
	assert.Equal(t, "value", logs[0].Context[0].String)
	assert.Equal(t, zapcore.InfoLevel, logs[1].Level)
	assert.Equal(t, int64(3), logs[1].Context[0].Integer)
	assert.Equal(t, zapcore.WarnLevel, logs[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs[3].Level)
}

func TestLevelFiltering(t *testing.T) {
	recorded := observe(t, zapcore.WarnLevel)

	Debug("dropped")
	Info("dropped")
	Warn("kept")

	logs := recorded.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "kept", logs[0].Message)
}

func TestWith(t *testing.T) {
	recorded := observe(t, zapcore.InfoLevel)

	With("component", "builder").Infow("started", "items", 10)

	logs := recorded.All()
	require.Len(t, logs, 1)
	fields := logs[0].ContextMap()
	assert.Equal(t, "builder", fields["component"])
	assert.Equal(t, int64(10), fields["items"])
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.FatalLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseLevel(tc.input))
		})
	}
}

func TestInitLoggerToFile(t *testing.T) {
	restore := SetLogger(defaultLogger)
	defer restore()

	logPath := filepath.Join(t.TempDir(), "logs", "imagesearch.log")
	require.NoError(t, InitLogger(DebugLevel, logPath))

	Info("written to file", "path", logPath)
	Sync()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"level":"INFO"`)
}
