// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/formpilot/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// initWithBuffer resets the global logger and points it at an in-memory buffer.
func initWithBuffer(t *testing.T, cfg config.LoggerConfig) *bytes.Buffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))
	return &buf
}

func TestInitialize(t *testing.T) {
	t.Run("console logger colorizes levels", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "formpilot",
			Colors:      config.ColorConfig{Info: "green"},
		})

		GetLogger().Named("orchestrator").Info("page advanced")
		Sync()

		out := buf.String()
		assert.Contains(t, out, "page advanced")
		assert.Contains(t, out, colorGreen+"INFO"+colorReset)
		assert.Contains(t, out, "formpilot.orchestrator.")
	})

	t.Run("json logger emits structured fields", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc"})

		GetLogger().Warn("retrying submit", zap.Int("attempt", 2))
		Sync()

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "svc", entry["logger"])
		assert.Equal(t, "retrying submit", entry["msg"])
		assert.EqualValues(t, 2, entry["attempt"])
	})

	t.Run("level filter applies", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{Level: "warn", Format: "json"})
		GetLogger().Info("hidden")
		Sync()
		assert.Empty(t, buf.String())
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		buf := initWithBuffer(t, config.LoggerConfig{Level: "verbose", Format: "json"})
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		Sync()
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("writes rotated json file when configured", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "formpilot.log")
		initWithBuffer(t, config.LoggerConfig{Level: "info", Format: "console", LogFile: logPath, MaxSize: 1})

		GetLogger().Error("session failed")
		Sync()

		content, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"session failed"`)
	})

	t.Run("only the first initialization wins", func(t *testing.T) {
		initWithBuffer(t, config.LoggerConfig{Level: "info", ServiceName: "first"})
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, zapcore.AddSync(&bytes.Buffer{}))
		assert.Same(t, first, GetLogger())
	})
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Nil(t, globalLogger.Load(), "fallback must not be stored globally")
	assert.False(t, Initialized())
}

func TestSessionLogger(t *testing.T) {
	buf := initWithBuffer(t, config.LoggerConfig{Level: "info", Format: "json"})

	SessionLogger(GetLogger(), "device", "sess-1").Info("clicked")
	Sync()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "device", entry["logger"])
}
