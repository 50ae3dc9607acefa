// File: internal/orchestrator/main_test.go
package orchestrator

import (
	"os"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/observability"
)

// TestMain initializes the global logger before the orchestrator tests run.
func TestMain(m *testing.M) {
	logConfig := config.NewDefaultConfig().Logger()
	logConfig.Level = "debug"
	logConfig.ServiceName = "test-suite"
	logConfig.Format = "console"
	observability.Initialize(logConfig, zapcore.Lock(os.Stdout))

	code := m.Run()

	observability.Sync()
	observability.ResetForTest()
	os.Exit(code)
}
