package observability

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/metrics-bridge/config"
)

func TestSetupLogger_Level(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zap.DebugLevel},
		{"INFO", zap.InfoLevel},
		{"warning", zap.WarnLevel},
		{"error", zap.ErrorLevel},
		{"", zap.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			l, err := SetupLogger(config.LogConfig{Level: tt.in, Outputs: []string{"stderr"}})
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.want))
			if tt.want > zap.DebugLevel {
				assert.False(t, l.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bridge.log")
	l, err := SetupLogger(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	l.Info("metric created", zap.String("category", "app"))
	require.NoError(t, l.Sync())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"msg":"metric created"`)
	assert.Contains(t, string(body), `"category":"app"`)
}

func TestSetupLogger_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	l, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Format:  "console",
		Outputs: []string{"ignored.log"},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: path,
		},
	})
	require.NoError(t, err)

	l.Debug("flushed pre-init queue")
	_ = l.Sync()

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "flushed pre-init queue"))
}

func TestInstall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.log")
	l, err := SetupLogger(config.LogConfig{Level: "info", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)

	restore := Install(l)
	log.Print("from stdlib")
	zap.L().Info("from global")
	restore()
	_ = l.Sync()

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "from stdlib")
	assert.Contains(t, string(body), "from global")
}
