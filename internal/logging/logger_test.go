package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Stdout)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid console", Config{Format: "console", Stdout: true}, false},
		{"valid json", Config{Format: "json", Stdout: true}, false},
		{"bad format", Config{Format: "xml", Stdout: true}, true},
		{"no outputs", Config{Format: "json"}, true},
		{"file only", Config{Format: "json", Dir: "logs"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewCreatesRunLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, logPath, err := New(&Config{
		Level:  zapcore.DebugLevel,
		Format: "json",
		Stdout: false,
		Dir:    dir,
	})
	require.NoError(t, err)
	require.NotEmpty(t, logPath)

	logger.Info("hello")
	require.NoError(t, Sync(logger))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Equal(t, dir, filepath.Dir(logPath))
}

func TestLevelFromString(t *testing.T) {
	l, err := LevelFromString("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}
