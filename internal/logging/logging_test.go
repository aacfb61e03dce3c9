package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad format", Config{Level: "info", Format: "xml", Output: "stderr"}},
		{"bad level", Config{Level: "loud", Format: "json", Output: "stderr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifyd.log")
	logger, err := New(Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, logger.Sync())

	assert.FileExists(t, path)
}

func TestNewConsoleFormat(t *testing.T) {
	logger, err := New(Config{Level: "warn", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
