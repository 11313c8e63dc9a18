package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardstat-service/internal/config"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardstat.log")
	logger, err := New(config.LogConfig{Level: "info", Path: path, MaxSize: 1, MaxBackups: 1, MaxAge: 1})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("rebuild finished")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `"message":"rebuild finished"`), out)
	assert.False(t, strings.Contains(out, "hidden"))
}
