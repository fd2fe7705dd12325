package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	dev, err := New(true)
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod, err := New(false)
	require.NoError(t, err)
	require.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	require.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

func TestNewWithFileTeesJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "sitewatch.log")
	logger, err := NewWithFile(false, FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)

	logger.Debug("hidden at info level")
	logger.Warn("site unreachable", zap.String("site_id", "s-42"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "s-42", entry["site_id"])
	require.Contains(t, entry, "ts")
}

func TestNewWithFileNoPath(t *testing.T) {
	t.Parallel()

	logger, err := NewWithFile(true, FileConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)
}
