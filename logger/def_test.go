package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit(t *testing.T) {
	file := filepath.Join(t.TempDir(), "eggdet.log")
	require.NoError(t, Init(Options{Level: "warn", Encoding: "console", File: file, MaxSizeMB: 1}))

	Log().Info("hidden")
	S().Warnw("job failed", "stage", "detect")
	Sync()

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"job failed"`)
	assert.Contains(t, string(raw), `"stage":"detect"`)
	assert.Contains(t, string(raw), `"timestamp"`)
	assert.NotContains(t, string(raw), "hidden")
	assert.Same(t, Log(), zap.L())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Encoding: "xml"})
	assert.Error(t, err)
}

func TestPresets(t *testing.T) {
	require.NoError(t, InitDevelopment())
	assert.True(t, Log().Core().Enabled(zap.DebugLevel))
	require.NoError(t, InitProduction())
	assert.False(t, Log().Core().Enabled(zap.DebugLevel))
}
