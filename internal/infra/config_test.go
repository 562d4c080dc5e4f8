package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/formguard/internal/confidence"
	"github.com/xela07ax/formguard/internal/domain"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, "current", cfg.Engine.UndoMode)
	assert.Equal(t, 100, cfg.Engine.HistoryLimit)
	assert.Equal(t, 5, cfg.Engine.MaxSuggestions)
	assert.Equal(t, 30*time.Minute, cfg.Engine.SessionTTL)
	assert.Equal(t, confidence.DefaultConfig(), cfg.Engine.Scoring)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("ENGINE_UNDO_MODE", "snapshot")
	t.Setenv("ENGINE_THRESHOLDS_AUTO_VALIDATE", "0.9")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "pem-data")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "snapshot", cfg.Engine.UndoMode)
	assert.InDelta(t, 0.9, cfg.Engine.Scoring.Thresholds.AutoValidate, 1e-9)
	assert.Equal(t, []byte("pem-data"), cfg.Auth.PublicKey)
}

func TestLoadConfig_Rejects(t *testing.T) {
	t.Run("unordered thresholds", func(t *testing.T) {
		t.Setenv("ENGINE_THRESHOLDS_AUTO_QUARANTINE", "0.99")
		_, err := LoadConfig()
		assert.ErrorIs(t, err, domain.ErrInvalidThresholds)
	})

	t.Run("weights sum", func(t *testing.T) {
		t.Setenv("ENGINE_WEIGHTS_BEHAVIOR", "0.9")
		_, err := LoadConfig()
		assert.ErrorIs(t, err, domain.ErrInvalidWeights)
	})

	t.Run("undo mode", func(t *testing.T) {
		t.Setenv("ENGINE_UNDO_MODE", "rewind")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
