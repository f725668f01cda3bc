package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.CheckinInterval)
	assert.Equal(t, []time.Duration{30 * time.Minute, 10 * time.Minute, 5 * time.Minute}, cfg.FocusWarnThresholds)
	assert.Equal(t, filepath.Join("./data", "adhd_os.db"), cfg.DBPath)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkin_interval: 20m\nuser_id: filed\n"), 0o600))

	t.Setenv("ADHDOS_USER", "enved")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Minute, cfg.CheckinInterval, "file value applies")
	assert.Equal(t, "enved", cfg.UserID, "environment overrides file")
}

func TestLoad_RejectsBadIntervals(t *testing.T) {
	t.Setenv("ADHDOS_CHECKIN_GRACE", "15m") // grace >= default 10m interval

	_, err := Load("")
	require.Error(t, err)
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.FocusWarnThresholds = []time.Duration{10 * time.Minute, 30 * time.Minute}
	require.Error(t, cfg.Validate())
}
