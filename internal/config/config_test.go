package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONNECT_API_URL", "https://relay.example.com")
	t.Setenv("CONNECT_AUTH_URL", "https://auth.example.com")
	t.Setenv("CONNECT_AUTH_PUBLISHABLE_KEY", "pk_test_123")
}

func TestLoad_MissingConnectAPIURLFails(t *testing.T) {
	t.Setenv("CONNECT_API_URL", "")
	t.Setenv("CONNECT_AUTH_URL", "https://auth.example.com")
	t.Setenv("CONNECT_AUTH_PUBLISHABLE_KEY", "pk_test_123")

	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrConnectAPIURLRequired)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WF_SYNC_DATA_DIR", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 1, cfg.SchemaVersion)
	require.Equal(t, 45*time.Second, cfg.ForegroundInterval)
	require.Equal(t, 24*time.Hour, cfg.SnapshotInterval)
	require.False(t, cfg.MetricsEnable)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WF_SYNC_DATA_DIR", t.TempDir())
	t.Setenv("WF_SYNC_SCHEMA_VERSION", "3")
	t.Setenv("WF_SYNC_FOREGROUND_INTERVAL_SECS", "10")
	t.Setenv("WF_SYNC_METRICS_ENABLE", "true")
	t.Setenv("WF_SYNC_METRICS_ADDR", ":7000")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.SchemaVersion)
	require.Equal(t, 10*time.Second, cfg.ForegroundInterval)
	require.True(t, cfg.MetricsEnable)
	require.Equal(t, ":7000", cfg.MetricsAddr)
}

func TestLoad_RejectsNonIntegerSchemaVersion(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WF_SYNC_SCHEMA_VERSION", "not-a-number")

	_, err := config.Load()
	require.Error(t, err)
}
