package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/attendly/go-auth-client/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8080", cfg.APIBaseURL)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout)
	require.Equal(t, 30*time.Second, cfg.MonitorInterval)
	require.Equal(t, 0.9, cfg.RefreshFraction)
	require.Equal(t, 5*time.Minute, cfg.WarningLead)
	require.True(t, cfg.IsDev())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com")
	t.Setenv("MONITOR_INTERVAL", "15s")
	t.Setenv("ENV", "PROD")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	require.Equal(t, 15*time.Second, cfg.MonitorInterval)
	require.False(t, cfg.IsDev())
}

func TestLoad_RejectsBadRefreshFraction(t *testing.T) {
	t.Setenv("REFRESH_FRACTION", "1.5")

	_, err := config.Load()
	require.Error(t, err)
}
