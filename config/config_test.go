package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"integrate_clickhouse/models"
	"integrate_clickhouse/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("INTEGRATE_API_TOKEN", "tok")
	t.Setenv("INTEGRATE_API_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, 5*time.Second, cfg.Stream.DecisionInterval)
	assert.Equal(t, 50*time.Second, cfg.Stream.HeartbeatThreshold)
	assert.Equal(t, 300*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Stream.HandshakeTimeout)
	assert.Equal(t, ws.DefaultSource, cfg.Stream.Source)
	assert.Equal(t, ws.DefaultURL, cfg.Stream.URL)
	assert.True(t, cfg.Stream.Reconnect)
	assert.Equal(t, 9000, cfg.ClickHouse.Port)
	assert.False(t, cfg.ClickHouse.Debug)
	assert.Equal(t, ":8080", cfg.Metrics.Addr)

	_, ok := cfg.Integrate.Credentials()
	assert.False(t, ok)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "INTEGRATE_UID=U1\nINTEGRATE_ACTID=ACC1\nINTEGRATE_WS_SESSION_KEY=ws-key\n" +
		"STREAM_TOUCHLINE=nse|22, NSE|1594\nSTREAM_DEPTH=NFO|43210\nSTREAM_MAX_IDLE=90\n" +
		"STREAM_DECISION_INTERVAL=750ms\nAPP_ENV=development\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"INTEGRATE_UID", "INTEGRATE_ACTID", "INTEGRATE_WS_SESSION_KEY",
			"STREAM_TOUCHLINE", "STREAM_DEPTH", "STREAM_MAX_IDLE", "STREAM_DECISION_INTERVAL", "APP_ENV"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []models.SymbolKey{"NSE|22", "NSE|1594"}, cfg.Stream.Touchline)
	assert.Equal(t, []models.SymbolKey{"NFO|43210"}, cfg.Stream.Depth)
	assert.Equal(t, 90*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Stream.DecisionInterval)
	assert.True(t, cfg.ClickHouse.Debug)

	creds, ok := cfg.Integrate.Credentials()
	require.True(t, ok)
	assert.Equal(t, "ws-key", creds.WSSessionKey)
	assert.NoError(t, creds.Validate())
}

func TestLoad_EnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("INTEGRATE_API_TOKEN", "tok")
	t.Setenv("INTEGRATE_API_SECRET", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.App.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		_, err := Load("")
		assert.ErrorContains(t, err, "INTEGRATE_API_TOKEN")
	})
	t.Run("bad symbol", func(t *testing.T) {
		t.Setenv("INTEGRATE_API_TOKEN", "tok")
		t.Setenv("INTEGRATE_API_SECRET", "secret")
		t.Setenv("STREAM_TOUCHLINE", "XYZ|1")
		_, err := Load("")
		assert.ErrorContains(t, err, "STREAM_TOUCHLINE")
	})
	t.Run("multiple problems", func(t *testing.T) {
		t.Setenv("INTEGRATE_WS_SESSION_KEY", "ws-key")
		t.Setenv("STREAM_URL", "https://example.com")
		t.Setenv("BATCH_SIZE", "0")
		_, err := Load("")
		require.Error(t, err)
		assert.ErrorContains(t, err, "INTEGRATE_UID")
		assert.ErrorContains(t, err, "STREAM_URL")
		assert.ErrorContains(t, err, "BATCH_SIZE")
	})
}
