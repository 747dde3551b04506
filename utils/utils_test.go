package utils

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, 400*time.Millisecond, 0)

	var last time.Duration
	for i := 0; i < 6; i++ {
		last = b.NextBackOff()
		require.NotEqual(t, backoff.Stop, last)
		assert.LessOrEqual(t, last, 440*time.Millisecond)
	}
	assert.GreaterOrEqual(t, last, 360*time.Millisecond)
}

func TestInitLogger(t *testing.T) {
	old := Logger
	t.Cleanup(func() { Logger = old })

	dir := t.TempDir()
	require.NoError(t, InitLogger("warn", dir))
	Logger.Warnw("disk nearly full", "free_mb", 12)
	Logger.Infow("filtered out")
	Error(assert.AnError, "write failed", "table", "market_ticks")
	Sync()

	app, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(app), "disk nearly full")
	assert.NotContains(t, string(app), "filtered out")

	errLog, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errLog), "market_ticks")

	assert.Error(t, InitLogger("loud", dir))
}

func TestRequestLogger(t *testing.T) {
	var seen string
	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}
