package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckHandler(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	RegisterHealthCheck("stream", func() bool { return true })
	RegisterHealthCheck("clickhouse", func() bool { return true })

	rec := httptest.NewRecorder()
	HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, map[string]string{"stream": "healthy", "clickhouse": "healthy"}, status.ComponentStatus)
	assert.Empty(t, status.LastError)
}

func TestHealthCheckHandler_Degraded(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	RegisterHealthCheck("stream", func() bool { return false })
	RecordError("stream", errors.New("connection lost"))

	rec := httptest.NewRecorder()
	HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unhealthy", status.ComponentStatus["stream"])
	assert.Equal(t, "stream: connection lost", status.LastError)
}

func resetForTest() {
	mu.Lock()
	defer mu.Unlock()
	lastError = ""
	healthChecks = make(map[string]func() bool)
}
