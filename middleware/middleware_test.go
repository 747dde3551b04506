package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWithCircuitBreaker_Trips(t *testing.T) {
	settings := DefaultBreakerSettings()
	settings.Timeout = time.Hour
	cb := NewCircuitBreaker("test", settings, nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := WithCircuitBreaker(context.Background(), cb, "insert", func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	err := WithCircuitBreaker(context.Background(), cb, "insert", func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
}

func TestWithCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultBreakerSettings(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithCircuitBreaker(ctx, cb, "insert", func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop().Sugar(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	task := RecoverMiddleware(zap.NewNop().Sugar(), "feed", func() error { panic("task bug") })
	err := task()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed: panic: task bug")

	ok := RecoverMiddleware(zap.NewNop().Sugar(), "feed", func() error { return nil })
	assert.NoError(t, ok())
}
