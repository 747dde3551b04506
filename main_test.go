package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"integrate_clickhouse/models"
	"integrate_clickhouse/parser"
	"integrate_clickhouse/recorder"
	"integrate_clickhouse/ws"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSource struct {
	tick models.MarketTick
	err  error
}

func (s stubSource) LastTick(context.Context, models.SymbolKey) (models.MarketTick, error) {
	return s.tick, s.err
}

func get(t *testing.T, h http.HandlerFunc, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return rr, body
}

func TestLastTickHandler(t *testing.T) {
	rec := recorder.New(recorder.Options{Writer: logWriter{log: zap.NewNop().Sugar()}})
	rec.HandleTouchline(parser.Payload{"t": "tk", "e": "NSE", "tk": "22", "lp": "2150.45"})

	stored := models.MarketTick{Exchange: "NSE", Token: "1594", LastPrice: decimal.RequireFromString("1400.5")}
	key := func(k string) string { return "/ticks/last?key=" + url.QueryEscape(k) }

	t.Run("from recorder", func(t *testing.T) {
		rr, body := get(t, lastTickHandler(rec, nil), key("NSE|22"))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "2150.45", body["LastPrice"])
	})
	t.Run("from storage", func(t *testing.T) {
		rr, body := get(t, lastTickHandler(rec, stubSource{tick: stored}), key("NSE|1594"))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "1400.5", body["LastPrice"])
	})
	t.Run("not found", func(t *testing.T) {
		rr, body := get(t, lastTickHandler(rec, stubSource{err: errors.New("no rows")}), key("NSE|1594"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Contains(t, body["error"], "NSE|1594")
	})
	t.Run("bad key", func(t *testing.T) {
		rr, _ := get(t, lastTickHandler(rec, nil), key("22"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestStatusHandler(t *testing.T) {
	session := ws.NewSession(ws.Options{})
	rec := recorder.New(recorder.Options{Writer: logWriter{log: zap.NewNop().Sugar()}, Workers: 2})

	rr, body := get(t, statusHandler(session, rec), "/status")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	sess := body["session"].(map[string]any)
	assert.Equal(t, "idle", sess["state"])
	assert.Equal(t, false, sess["connected"])
	assert.Len(t, body["recorder"], 2)
	assert.Equal(t, float64(0), body["recorder_dropped"])
	assert.Contains(t, body, "uptime")
}

func TestLogWriter(t *testing.T) {
	w := logWriter{log: zap.NewNop().Sugar()}
	ctx := context.Background()
	assert.NoError(t, w.InsertTicks(ctx, []models.MarketTick{{Exchange: "NSE", Token: "22", Timestamp: time.Now()}}))
	assert.NoError(t, w.InsertOrderUpdates(ctx, []models.OrderUpdate{{OrderID: "1"}}))
}

func TestDepthLogger_BestPriceOnlyFromLevelOne(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := depthLogger(zap.New(core).Sugar())

	h(parser.Payload{"t": "df", "e": "NSE", "tk": "22", "bp1": "10.45", "bp2": "10.40", "sp2": "10.60"})
	h(parser.Payload{"t": "df", "e": "NSE", "tk": "22", "bp3": "10.35"})

	entries := logs.FilterMessage("Depth update").AllUntimed()
	require.Len(t, entries, 2)
	full := entries[0].ContextMap()
	assert.Equal(t, "10.45", full["best_bid"])
	assert.NotContains(t, full, "best_ask")

	delta := entries[1].ContextMap()
	assert.NotContains(t, delta, "best_bid")
	assert.Equal(t, int64(1), delta["bids"])
}
