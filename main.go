package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"integrate_clickhouse/config"
	"integrate_clickhouse/db"
	"integrate_clickhouse/feed"
	"integrate_clickhouse/integrate"
	"integrate_clickhouse/metrics"
	"integrate_clickhouse/middleware"
	"integrate_clickhouse/models"
	"integrate_clickhouse/monitoring"
	"integrate_clickhouse/parser"
	"integrate_clickhouse/recorder"
	"integrate_clickhouse/utils"
	"integrate_clickhouse/ws"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	envFile := pflag.String("env-file", ".env", "optional dotenv file")
	otp := pflag.String("otp", "", "one-time password for login (prompted when empty)")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := utils.InitLogger(cfg.App.LogLevel, cfg.App.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *otp); err != nil {
		utils.Error(err, "Exiting")
		utils.Sync()
		os.Exit(1)
	}
	utils.Logger.Infow("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, otp string) error {
	logger := utils.Logger

	creds, err := login(ctx, cfg.Integrate, otp, logger)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var (
		store  *db.ClickHouseDB
		writer recorder.TickWriter = logWriter{log: logger}
	)
	if cfg.ClickHouse.Enabled {
		operation := func() error {
			var err error
			store, err = db.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
			return err
		}
		retry := backoff.WithContext(utils.NewExponentialBackoff(time.Second, 10*time.Second, time.Minute), ctx)
		err := backoff.RetryNotify(operation, retry, func(err error, d time.Duration) {
			logger.Warnw("ClickHouse not ready, retrying", "error", err, "retry_in", d)
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer store.Close()
		writer = store

		monitoring.RegisterHealthCheck("clickhouse", func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pingCtx) == nil
		})
	}

	rec := recorder.New(recorder.Options{
		Writer:        writer,
		Workers:       cfg.App.NumWorkers,
		BufferSize:    cfg.App.BufferSize,
		BatchSize:     cfg.App.BatchSize,
		FlushInterval: cfg.App.FlushInterval,
		FlushTimeout:  cfg.App.ShutdownTimeout,
		Logger:        logger.With("component", "recorder"),
	})

	idle := cfg.Stream.IdleTimeout
	if idle == 0 {
		idle = -1
	}
	session := ws.NewSession(ws.Options{
		URL:                cfg.Stream.URL,
		Source:             cfg.Stream.Source,
		DecisionInterval:   cfg.Stream.DecisionInterval,
		HeartbeatThreshold: cfg.Stream.HeartbeatThreshold,
		IdleTimeout:        idle,
		HandshakeTimeout:   cfg.Stream.HandshakeTimeout,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Stream.DialTimeout,
		},
		Logger: logger.With("component", "ws"),
	})
	session.OnTouchline(rec.HandleTouchline)
	session.OnOrder(rec.HandleOrder)
	session.OnDepth(depthLogger(logger))
	session.OnClose(func(err error) {
		if err != nil {
			monitoring.RecordError("stream", err)
		}
	})
	monitoring.RegisterHealthCheck("stream", func() bool { return session.State() == ws.Live })
	monitoring.StartMetricsCollection(ctx, 5*time.Second, func() {
		subs := session.Subscriptions()
		monitoring.SubscribedSymbols.WithLabelValues("touchline").Set(float64(len(subs.Touchline)))
		monitoring.SubscribedSymbols.WithLabelValues("depth").Set(float64(len(subs.Depth)))
		monitoring.RecorderQueueDepth.Set(float64(rec.QueueDepth()))
	})

	runner := feed.NewRunner(feed.Options{
		Session:     session,
		Credentials: creds,
		Subscriptions: models.Subscription{
			Touchline:    cfg.Stream.Touchline,
			Depth:        cfg.Stream.Depth,
			OrderUpdates: cfg.Stream.OrderUpdates,
		},
		Reconnect: cfg.Stream.Reconnect,
		Backoff: func() backoff.BackOff {
			return utils.NewExponentialBackoff(cfg.Stream.BackoffInitial, cfg.Stream.BackoffMax, cfg.Stream.BackoffMaxElapsed)
		},
		OnLive:          rec.Reset,
		Logger:          logger.With("component", "feed"),
		TeardownTimeout: cfg.App.ShutdownTimeout,
	})

	server := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           utils.RequestLogger(middleware.Recover(logger, newMux(session, rec, store))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(middleware.RecoverMiddleware(logger, "http", func() error {
		logger.Infow("HTTP server listening", "addr", cfg.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}))
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(middleware.RecoverMiddleware(logger, "recorder", func() error {
		return rec.Run(gctx)
	}))
	g.Go(middleware.RecoverMiddleware(logger, "feed", func() error {
		return runner.Run(gctx)
	}))
	return g.Wait()
}

// login reuses cached session keys when configured, otherwise runs the OTP flow.
func login(ctx context.Context, cfg config.IntegrateConfig, otp string, logger *zap.SugaredLogger) (integrate.Credentials, error) {
	if creds, ok := cfg.Credentials(); ok {
		logger.Infow("Using cached session keys", "uid", creds.UserID, "actid", creds.AccountID)
		return creds, nil
	}

	seq := integrate.NewSequencer(integrate.SequencerOptions{
		BaseURL: cfg.AuthURL,
		Logger:  logger.With("component", "integrate"),
	})
	if err := seq.BeginLogin(ctx, cfg.APIToken, cfg.APISecret); err != nil {
		return integrate.Credentials{}, err
	}
	if otp == "" {
		fmt.Fprint(os.Stderr, "Enter OTP: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return integrate.Credentials{}, fmt.Errorf("failed to read otp: %w", err)
		}
		otp = line
	}
	return seq.CompleteLogin(ctx, strings.TrimSpace(otp))
}

type statusResponse struct {
	Session        models.SessionStatus   `json:"session"`
	Recorder       []models.RecorderStats `json:"recorder"`
	Dropped        int64                  `json:"recorder_dropped"`
	ProcessedTicks uint64                 `json:"processed_ticks"`
	Errors         uint64                 `json:"errors"`
	LastProcessed  time.Time              `json:"last_processed"`
	Uptime         string                 `json:"uptime"`
}

// lastTickSource is satisfied by *db.ClickHouseDB.
type lastTickSource interface {
	LastTick(ctx context.Context, key models.SymbolKey) (models.MarketTick, error)
}

func newMux(session *ws.Session, rec *recorder.Recorder, store *db.ClickHouseDB) *http.ServeMux {
	var source lastTickSource
	if store != nil {
		source = store
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", monitoring.HealthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", statusHandler(session, rec))
	mux.HandleFunc("/ticks/last", lastTickHandler(rec, source))
	return mux
}

func statusHandler(session *ws.Session, rec *recorder.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processed, errCount, lastProc, uptime := metrics.GetStats()
		writeJSON(w, http.StatusOK, statusResponse{
			Session:        session.Status(),
			Recorder:       rec.Stats(),
			Dropped:        rec.Dropped(),
			ProcessedTicks: processed,
			Errors:         errCount,
			LastProcessed:  lastProc,
			Uptime:         uptime.Round(time.Second).String(),
		})
	}
}

// lastTickHandler serves the merged tick for ?key=EXCH|TOKEN, falling back to
// storage for symbols not seen since the last reconnect.
func lastTickHandler(rec *recorder.Recorder, source lastTickSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := models.ParseSymbolKey(r.URL.Query().Get("key"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if tick, ok := rec.Last(key); ok {
			writeJSON(w, http.StatusOK, tick)
			return
		}
		if source != nil {
			tick, err := source.LastTick(r.Context(), key)
			if err == nil {
				writeJSON(w, http.StatusOK, tick)
				return
			}
			utils.Logger.Debugw("Last tick lookup failed", "key", key, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tick for " + key.String()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Error(err, "Failed to encode response")
	}
}

func depthLogger(logger *zap.SugaredLogger) ws.Handler {
	return func(p parser.Payload) {
		d, err := parser.ParseDepth(p)
		if err != nil {
			logger.Warnw("Dropping depth update", "error", err)
			return
		}
		kv := []interface{}{"symbol", models.NewSymbolKey(d.Exchange, d.Token), "bids", len(d.Bids), "asks", len(d.Asks)}
		if len(d.Bids) > 0 && d.Bids[0].Level == 1 {
			kv = append(kv, "best_bid", d.Bids[0].Price.String())
		}
		if len(d.Asks) > 0 && d.Asks[0].Level == 1 {
			kv = append(kv, "best_ask", d.Asks[0].Price.String())
		}
		logger.Debugw("Depth update", kv...)
	}
}

// logWriter stands in for ClickHouse when storage is disabled.
type logWriter struct {
	log *zap.SugaredLogger
}

func (w logWriter) InsertTicks(_ context.Context, ticks []models.MarketTick) error {
	for _, t := range ticks {
		w.log.Infow("Tick",
			"symbol", t.Key(),
			"time", t.Timestamp.Format("15:04:05"),
			"ltp", t.LastPrice.String(),
			"open", t.OpenPrice.String(),
			"high", t.HighPrice.String(),
			"low", t.LowPrice.String(),
			"volume", t.Volume)
	}
	return nil
}

func (w logWriter) InsertOrderUpdates(_ context.Context, updates []models.OrderUpdate) error {
	for _, o := range updates {
		w.log.Infow("Order", "order_id", o.OrderID, "status", o.Status, "filled_qty", o.FilledQty)
	}
	return nil
}
