package utils

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"integrate_clickhouse/monitoring"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process logger. It discards everything until InitLogger runs.
var Logger = zap.NewNop().Sugar()

type ctxKey struct{}

// InitLogger writes JSON logs to stdout and to two rotated files under dir:
// error.log gets Error and above, app.log everything below.
func InitLogger(level, dir string) error {
	threshold, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	enc := zapcore.NewJSONEncoder(encoderConfig())
	errorsOnly := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= threshold && l >= zapcore.ErrorLevel
	})
	belowErrors := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= threshold && l < zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(enc, rotated(dir, "error.log", 3), errorsOnly),
		zapcore.NewCore(enc, rotated(dir, "app.log", 5), belowErrors),
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), threshold),
	)
	Logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
	return nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// rotated keeps a week of 100MB files.
func rotated(dir, name string, backups int) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: backups,
		Compress:   true,
		LocalTime:  true,
	})
}

func Sync() {
	_ = Logger.Sync()
}

// RequestLogger tags each request with an id (echoed as X-Request-ID), logs
// it and records its latency per path.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

		elapsed := time.Since(start)
		monitoring.RequestDuration.WithLabelValues(r.URL.Path).Observe(elapsed.Seconds())

		log := Logger.Debugw
		if rw.status >= http.StatusInternalServerError {
			log = Logger.Warnw
		}
		log("HTTP request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", rw.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

// RequestID returns the id assigned by RequestLogger, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Error logs err at error level together with its %+v form.
func Error(err error, msg string, fields ...interface{}) {
	kv := make([]interface{}, 0, len(fields)+4)
	kv = append(kv, "error", err, "detail", fmt.Sprintf("%+v", err))
	Logger.Errorw(msg, append(kv, fields...)...)
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
