package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming session
	sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_session_state",
		Help: "Current streaming session state (0 idle, 1 connecting, 2 live, 3 closing)",
	})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_frames_received_total",
		Help: "Inbound feed frames by decoded kind",
	}, []string{"kind"})

	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_frames_sent_total",
		Help: "Outbound feed frames by type tag",
	}, []string{"type"})

	malformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_malformed_frames_total",
		Help: "Inbound frames dropped because they could not be decoded",
	})

	heartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_heartbeat_failures_total",
		Help: "Heartbeat frames that could not be written",
	})

	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_disconnects_total",
		Help: "Connections that ended, by reason",
	}, []string{"reason"})

	callbackPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_callback_panics_total",
		Help: "Consumer callbacks that panicked, by event kind",
	}, []string{"kind"})

	// Recorder
	processedTicksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "processed_ticks_total",
		Help: "The total number of merged market ticks",
	})

	errorCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "error_count_total",
		Help: "Total number of errors encountered",
	})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_dropped_events_total",
		Help: "Events dropped because the recorder queue was full",
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_flush_seconds",
		Help:    "Time spent writing one batch to storage",
		Buckets: prometheus.LinearBuckets(0.005, 0.025, 10),
	})

	// Internal counters
	processedTicks uint64
	errorCount     uint64
	lastMu         sync.Mutex
	lastProcessed  time.Time
	startTime      = time.Now()
)

func SetSessionState(state int) {
	sessionState.Set(float64(state))
}

func IncrementFramesReceived(kind string) {
	framesReceived.WithLabelValues(kind).Inc()
}

func IncrementFramesSent(tag string) {
	framesSent.WithLabelValues(tag).Inc()
}

func IncrementMalformed() {
	malformedFrames.Inc()
}

func IncrementHeartbeatFailures() {
	heartbeatFailures.Inc()
}

func IncrementDisconnects(reason string) {
	disconnects.WithLabelValues(reason).Inc()
}

func IncrementCallbackPanics(kind string) {
	callbackPanics.WithLabelValues(kind).Inc()
}

func IncrementProcessed() {
	atomic.AddUint64(&processedTicks, 1)
	processedTicksMetric.Inc()
	lastMu.Lock()
	lastProcessed = time.Now()
	lastMu.Unlock()
}

func IncrementErrors() {
	atomic.AddUint64(&errorCount, 1)
	errorCountMetric.Inc()
}

func IncrementDropped() {
	droppedEvents.Inc()
}

func RecordFlushDuration(duration time.Duration) {
	flushDuration.Observe(duration.Seconds())
}

// GetStats returns processed ticks, errors, the last processed time and uptime.
func GetStats() (uint64, uint64, time.Time, time.Duration) {
	lastMu.Lock()
	last := lastProcessed
	lastMu.Unlock()
	return atomic.LoadUint64(&processedTicks),
		atomic.LoadUint64(&errorCount),
		last,
		time.Since(startTime)
}
