package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Latency of the status, health and tick endpoints",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"path"})

	ErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_component_errors_total",
		Help: "Errors recorded against a component (stream, storage, ...)",
	}, []string{"type"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clickhouse_query_duration_seconds",
		Help:    "ClickHouse insert and lookup latency",
		Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
	}, []string{"query_type"})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_batch_rows",
		Help: "Rows waiting in recorder batches",
	})

	RecorderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_queue_depth",
		Help: "Events queued between the session callbacks and the recorder workers",
	})

	SubscribedSymbols = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_subscribed_symbols",
		Help: "Symbols in the session's subscription registry",
	}, []string{"kind"})

	heapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "process_heap_alloc_bytes",
		Help: "Bytes of allocated heap objects",
	})

	goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "process_goroutines",
		Help: "Number of goroutines",
	})
)

// Sampler refreshes gauges that are read rather than pushed.
type Sampler func()

// StartMetricsCollection runs the runtime sampler and every extra sampler
// once immediately and then on each interval until ctx is done.
func StartMetricsCollection(ctx context.Context, interval time.Duration, samplers ...Sampler) {
	all := append([]Sampler{sampleRuntime}, samplers...)
	sample := func() {
		for _, s := range all {
			s()
		}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}

func sampleRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapBytes.Set(float64(m.HeapAlloc))
	goroutines.Set(float64(runtime.NumGoroutine()))
}
