package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"integrate_clickhouse/metrics"
	"integrate_clickhouse/models"
	"integrate_clickhouse/monitoring"
	"integrate_clickhouse/parser"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TickWriter stores batches. *db.ClickHouseDB implements it.
type TickWriter interface {
	InsertTicks(ctx context.Context, ticks []models.MarketTick) error
	InsertOrderUpdates(ctx context.Context, updates []models.OrderUpdate) error
}

type Options struct {
	Writer        TickWriter
	Workers       int
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// FlushTimeout bounds the final flush after Run's context is cancelled.
	FlushTimeout time.Duration
	Logger       *zap.SugaredLogger
	Now          func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type job struct {
	tick  *models.MarketTick
	order *models.OrderUpdate
}

// Recorder turns touchline deltas into full ticks and writes them, together
// with order updates, in batches. Handle* methods are meant to be registered
// as session callbacks and never block: when the queue is full the event is
// dropped and counted.
type Recorder struct {
	opts Options
	log  *zap.SugaredLogger
	jobs chan job
	// dropped counts events rejected by a full queue, before any worker saw them.
	dropped atomic.Int64

	mu    sync.Mutex
	last  map[models.SymbolKey]models.MarketTick
	stats []models.RecorderStats
}

func New(opts Options) *Recorder {
	opts.applyDefaults()
	r := &Recorder{
		opts:  opts,
		log:   opts.Logger,
		jobs:  make(chan job, opts.BufferSize),
		last:  make(map[models.SymbolKey]models.MarketTick),
		stats: make([]models.RecorderStats, opts.Workers),
	}
	for i := range r.stats {
		r.stats[i].WorkerID = i + 1
	}
	return r
}

// HandleTouchline merges a touchline payload into the last known tick for its
// symbol and queues the result.
func (r *Recorder) HandleTouchline(p parser.Payload) {
	tl, err := parser.ParseTouchline(p)
	if err != nil {
		metrics.IncrementErrors()
		r.log.Warnw("Dropping touchline", "error", err)
		return
	}

	r.mu.Lock()
	tick := tl.Apply(r.last[tl.Key()])
	if tl.FeedTime.IsZero() {
		tick.Timestamp = r.opts.Now().UTC()
	}
	r.last[tl.Key()] = tick
	r.mu.Unlock()

	metrics.IncrementProcessed()
	r.enqueue(job{tick: &tick}, "symbol", tl.Key())
}

func (r *Recorder) HandleOrder(p parser.Payload) {
	o, err := parser.ParseOrderUpdate(p)
	if err != nil {
		metrics.IncrementErrors()
		r.log.Warnw("Dropping order update", "error", err)
		return
	}
	o.Timestamp = r.opts.Now().UTC()
	r.log.Infow("Order update",
		"order_id", o.OrderID,
		"status", o.Status,
		"side", o.Side,
		"filled_qty", o.FilledQty)
	r.enqueue(job{order: &o}, "order_id", o.OrderID)
}

func (r *Recorder) enqueue(j job, kv ...interface{}) {
	select {
	case r.jobs <- j:
	default:
		metrics.IncrementDropped()
		r.dropped.Add(1)
		r.log.Warnw("Recorder queue full, dropping event", kv...)
	}
}

// Last returns the merged tick for key.
func (r *Recorder) Last(key models.SymbolKey) (models.MarketTick, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.last[key]
	return t, ok
}

// Reset forgets merged state, for use after the feed reconnected.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.last = make(map[models.SymbolKey]models.MarketTick)
	r.mu.Unlock()
}

// Dropped is the number of events lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// QueueDepth is the number of events waiting for a worker.
func (r *Recorder) QueueDepth() int { return len(r.jobs) }

func (r *Recorder) Stats() []models.RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RecorderStats, len(r.stats))
	copy(out, r.stats)
	return out
}

// Run starts the workers and blocks until ctx is done. Pending batches and
// queued events are flushed before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Workers; i++ {
		id := i
		g.Go(func() error {
			r.worker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (r *Recorder) worker(ctx context.Context, id int) {
	ticks := make([]models.MarketTick, 0, r.opts.BatchSize)
	orders := make([]models.OrderUpdate, 0, r.opts.BatchSize)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(ticks) == 0 && len(orders) == 0 {
			return
		}
		r.flush(ctx, id, ticks, orders)
		ticks = ticks[:0]
		orders = orders[:0]
	}
	add := func(j job) {
		if j.tick != nil {
			ticks = append(ticks, *j.tick)
		}
		if j.order != nil {
			orders = append(orders, *j.order)
		}
		r.setBuffered(id, len(ticks)+len(orders))
		if len(ticks) >= r.opts.BatchSize || len(orders) >= r.opts.BatchSize {
			flush(ctx)
		}
	}

	for {
		select {
		case j := <-r.jobs:
			add(j)
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
			defer cancel()
			for {
				select {
				case j := <-r.jobs:
					if j.tick != nil {
						ticks = append(ticks, *j.tick)
					}
					if j.order != nil {
						orders = append(orders, *j.order)
					}
				default:
					flush(drainCtx)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(ctx context.Context, id int, ticks []models.MarketTick, orders []models.OrderUpdate) {
	start := time.Now()
	var failed bool
	if err := r.opts.Writer.InsertTicks(ctx, ticks); err != nil {
		failed = true
		r.flushError(id, err, "table", "market_ticks", "rows", len(ticks))
	}
	if err := r.opts.Writer.InsertOrderUpdates(ctx, orders); err != nil {
		failed = true
		r.flushError(id, err, "table", "order_updates", "rows", len(orders))
	}
	metrics.RecordFlushDuration(time.Since(start))

	r.mu.Lock()
	st := &r.stats[id]
	st.Buffered = 0
	if !failed {
		st.Flushed += int64(len(ticks) + len(orders))
		st.LastFlushedAt = r.opts.Now()
	}
	r.mu.Unlock()
	monitoring.BatchSize.Set(0)

	if !failed {
		r.log.Debugw("Batch flushed", "worker_id", id+1, "ticks", len(ticks), "orders", len(orders))
	}
}

func (r *Recorder) flushError(id int, err error, kv ...interface{}) {
	metrics.IncrementErrors()
	monitoring.RecordError("storage", err)
	r.mu.Lock()
	r.stats[id].Errors++
	r.mu.Unlock()
	r.log.Errorw("Error storing batch", append([]interface{}{"worker_id", id + 1, "error", err}, kv...)...)
}

func (r *Recorder) setBuffered(id, n int) {
	r.mu.Lock()
	r.stats[id].Buffered = n
	r.mu.Unlock()
	monitoring.BatchSize.Set(float64(n))
}
