package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integrate_clickhouse/integrate"
	"integrate_clickhouse/models"
	"integrate_clickhouse/utils"
	"integrate_clickhouse/ws"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Options struct {
	Session       *ws.Session
	Credentials   integrate.Credentials
	Subscriptions models.Subscription
	// Reconnect retries with Backoff after the connection ends; otherwise Run
	// returns the close error.
	Reconnect bool
	Backoff   func() backoff.BackOff
	// OnLive is called after every successful connect, before subscribing.
	OnLive func()
	Logger *zap.SugaredLogger
	// TeardownTimeout bounds the wait for Idle when Run stops.
	TeardownTimeout time.Duration
}

// Runner drives a Session: connect, wait for Live, subscribe, and reconnect
// when the feed drops. It is the only place reconnection happens.
type Runner struct {
	opts Options
	log  *zap.SugaredLogger
}

func NewRunner(opts Options) *Runner {
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			return utils.NewExponentialBackoff(time.Second, 30*time.Second, 0)
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 5 * time.Second
	}
	return &Runner{opts: opts, log: opts.Logger}
}

// Run blocks until ctx is cancelled, the session is disconnected by someone
// else, or reconnecting gives up.
func (r *Runner) Run(ctx context.Context) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.opts.Reconnect {
		b = r.opts.Backoff()
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := r.runOnce(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	err := backoff.RetryNotify(operation, b, func(err error, d time.Duration) {
		r.log.Warnw("Feed connection ended, reconnecting",
			"attempt", attempt,
			"error", err,
			"retry_in", d)
	})
	r.teardown()

	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		return nil
	}
	return err
}

// runOnce handles one connection. It returns nil only when the session was
// disconnected deliberately.
func (r *Runner) runOnce(ctx context.Context, b backoff.BackOff) error {
	s := r.opts.Session
	if err := s.Connect(r.opts.Credentials); err != nil {
		if errors.Is(err, ws.ErrNotIdle) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := s.WaitLive(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	b.Reset()

	if r.opts.OnLive != nil {
		r.opts.OnLive()
	}
	if err := r.subscribe(s); err != nil {
		s.Disconnect()
		r.waitIdle()
		return fmt.Errorf("subscribe: %w", err)
	}
	r.log.Infow("Feed subscribed",
		"touchline", len(r.opts.Subscriptions.Touchline),
		"depth", len(r.opts.Subscriptions.Depth),
		"order_updates", r.opts.Subscriptions.OrderUpdates)

	return s.WaitIdle(ctx)
}

func (r *Runner) subscribe(s *ws.Session) error {
	subs := r.opts.Subscriptions
	if len(subs.Touchline) > 0 {
		if err := s.SubscribeTouchline(subs.Touchline); err != nil {
			return err
		}
	}
	if len(subs.Depth) > 0 {
		if err := s.SubscribeDepth(subs.Depth); err != nil {
			return err
		}
	}
	if subs.OrderUpdates {
		if err := s.SubscribeOrderUpdates(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) teardown() {
	r.opts.Session.Disconnect()
	r.waitIdle()
}

func (r *Runner) waitIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.TeardownTimeout)
	defer cancel()
	if err := r.opts.Session.WaitIdle(ctx); errors.Is(err, context.DeadlineExceeded) {
		r.log.Warnw("Session did not reach idle", "timeout", r.opts.TeardownTimeout)
	}
}
