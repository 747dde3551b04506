package ws

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"integrate_clickhouse/integrate"
	"integrate_clickhouse/metrics"
	"integrate_clickhouse/models"
	"integrate_clickhouse/parser"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultURL                = "wss://trade.definedgesecurities.com/NorenWSTRTP/"
	DefaultDecisionInterval   = 5 * time.Second
	DefaultHeartbeatThreshold = 50 * time.Second
	DefaultIdleTimeout        = 300 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultDialTimeout        = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
)

type State int

const (
	Idle State = iota
	Connecting
	Live
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	URL    string
	Source string
	// DecisionInterval is the polling tick of the heartbeat and idle watchdog loops.
	DecisionInterval   time.Duration
	HeartbeatThreshold time.Duration
	// IdleTimeout closes a live connection that received nothing for this long.
	// Zero selects the default, a negative value disables the watchdog.
	IdleTimeout time.Duration
	// HandshakeTimeout bounds the wait for the connect acknowledgement.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dialer           *websocket.Dialer
	Logger           *zap.SugaredLogger
	Now              func() time.Time
}

func (o *Options) applyDefaults() {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.Source == "" {
		o.Source = DefaultSource
	}
	if o.DecisionInterval <= 0 {
		o.DecisionInterval = DefaultDecisionInterval
	}
	if o.HeartbeatThreshold <= 0 {
		o.HeartbeatThreshold = DefaultHeartbeatThreshold
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	} else if o.IdleTimeout < 0 {
		o.IdleTimeout = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultDialTimeout,
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// connection is one physical socket lifetime.
type connection struct {
	id        string
	accountID string
	ctx       context.Context
	cancel    context.CancelFunc
	ws        *websocket.Conn
	live      chan struct{}
	done      chan struct{}

	// guarded by Session.mu
	stopping bool
	err      error
}

type event struct {
	from, to State
	closed   bool
	err      error
}

// Session keeps one logical feed connection across many physical sockets. It
// never reconnects on its own: after a close it returns to Idle and the owner
// decides what to do next.
//
// Connect and Disconnect must be called by a single goroutine at a time.
// Subscription calls and status queries are safe from any goroutine.
type Session struct {
	url          string
	source       string
	threshold    time.Duration
	handshake    time.Duration
	writeTimeout time.Duration
	dialer       *websocket.Dialer
	log          *zap.SugaredLogger
	now          func() time.Time
	dispatch     *dispatcher

	// writeMu serializes socket writes and is always acquired before mu.
	writeMu sync.Mutex
	// writeJSON is guarded by writeMu. Tests swap it to fail writes.
	writeJSON func(conn *websocket.Conn, v any) error
	notifyMu  sync.Mutex

	mu            sync.Mutex
	state         State
	cur           *connection
	last          *connection
	registry      *registry
	lastHeartbeat time.Time
	lastMessage   time.Time
	interval      time.Duration
	idleTimeout   time.Duration
	events        []event
	onClose       func(error)
	onState       func(from, to State)
}

func NewSession(opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		url:          opts.URL,
		source:       opts.Source,
		threshold:    opts.HeartbeatThreshold,
		handshake:    opts.HandshakeTimeout,
		writeTimeout: opts.WriteTimeout,
		dialer:       opts.Dialer,
		log:          opts.Logger,
		now:          opts.Now,
		dispatch:     &dispatcher{log: opts.Logger},
		writeJSON:    (*websocket.Conn).WriteJSON,
		registry:     newRegistry(),
		interval:     opts.DecisionInterval,
		idleTimeout:  opts.IdleTimeout,
	}
}

func (s *Session) OnTouchline(h Handler) { s.dispatch.set(parser.KindTouchline, h) }
func (s *Session) OnDepth(h Handler)     { s.dispatch.set(parser.KindDepth, h) }
func (s *Session) OnOrder(h Handler)     { s.dispatch.set(parser.KindOrder, h) }

// OnClose registers a handler called once per physical connection after it
// reached Idle. err is nil when the owner called Disconnect, otherwise a
// *StreamError.
func (s *Session) OnClose(h func(err error)) {
	s.mu.Lock()
	s.onClose = h
	s.mu.Unlock()
}

// OnStateChange registers a handler for every transition, delivered in order.
// Handlers run on session goroutines and must not block on WaitIdle.
func (s *Session) OnStateChange(h func(from, to State)) {
	s.mu.Lock()
	s.onState = h
	s.mu.Unlock()
}

// SetDecisionInterval changes the polling tick; it applies from the next tick.
func (s *Session) SetDecisionInterval(d time.Duration) {
	if d <= 0 {
		s.log.Warnw("Ignoring non-positive decision interval", "interval", d)
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// SetIdleTimeout changes the watchdog limit. Zero disables the watchdog.
func (s *Session) SetIdleTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.idleTimeout = d
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Subscriptions() models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.snapshot()
}

func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.SessionStatus{
		State:                 s.state.String(),
		Connected:             s.state == Live,
		LastHeartbeatSentAt:   s.lastHeartbeat,
		LastMessageReceivedAt: s.lastMessage,
		Subscriptions:         s.registry.snapshot(),
	}
	if s.cur != nil {
		st.ConnectionID = s.cur.id
	}
	return st
}

// Connect starts a new connection from Idle and returns once it is Connecting.
// Use WaitLive to block until the feed acknowledged the handshake.
func (s *Session) Connect(creds integrate.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:        uuid.NewString(),
		accountID: creds.AccountID,
		ctx:       ctx,
		cancel:    cancel,
		live:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.cur = c
	s.last = c
	s.registry.reset()
	s.lastHeartbeat = time.Time{}
	s.lastMessage = time.Time{}
	s.setState(Connecting)
	s.mu.Unlock()
	s.flush()

	s.log.Infow("Connecting to feed", "connection_id", c.id, "url", s.url)
	go s.run(c, creds)
	return nil
}

// Disconnect closes the current connection. It returns without waiting for
// teardown and is a no-op when Idle or already closing.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.stop(c, nil)
}

// WaitLive blocks until the current connection is Live. It returns the close
// error, or ErrNotLive, when the connection ended first.
func (s *Session) WaitLive(ctx context.Context) error {
	s.mu.Lock()
	c := s.last
	s.mu.Unlock()
	if c == nil {
		return ErrNotLive
	}
	select {
	case <-c.live:
		select {
		case <-c.done:
			return closeErr(c)
		default:
			return nil
		}
	case <-c.done:
		return closeErr(c)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until the most recent connection reached Idle and returns
// the reason it closed, nil for a requested disconnect.
func (s *Session) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	c := s.last
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeErr(c *connection) error {
	if c.err != nil {
		return c.err
	}
	return ErrNotLive
}

func (s *Session) SubscribeTouchline(keys []models.SymbolKey) error {
	return s.sendKeys(tagSubscribeTouchline, keys, (*registry).addTouchline)
}

func (s *Session) UnsubscribeTouchline(keys []models.SymbolKey) error {
	return s.sendKeys(tagUnsubscribeTouchline, keys, (*registry).removeTouchline)
}

func (s *Session) SubscribeDepth(keys []models.SymbolKey) error {
	return s.sendKeys(tagSubscribeDepth, keys, (*registry).addDepth)
}

func (s *Session) UnsubscribeDepth(keys []models.SymbolKey) error {
	return s.sendKeys(tagUnsubscribeDepth, keys, (*registry).removeDepth)
}

// SubscribeOrderUpdates sends nothing when order updates are already enabled.
func (s *Session) SubscribeOrderUpdates() error {
	return s.send(tagSubscribeOrders,
		func(c *connection) any { return orderFrame{T: tagSubscribeOrders, ActID: c.accountID} },
		func(r *registry) bool { return !r.orders },
		func(r *registry) { r.orders = true })
}

// UnsubscribeOrderUpdates sends nothing when order updates are not enabled.
func (s *Session) UnsubscribeOrderUpdates() error {
	return s.send(tagUnsubscribeOrders,
		func(*connection) any { return orderFrame{T: tagUnsubscribeOrders} },
		func(r *registry) bool { return r.orders },
		func(r *registry) { r.orders = false })
}

func (s *Session) sendKeys(tag string, keys []models.SymbolKey, apply func(*registry, []models.SymbolKey)) error {
	if len(keys) == 0 {
		return ErrNoSymbols
	}
	frame := keyFrame{T: tag, K: models.JoinSymbolKeys(keys)}
	return s.send(tag, func(*connection) any { return frame }, nil,
		func(r *registry) { apply(r, keys) })
}

// send writes the built frame on the live connection and then applies update
// to the registry. needed, when set, is checked first and can skip the write.
func (s *Session) send(tag string, build func(*connection) any, needed func(*registry) bool, update func(*registry)) error {
	s.writeMu.Lock()
	s.mu.Lock()
	c := s.cur
	if s.state != Live || c == nil {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return ErrNotLive
	}
	if needed != nil && !needed(s.registry) {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.writeLocked(c, tag, build(c))
	if err == nil {
		s.mu.Lock()
		if s.cur == c && s.state == Live {
			update(s.registry)
		}
		s.mu.Unlock()
	}
	s.writeMu.Unlock()

	if err != nil {
		serr := &StreamError{Kind: TransportWriteFailure, Err: err}
		s.stop(c, serr)
		return serr
	}
	return nil
}

// writeLocked must be called with writeMu held.
func (s *Session) writeLocked(c *connection, tag string, frame any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	if err := s.writeJSON(c.ws, frame); err != nil {
		return err
	}
	metrics.IncrementFramesSent(tag)
	return nil
}

// run owns one connection from dial to Idle.
func (s *Session) run(c *connection, creds integrate.Credentials) {
	conn, _, err := s.dialer.DialContext(c.ctx, s.url, nil)
	if err != nil {
		s.stop(c, &StreamError{Kind: DialFailure, Err: err})
		s.finish(c)
		return
	}

	s.mu.Lock()
	c.ws = conn
	s.mu.Unlock()

	s.writeMu.Lock()
	err = s.writeLocked(c, tagConnect, connectFrame{
		T:          tagConnect,
		UID:        creds.UserID,
		ActID:      creds.AccountID,
		Source:     s.source,
		SUserToken: creds.WSSessionKey,
	})
	s.writeMu.Unlock()
	if err != nil {
		s.stop(c, &StreamError{Kind: TransportWriteFailure, Err: err})
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		s.readLoop(c)
	}()
	go func() {
		defer wg.Done()
		s.tickLoop(c, s.heartbeat)
	}()
	go func() {
		defer wg.Done()
		s.tickLoop(c, s.watchdog)
	}()
	go func() {
		defer wg.Done()
		s.handshakeGuard(c)
	}()

	<-c.ctx.Done()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	wg.Wait()
	s.finish(c)
}

func (s *Session) readLoop(c *connection) {
	for {
		_, data, err := c.ws.ReadMessage()
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.stop(c, &StreamError{Kind: ConnectionLost, Err: err})
			return
		}

		s.mu.Lock()
		s.lastMessage = s.now()
		s.mu.Unlock()

		msg, err := parser.Decode(data)
		if err != nil {
			metrics.IncrementMalformed()
			s.log.Warnw("Dropping malformed frame", "connection_id", c.id, "error", err)
			continue
		}
		if msg.Kind == parser.KindAcknowledge {
			if status := msg.Payload.String("s"); msg.Payload.Has("s") && status != parser.StatusOK {
				s.stop(c, &StreamError{
					Kind: ConnectRejected,
					Err:  fmt.Errorf("status %q: %s", status, msg.Payload.String("emsg")),
				})
				return
			}
			s.markLive(c)
		}
		s.dispatch.dispatch(msg)
	}
}

func (s *Session) markLive(c *connection) {
	s.mu.Lock()
	if s.cur != c || c.stopping || s.state != Connecting {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.lastHeartbeat = now
	s.lastMessage = now
	s.setState(Live)
	close(c.live)
	s.mu.Unlock()
	s.flush()
	s.log.Infow("Feed connection live", "connection_id", c.id)
}

func (s *Session) handshakeGuard(c *connection) {
	timer := time.NewTimer(s.handshake)
	defer timer.Stop()
	select {
	case <-c.live:
	case <-c.ctx.Done():
	case <-timer.C:
		s.stop(c, &StreamError{
			Kind: HandshakeTimeout,
			Err:  fmt.Errorf("no connect acknowledgement within %s", s.handshake),
		})
	}
}

// tickLoop calls fn every decision interval until the connection stops. The
// interval is re-read on every tick.
func (s *Session) tickLoop(c *connection, fn func(*connection)) {
	for {
		s.mu.Lock()
		d := s.interval
		s.mu.Unlock()

		timer := time.NewTimer(d)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fn(c)
		}
	}
}

// heartbeat sends {t:"h"} once the threshold passed since the last one.
// A failed write is not fatal; the watchdog decides when the link is dead.
func (s *Session) heartbeat(c *connection) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	due := s.cur == c && s.state == Live && s.now().Sub(s.lastHeartbeat) > s.threshold
	s.mu.Unlock()
	if !due {
		return
	}

	if err := s.writeLocked(c, tagHeartbeat, heartbeatFrame{T: tagHeartbeat}); err != nil {
		metrics.IncrementHeartbeatFailures()
		s.log.Warnw("Failed to send heartbeat", "connection_id", c.id, "error", err)
		return
	}
	s.mu.Lock()
	s.lastHeartbeat = s.now()
	s.mu.Unlock()
}

// watchdog closes a live connection once nothing was received for the idle
// timeout. Outbound heartbeats do not count.
func (s *Session) watchdog(c *connection) {
	s.mu.Lock()
	limit := s.idleTimeout
	silent := s.now().Sub(s.lastMessage)
	expired := s.cur == c && s.state == Live && limit > 0 && silent > limit
	s.mu.Unlock()
	if !expired {
		return
	}
	s.stop(c, &StreamError{Kind: IdleTimeout, Err: fmt.Errorf("no frames for %s", silent.Round(time.Millisecond))})
}

// stop moves c to Closing and cancels its goroutines. Only the first call for
// a connection has an effect, so the first reason wins.
func (s *Session) stop(c *connection, err error) {
	s.mu.Lock()
	if c.stopping {
		s.mu.Unlock()
		return
	}
	c.stopping = true
	c.err = err
	s.registry.reset()
	s.setState(Closing)
	s.mu.Unlock()

	c.cancel()
	if err != nil {
		s.log.Warnw("Feed connection closing", "connection_id", c.id, "reason", reason(err), "error", err)
	} else {
		s.log.Infow("Feed connection closing", "connection_id", c.id, "reason", reason(err))
	}
	s.flush()
}

func (s *Session) finish(c *connection) {
	s.mu.Lock()
	s.cur = nil
	s.registry.reset()
	s.lastHeartbeat = time.Time{}
	s.lastMessage = time.Time{}
	s.setState(Idle)
	s.events = append(s.events, event{closed: true, err: c.err})
	s.mu.Unlock()

	close(c.done)
	metrics.IncrementDisconnects(reason(c.err))
	s.flush()
}

// setState must be called with mu held.
func (s *Session) setState(to State) {
	from := s.state
	s.state = to
	metrics.SetSessionState(int(to))
	s.events = append(s.events, event{from: from, to: to})
}

// flush delivers queued events in order. A handler that calls back into the
// Session queues further events, which the outer flush picks up.
func (s *Session) flush() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.events) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.events[0]
			s.events = s.events[1:]
			onState, onClose := s.onState, s.onClose
			s.mu.Unlock()

			if ev.closed {
				if onClose != nil {
					s.safeCall("close", func() { onClose(ev.err) })
				}
			} else if onState != nil {
				s.safeCall("state", func() { onState(ev.from, ev.to) })
			}
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		empty := len(s.events) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Session) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrementCallbackPanics(name)
			s.log.Errorw("Callback panic recovered", "kind", name, "error", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
