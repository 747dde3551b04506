package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"integrate_clickhouse/integrate"
	"integrate_clickhouse/models"
	"integrate_clickhouse/ws"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = integrate.NewCredentials("U1", "ACC1", "api-key", "ws-key")

type feedServer struct {
	srv    *httptest.Server
	frames chan map[string]any
	conns  atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	f := &feedServer{frames: make(chan map[string]any, 64)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.conns.Add(1)
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.frames <- frame
			if frame["t"] == "c" {
				f.mu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"ck","s":"OK"}`))
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feedServer) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *feedServer) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *feedServer) expect(t *testing.T, tag string) map[string]any {
	t.Helper()
	select {
	case frame := <-f.frames:
		require.Equal(t, tag, frame["t"], "frame %v", frame)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q frame", tag)
		return nil
	}
}

func newRunner(t *testing.T, f *feedServer, reconnect bool) (*Runner, *ws.Session) {
	t.Helper()
	s := ws.NewSession(ws.Options{URL: f.url(), DecisionInterval: 10 * time.Millisecond})
	r := NewRunner(Options{
		Session:     s,
		Credentials: creds,
		Subscriptions: models.Subscription{
			Touchline:    []models.SymbolKey{"NSE|22", "NSE|1594"},
			Depth:        []models.SymbolKey{"NSE|22"},
			OrderUpdates: true,
		},
		Reconnect: reconnect,
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	})
	return r, s
}

func run(t *testing.T, r *Runner) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not return")
		return nil
	}
}

func expectSubscriptions(t *testing.T, f *feedServer) {
	t.Helper()
	f.expect(t, "c")
	assert.Equal(t, "NSE|22#NSE|1594", f.expect(t, "t")["k"])
	assert.Equal(t, "NSE|22", f.expect(t, "d")["k"])
	assert.Equal(t, "ACC1", f.expect(t, "o")["actid"])
}

func TestRunner_SubscribesAndStops(t *testing.T) {
	f := newFeedServer(t)
	r, s := newRunner(t, f, true)
	cancel, done := run(t, r)

	expectSubscriptions(t, f)
	assert.Eventually(t, func() bool { return s.Subscriptions().OrderUpdates }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, wait(t, done))
	assert.Equal(t, ws.Idle, s.State())
}

func TestRunner_ReconnectsAndResubscribes(t *testing.T) {
	f := newFeedServer(t)
	r, s := newRunner(t, f, true)
	var lives atomic.Int32
	r.opts.OnLive = func() { lives.Add(1) }
	_, _ = run(t, r)

	expectSubscriptions(t, f)
	f.drop()
	expectSubscriptions(t, f)

	assert.Equal(t, int32(2), f.conns.Load())
	assert.Eventually(t, func() bool { return lives.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.State() == ws.Live }, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_NoReconnect(t *testing.T) {
	f := newFeedServer(t)
	r, _ := newRunner(t, f, false)
	_, done := run(t, r)

	expectSubscriptions(t, f)
	f.drop()
	assert.ErrorIs(t, wait(t, done), ws.ErrConnectionLost)
}

func TestRunner_ExternalDisconnectEndsRun(t *testing.T) {
	f := newFeedServer(t)
	r, s := newRunner(t, f, true)
	_, done := run(t, r)

	expectSubscriptions(t, f)
	s.Disconnect()
	assert.NoError(t, wait(t, done))
}

func TestRunner_InvalidCredentialsArePermanent(t *testing.T) {
	f := newFeedServer(t)
	r, _ := newRunner(t, f, true)
	r.opts.Credentials = integrate.NewCredentials("U1", "ACC1", "api", "")
	_, done := run(t, r)

	assert.ErrorIs(t, wait(t, done), integrate.ErrMissingSessionKey)
	assert.Zero(t, f.conns.Load())
}
