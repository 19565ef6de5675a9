package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imrishuroy/screening-gateway/internal/relay"
)

type fakeMinter struct{ calls atomic.Int32 }

func (f *fakeMinter) Token(rel *relay.Relay, lifetime time.Duration) (string, error) {
	f.calls.Add(1)
	return "SharedAccessSignature sr=x&sig=y&se=1&skn=root", nil
}

// fakeGateway is a websocket server standing in for a provider gateway.
type fakeGateway struct {
	srv      *httptest.Server
	upgrades atomic.Int32
}

func newFakeGateway(t *testing.T, handle func(ws *websocket.Conn)) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sb-hc-action") != "connect" || r.URL.Query().Get("sb-hc-token") == "" {
			http.Error(w, "bad connect request", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.upgrades.Add(1)
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) relay(providerID string) *relay.Relay {
	return &relay.Relay{
		ID:                   1,
		ProviderID:           providerID,
		Namespace:            strings.TrimPrefix(g.srv.URL, "http://"),
		HybridConnectionName: "hc",
		KeyName:              "root",
	}
}

func newTestManager(openTimeout time.Duration) *Manager {
	return NewManager(&fakeMinter{}, Options{
		OpenTimeout: openTimeout,
		Scheme:      "ws",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// echoStatus answers every frame with {"status":"created"} until the peer leaves.
func echoStatus(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"status":"created"}`)); err != nil {
			return
		}
	}
}

func TestAcquire_ReusesHealthyConnection(t *testing.T) {
	gw := newFakeGateway(t, echoStatus)
	m := newTestManager(time.Second)
	defer m.Close()
	ctx := context.Background()

	c1, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c2, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected the cached connection to be reused")
	}
	if n := gw.upgrades.Load(); n != 1 {
		t.Fatalf("expected 1 upgrade, got %d", n)
	}
}

func TestAcquire_CoalescesConcurrentOpens(t *testing.T) {
	gw := newFakeGateway(t, echoStatus)
	minter := &fakeMinter{}
	m := NewManager(minter, Options{OpenTimeout: time.Second, Scheme: "ws", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer m.Close()

	const callers = 10
	var wg sync.WaitGroup
	conns := make([]*Connection, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conns[i], errs[i] = m.Acquire(context.Background(), gw.relay("p1"))
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if conns[i] != conns[0] {
			t.Fatalf("caller %d got a different connection", i)
		}
	}
	if n := gw.upgrades.Load(); n != 1 {
		t.Fatalf("expected one open for concurrent callers, got %d", n)
	}
	if n := minter.calls.Load(); n != 1 {
		t.Fatalf("expected one token mint, got %d", n)
	}
}

func TestAcquire_OpenTimeout(t *testing.T) {
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })

	m := newTestManager(100 * time.Millisecond)
	rel := &relay.Relay{ID: 9, ProviderID: "p1", Namespace: strings.TrimPrefix(srv.URL, "http://"), HybridConnectionName: "hc"}

	started := time.Now()
	_, err := m.Acquire(context.Background(), rel)
	if !errors.Is(err, ErrOpenTimeout) {
		t.Fatalf("expected ErrOpenTimeout, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("open deadline not enforced")
	}
	if _, cached := m.conns["p1"]; cached {
		t.Fatalf("failed open must not be cached")
	}
}

func TestSendReceive_RoundTrip(t *testing.T) {
	gw := newFakeGateway(t, echoStatus)
	m := newTestManager(time.Second)
	defer m.Close()
	ctx := context.Background()

	c, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release, err := c.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer release()

	if err := c.Send(ctx, []byte(`{"action_id":"a"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := c.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != `{"status":"created"}` {
		t.Fatalf("unexpected reply %s", got)
	}
	if !c.Healthy() {
		t.Fatalf("connection should stay healthy")
	}
}

func TestReceive_TimeoutMarksFaulty(t *testing.T) {
	gw := newFakeGateway(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	m := newTestManager(time.Second)
	defer m.Close()
	ctx := context.Background()

	c, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Send(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Receive(ctx, 50*time.Millisecond); !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("expected ErrReceiveTimeout, got %v", err)
	}
	if c.Healthy() {
		t.Fatalf("timed out connection must be faulty")
	}

	c2, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if c2 == c {
		t.Fatalf("faulty connection must not be reused")
	}
	if n := gw.upgrades.Load(); n != 2 {
		t.Fatalf("expected a reconnect, got %d upgrades", n)
	}
}

func TestReceive_CloseFrame(t *testing.T) {
	gw := newFakeGateway(t, func(ws *websocket.Conn) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
	m := newTestManager(time.Second)
	defer m.Close()
	ctx := context.Background()

	c, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Send(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Receive(ctx, time.Second); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if c.Healthy() {
		t.Fatalf("closed connection must be faulty")
	}
}

func TestReceive_Cancelled(t *testing.T) {
	gw := newFakeGateway(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	m := newTestManager(time.Second)
	defer m.Close()

	c, err := m.Acquire(context.Background(), gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	started := time.Now()
	_, err = c.Receive(ctx, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("cancellation did not interrupt the receive")
	}
}

func TestReleaseFaulty_ForcesReconnect(t *testing.T) {
	gw := newFakeGateway(t, echoStatus)
	m := newTestManager(time.Second)
	defer m.Close()
	ctx := context.Background()

	c1, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.ReleaseFaulty("p1")
	if c1.Healthy() {
		t.Fatalf("released connection must be faulty")
	}
	c2, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if c1 == c2 {
		t.Fatalf("expected a new connection")
	}
}

func TestEvict_IgnoresReplacedConnection(t *testing.T) {
	gw := newFakeGateway(t, echoStatus)
	m := newTestManager(time.Second)
	defer m.Close()
	ctx := context.Background()

	old, _ := m.Acquire(ctx, gw.relay("p1"))
	m.ReleaseFaulty("p1")
	fresh, err := m.Acquire(ctx, gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Evict(old)
	if m.conns["p1"] != fresh {
		t.Fatalf("evicting a stale connection must not drop its replacement")
	}
}

func TestReserve_Serializes(t *testing.T) {
	gw := newFakeGateway(t, echoStatus)
	m := newTestManager(time.Second)
	defer m.Close()

	c, err := m.Acquire(context.Background(), gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release, err := c.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Reserve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second reservation must wait, got %v", err)
	}

	release()
	release()
	release2, err := c.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
	release2()
}

func TestReserve_FaultyWhileWaiting(t *testing.T) {
	gw := newFakeGateway(t, echoStatus)
	m := newTestManager(time.Second)
	defer m.Close()

	c, err := m.Acquire(context.Background(), gw.relay("p1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release, err := c.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	waited := make(chan error, 1)
	go func() {
		_, err := c.Reserve(context.Background())
		waited <- err
	}()
	c.MarkFaulty()
	release()

	select {
	case err := <-waited:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Reserve(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("failed reservation must not hold the slot, got %v", err)
	}
}
