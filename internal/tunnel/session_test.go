package tunnel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/tunnelproto"
)

// relay is a stub control-channel endpoint. Accepted connections are handed to
// the test body so each test drives the wire protocol directly.
type relay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *relay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control connection")
		return nil
	}
}

func newTestSession(endpoint, host string, port int, ev Events) *Session {
	return New(config.ClientConfig{
		EndpointURL:  endpoint,
		LocalHost:    host,
		LocalPort:    port,
		PingInterval: -1, // keep relay-side reads deterministic
	}, discardLogger(), ev)
}

func readFrame(t *testing.T, conn *websocket.Conn) tunnelproto.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f tunnelproto.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	var f tunnelproto.Frame
	err := conn.ReadJSON(&f)
	if err == nil {
		t.Fatalf("expected no frame, got %+v", f)
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestSessionForwardsTunneledRequests(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	rel := newRelay(t)

	type observed struct {
		method string
		path   string
		status int
	}
	requestCh := make(chan observed, 4)
	s := newTestSession(rel.url(), host, port, Events{
		OnRequest: func(method, path string, status int, durationMs int64) {
			requestCh <- observed{method: method, path: path, status: status}
		},
	})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	conn := rel.accept(t)
	if err := conn.WriteJSON(tunnelproto.Frame{
		ID:     "req_1",
		Method: http.MethodGet,
		URL:    "https://edge.example.com/webhook",
	}); err != nil {
		t.Fatal(err)
	}

	resp := readFrame(t, conn)
	if resp.ID != "req_1" {
		t.Fatalf("expected response correlated to req_1, got %q", resp.ID)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if resp.Body == nil || *resp.Body != `{"ok":true}` {
		t.Fatalf("unexpected body: %v", resp.Body)
	}

	select {
	case got := <-requestCh:
		if got.method != http.MethodGet || got.path != "/webhook" || got.status != http.StatusOK {
			t.Fatalf("unexpected request notification: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request notification")
	}

	// A malformed frame is dropped without disturbing the channel.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(tunnelproto.Frame{
		ID:     "req_2",
		Method: http.MethodGet,
		URL:    "https://edge.example.com/webhook",
	}); err != nil {
		t.Fatal(err)
	}
	resp = readFrame(t, conn)
	if resp.ID != "req_2" || resp.Status != http.StatusOK {
		t.Fatalf("expected channel to survive malformed frame, got %+v", resp)
	}
	if !s.IsConnected() {
		t.Fatal("expected session to stay connected")
	}
}

func TestSessionAnswersPingWithSinglePong(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.NotFoundHandler())
	rel := newRelay(t)
	s := newTestSession(rel.url(), host, port, Events{})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	conn := rel.accept(t)
	if err := conn.WriteJSON(tunnelproto.Ping()); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Kind() != tunnelproto.KindPong {
		t.Fatalf("expected pong, got %+v", f)
	}
	expectNoFrame(t, conn, 200*time.Millisecond)
}

func TestSessionIgnoresPong(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.NotFoundHandler())
	rel := newRelay(t)
	s := newTestSession(rel.url(), host, port, Events{})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	conn := rel.accept(t)
	if err := conn.WriteJSON(tunnelproto.Pong()); err != nil {
		t.Fatal(err)
	}
	expectNoFrame(t, conn, 200*time.Millisecond)
	if !s.IsConnected() {
		t.Fatal("expected pong to leave the session connected")
	}
}

func TestSessionReconnectResetsCounter(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.NotFoundHandler())
	rel := newRelay(t)

	connectCh := make(chan struct{}, 8)
	s := newTestSession(rel.url(), host, port, Events{
		OnConnect: func() { connectCh <- struct{}{} },
	})
	s.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	var dials int32
	realDial := s.dial
	s.dial = func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		n := atomic.AddInt32(&dials, 1)
		if n >= 2 && n <= 4 {
			return nil, errors.New("connection refused")
		}
		return realDial(ctx, endpoint)
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	waitSignal(t, connectCh, "timed out waiting for first connect")

	// Drop the control channel; three attempts fail before the fourth succeeds.
	first := rel.accept(t)
	_ = first.Close()

	waitSignal(t, connectCh, "timed out waiting for reconnect")
	if got := s.ReconnectCount(); got != 0 {
		t.Fatalf("expected attempt counter reset after successful reconnect, got %d", got)
	}
	if got := atomic.LoadInt32(&dials); got != 5 {
		t.Fatalf("expected 5 dials (1 open + 4 attempts), got %d", got)
	}
	if !s.IsConnected() {
		t.Fatal("expected session connected after reconnect")
	}
}

func TestSessionReconnectBudgetExhausted(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.NotFoundHandler())
	rel := newRelay(t)

	disconnectCh := make(chan struct{}, 8)
	s := New(config.ClientConfig{
		EndpointURL:          rel.url(),
		LocalHost:            host,
		LocalPort:            port,
		PingInterval:         -1,
		MaxReconnectAttempts: 3,
	}, discardLogger(), Events{
		OnDisconnect: func() { disconnectCh <- struct{}{} },
	})
	s.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	var dials int32
	realDial := s.dial
	s.dial = func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		if atomic.AddInt32(&dials, 1) > 1 {
			return nil, errors.New("connection refused")
		}
		return realDial(ctx, endpoint)
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := rel.accept(t)
	_ = conn.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for supervisor to give up")
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("expected terminal idle state, got %v", got)
	}
	if got := s.ReconnectCount(); got != 3 {
		t.Fatalf("expected all 3 attempts consumed, got %d", got)
	}
	if got := atomic.LoadInt32(&dials); got != 4 {
		t.Fatalf("expected 4 dials (1 open + 3 attempts), got %d", got)
	}

	// One notification for the loss, one when the budget runs out.
	waitSignal(t, disconnectCh, "timed out waiting for loss notification")
	waitSignal(t, disconnectCh, "timed out waiting for give-up notification")
}

func TestSessionBackoffSchedule(t *testing.T) {
	t.Parallel()

	s := New(config.ClientConfig{
		EndpointURL: "ws://relay.example.com/t/abc",
		LocalPort:   3000,
	}, discardLogger(), Events{})

	for i := 0; i < 10; i++ {
		want := time.Second << i
		if got := s.backoff.Duration(); got != want {
			t.Fatalf("attempt %d: expected delay %v, got %v", i+1, want, got)
		}
	}

	s.backoff.Reset()
	if got := s.backoff.Duration(); got != time.Second {
		t.Fatalf("expected schedule to restart at 1s after reset, got %v", got)
	}
}

func TestSessionCloseDiscardsInFlightResponses(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	hits := make(chan struct{}, 4)
	served := make(chan struct{}, 4)
	host, port := localServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		<-block
		w.WriteHeader(http.StatusOK)
		served <- struct{}{}
	}))
	rel := newRelay(t)

	s := newTestSession(rel.url(), host, port, Events{})
	var dials int32
	realDial := s.dial
	s.dial = func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return realDial(ctx, endpoint)
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := rel.accept(t)

	for _, id := range []string{"req_1", "req_2"} {
		if err := conn.WriteJSON(tunnelproto.Frame{
			ID:     id,
			Method: http.MethodGet,
			URL:    "https://edge.example.com/slow",
		}); err != nil {
			t.Fatal(err)
		}
	}
	waitSignal(t, hits, "timed out waiting for first forward")
	waitSignal(t, hits, "timed out waiting for second forward")

	// Collect anything the relay still receives after Close.
	frames := make(chan tunnelproto.Frame, 4)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var f tunnelproto.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	}()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	close(block)

	// Both forwards run to completion against the local server.
	waitSignal(t, served, "timed out waiting for first forward to finish")
	waitSignal(t, served, "timed out waiting for second forward to finish")

	waitSignal(t, readDone, "timed out waiting for relay read loop")
	select {
	case f := <-frames:
		t.Fatalf("expected no response frames after close, got %+v", f)
	default:
	}

	if got := s.State(); got != StateIdle {
		t.Fatalf("expected idle after close, got %v", got)
	}
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("expected no reconnect after close, got %d dials", got)
	}
}

func TestSessionCloseDuringInitialDial(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.NotFoundHandler())
	rel := newRelay(t)

	connectCh := make(chan struct{}, 1)
	s := newTestSession(rel.url(), host, port, Events{
		OnConnect: func() { connectCh <- struct{}{} },
	})

	dialStarted := make(chan struct{})
	release := make(chan struct{})
	realDial := s.dial
	s.dial = func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		close(dialStarted)
		<-release
		return realDial(ctx, endpoint)
	}

	openDone := make(chan error, 1)
	go func() { openDone <- s.Open(context.Background()) }()
	waitSignal(t, dialStarted, "timed out waiting for dial to start")

	closeDone := make(chan error, 1)
	go func() { closeDone <- s.Close() }()
	deadline := time.Now().Add(2 * time.Second)
	for !s.isClosing() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for close to commit")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close hung after racing the initial dial")
	}
	if err := <-openDone; err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("expected idle after racing close, got %v", got)
	}
	if s.IsConnected() {
		t.Fatal("expected no attached connection")
	}
	select {
	case <-connectCh:
		t.Fatal("expected no connect notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionOpenTwice(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.NotFoundHandler())
	rel := newRelay(t)
	s := newTestSession(rel.url(), host, port, Events{})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	rel.accept(t)

	if err := s.Open(context.Background()); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("expected ErrSessionOpen, got %v", err)
	}
}

func TestSessionOpenFirstDialFailure(t *testing.T) {
	t.Parallel()

	host, port := localServer(t, http.NotFoundHandler())
	s := newTestSession("ws://relay.example.com/t/abc", host, port, Events{})
	s.dial = func(context.Context, string) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}

	if err := s.Open(context.Background()); err == nil {
		t.Fatal("expected first-attempt dial failure to surface")
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("expected idle after failed open, got %v", got)
	}

	// The session is reusable after a failed open.
	if err := s.Open(context.Background()); err == nil {
		t.Fatal("expected second open to fail the same way")
	}
}
