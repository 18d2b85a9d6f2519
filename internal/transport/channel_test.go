package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livepush/agent/internal/logbuf"
	"github.com/livepush/agent/internal/protocol"
)

type fakeServer struct {
	*httptest.Server
	frames chan protocol.Envelope
	conns  chan *websocket.Conn
	auth   chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	return newFakeServerWith(t, nil)
}

// newFakeServerWith calls setup on every upgraded connection before reading.
func newFakeServerWith(t *testing.T, setup func(*websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		frames: make(chan protocol.Envelope, 64),
		conns:  make(chan *websocket.Conn, 4),
		auth:   make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if setup != nil {
			setup(conn)
		}
		fs.conns <- conn
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			fs.frames <- env
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) nextFrame(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-fs.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Envelope{}
	}
}

func (fs *fakeServer) serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel to finish")
	}
}

func TestConnectSendsJoinThenReplaysLogs(t *testing.T) {
	fs := newFakeServer(t)
	buf := logbuf.New()
	for _, msg := range []string{"a", "b", "c"} {
		buf.Record(protocol.LogEvent{Level: "info", Message: msg})
	}

	connected := make(chan struct{}, 1)
	ch := New(fs.wsURL(), Handlers{
		Connected: func() { connected <- struct{}{} },
	}, Options{Buffer: buf})
	defer ch.Disconnect()

	version := "1.3"
	join := protocol.Join{Name: "deviceA", UUID: "u-1", OSName: "android", OSVersion: "14", Room: "r1", Version: &version}
	if err := ch.Connect(context.Background(), join); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := fs.nextFrame(t)
	if first.Type != protocol.MsgJoin {
		t.Fatalf("first frame = %s, want join", first.Type)
	}
	var got protocol.Join
	if err := first.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "deviceA" || got.Room != "r1" || got.Version == nil || *got.Version != "1.3" {
		t.Errorf("join = %+v", got)
	}

	for _, want := range []string{"a", "b", "c"} {
		env := fs.nextFrame(t)
		if env.Type != protocol.MsgLog {
			t.Fatalf("frame type = %s, want log", env.Type)
		}
		var ev protocol.LogEvent
		env.Decode(&ev)
		if ev.Message != want {
			t.Errorf("log = %q, want %q", ev.Message, want)
		}
	}

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("Connected not called")
	}
	if buf.State() != logbuf.PassThrough {
		t.Errorf("buffer state = %v, want pass_through", buf.State())
	}

	buf.Record(protocol.LogEvent{Message: "live"})
	env := fs.nextFrame(t)
	var ev protocol.LogEvent
	env.Decode(&ev)
	if env.Type != protocol.MsgLog || ev.Message != "live" {
		t.Errorf("live log frame = %+v", env)
	}
}

func TestConnectFailureDisablesBuffer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	buf := logbuf.New()
	buf.Record("pending")

	var failed error
	ch := New(url, Handlers{Failed: func(err error) { failed = err }}, Options{Buffer: buf})
	if err := ch.Connect(context.Background(), protocol.Join{}); err == nil {
		t.Fatal("Connect to closed server succeeded")
	}
	if failed == nil {
		t.Error("Failed handler not called")
	}
	if buf.State() != logbuf.Disabled {
		t.Errorf("buffer state = %v, want disabled", buf.State())
	}
	if buf.Len() != 0 {
		t.Error("buffer kept events after failure")
	}
	waitDone(t, ch.Done())
}

func TestHandshakeRejectedIsConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	buf := logbuf.New()
	failed := false
	ch := New("ws"+strings.TrimPrefix(srv.URL, "http"), Handlers{Failed: func(error) { failed = true }}, Options{Buffer: buf})
	if err := ch.Connect(context.Background(), protocol.Join{}); err == nil {
		t.Fatal("Connect succeeded against a rejecting server")
	}
	if !failed || buf.State() != logbuf.Disabled {
		t.Errorf("failed = %v, state = %v", failed, buf.State())
	}
}

func TestInboundMessagesDispatchedInOrder(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var got []protocol.MessageType
	received := make(chan struct{}, 8)
	ch := New(fs.wsURL(), Handlers{
		Message: func(env protocol.Envelope) {
			mu.Lock()
			got = append(got, env.Type)
			mu.Unlock()
			received <- struct{}{}
		},
	}, Options{})
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), protocol.Join{Room: "r1"}); err != nil {
		t.Fatal(err)
	}
	conn := fs.serverConn(t)
	fs.nextFrame(t) // join

	conn.WriteJSON(protocol.Envelope{Type: protocol.MsgBundle, Payload: json.RawMessage(`{"name":"Demo"}`)})
	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	conn.WriteJSON(protocol.Envelope{Type: "snapshot"})
	conn.WriteJSON(protocol.Envelope{Type: protocol.MsgClear})
	conn.WriteJSON(protocol.Envelope{Type: protocol.MsgScreenshot, Payload: json.RawMessage(`{"scale":0.5}`)})

	for range 3 {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []protocol.MessageType{protocol.MsgBundle, protocol.MsgClear, protocol.MsgScreenshot}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatched[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDisconnectIsReportedOnce(t *testing.T) {
	fs := newFakeServer(t)
	calls := make(chan error, 4)
	ch := New(fs.wsURL(), Handlers{Disconnected: func(err error) { calls <- err }}, Options{})
	if err := ch.Connect(context.Background(), protocol.Join{}); err != nil {
		t.Fatal(err)
	}
	fs.nextFrame(t)

	ch.Disconnect()
	ch.Disconnect()
	waitDone(t, ch.Done())

	if err := <-calls; err != nil {
		t.Errorf("Disconnected(err) = %v, want nil for a local disconnect", err)
	}
	if len(calls) != 0 {
		t.Error("Disconnected called more than once")
	}
	if ch.Connected() {
		t.Error("Connected() true after disconnect")
	}
	if err := ch.Send(protocol.MsgLog, "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect = %v", err)
	}
}

func TestServerDropReportsError(t *testing.T) {
	fs := newFakeServer(t)
	calls := make(chan error, 1)
	ch := New(fs.wsURL(), Handlers{Disconnected: func(err error) { calls <- err }}, Options{})
	if err := ch.Connect(context.Background(), protocol.Join{}); err != nil {
		t.Fatal(err)
	}
	fs.serverConn(t).Close()

	select {
	case err := <-calls:
		if err == nil {
			t.Error("remote drop reported as local disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnected not called")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	ch := New("ws://127.0.0.1:1/ws", Handlers{}, Options{})
	if err := ch.Send(protocol.MsgLog, "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestConnectSendsHeader(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(fs.wsURL(), Handlers{}, Options{Header: http.Header{"Authorization": {"Bearer tok"}}})
	defer ch.Disconnect()
	if err := ch.Connect(context.Background(), protocol.Join{}); err != nil {
		t.Fatal(err)
	}
	if got := <-fs.auth; got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(fs.wsURL(), Handlers{}, Options{})
	defer ch.Disconnect()
	if err := ch.Connect(context.Background(), protocol.Join{}); err != nil {
		t.Fatal(err)
	}
	if err := ch.Connect(context.Background(), protocol.Join{}); err == nil {
		t.Error("second Connect on the same channel succeeded")
	}
}

func TestMissedPongDisconnects(t *testing.T) {
	fs := newFakeServerWith(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error { return nil })
	})

	lost := make(chan error, 1)
	ch := New(fs.wsURL(), Handlers{
		Disconnected: func(err error) { lost <- err },
	}, Options{PingInterval: 10 * time.Millisecond, PongTimeout: 50 * time.Millisecond})
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), protocol.Join{Room: "r1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case err := <-lost:
		if err == nil {
			t.Error("Disconnected(nil), want a timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missed pongs were not reported")
	}
	if ch.Connected() {
		t.Error("channel still connected after pong timeout")
	}
}

func TestPongsKeepChannelOpen(t *testing.T) {
	fs := newFakeServer(t)

	lost := make(chan error, 1)
	ch := New(fs.wsURL(), Handlers{
		Disconnected: func(err error) { lost <- err },
	}, Options{PingInterval: 10 * time.Millisecond, PongTimeout: 50 * time.Millisecond})
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), protocol.Join{Room: "r1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case err := <-lost:
		t.Fatalf("disconnected while the server answered pings: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	if !ch.Connected() {
		t.Error("channel closed while the server answered pings")
	}
}

func TestSlowHandlerKeepsChannelOpen(t *testing.T) {
	fs := newFakeServer(t)

	lost := make(chan error, 1)
	got := make(chan string, 2)
	ch := New(fs.wsURL(), Handlers{
		Disconnected: func(err error) { lost <- err },
		Message: func(env protocol.Envelope) {
			var ev protocol.Eval
			env.Decode(&ev)
			if ev.Code == "slow" {
				time.Sleep(300 * time.Millisecond)
			}
			got <- ev.Code
		},
	}, Options{PingInterval: 10 * time.Millisecond, PongTimeout: 100 * time.Millisecond})
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), protocol.Join{Room: "r1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sc := fs.serverConn(t)
	for _, code := range []string{"slow", "next"} {
		env, err := protocol.NewEnvelope(protocol.MsgMessage, protocol.Eval{Code: code})
		if err != nil {
			t.Fatal(err)
		}
		if err := sc.WriteJSON(env); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"slow", "next"} {
		select {
		case code := <-got:
			if code != want {
				t.Fatalf("handled %q, want %q", code, want)
			}
		case err := <-lost:
			t.Fatalf("disconnected after a slow handler: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
