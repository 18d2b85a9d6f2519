package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livepush/agent/internal/bundle"
	"github.com/livepush/agent/internal/protocol"
)

func startHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(opts)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextEvent(t *testing.T, h *Hub) Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func joinRoom(t *testing.T, h *Hub, conn *websocket.Conn, room, uuid string) {
	t.Helper()
	env, _ := protocol.NewEnvelope(protocol.MsgJoin, protocol.Join{Name: "dev", UUID: uuid, OSName: "android", Room: room})
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
	if ev := nextEvent(t, h); ev.Type != protocol.MsgJoin || ev.Room != room {
		t.Fatalf("event = %+v, want join for %s", ev, room)
	}
}

func TestJoinAndPush(t *testing.T) {
	h, srv := startHub(t, Options{})
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	joinRoom(t, h, a, "r1", "ua")
	joinRoom(t, h, b, "r2", "ub")

	if got := h.Members("r1"); len(got) != 1 || got[0].UUID != "ua" {
		t.Fatalf("Members(r1) = %+v", got)
	}

	n, err := h.Push("r1", protocol.MsgBundle, protocol.BundleDescriptor{Name: "Demo"})
	if err != nil || n != 1 {
		t.Fatalf("Push = %d, %v", n, err)
	}

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := a.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	var d protocol.BundleDescriptor
	env.Decode(&d)
	if env.Type != protocol.MsgBundle || d.Name != "Demo" {
		t.Errorf("received %+v", env)
	}

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := b.ReadJSON(&env); err == nil {
		t.Error("agent in another room received the push")
	}
}

func TestLogEventsCarryRoom(t *testing.T) {
	h, srv := startHub(t, Options{})
	conn := dial(t, srv, nil)

	// Reports before join are ignored.
	env, _ := protocol.NewEnvelope(protocol.MsgLog, protocol.LogEvent{Message: "early"})
	conn.WriteJSON(env)
	joinRoom(t, h, conn, "r1", "u1")

	env, _ = protocol.NewEnvelope(protocol.MsgLog, protocol.LogEvent{Level: "info", Message: "hello"})
	conn.WriteJSON(env)
	ev := nextEvent(t, h)
	var le protocol.LogEvent
	json.Unmarshal(ev.Payload, &le)
	if ev.Type != protocol.MsgLog || ev.UUID != "u1" || le.Message != "hello" {
		t.Errorf("event = %+v (%+v)", ev, le)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	h, srv := startHub(t, Options{})
	conn := dial(t, srv, nil)
	joinRoom(t, h, conn, "r1", "u1")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.Members("r1")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("member still listed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTokenRequired(t *testing.T) {
	_, srv := startHub(t, Options{Token: "tok"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v", resp)
	}
	dial(t, srv, http.Header{"Authorization": {"Bearer tok"}})
}

func TestBundleEndpoint(t *testing.T) {
	h, srv := startHub(t, Options{})
	archive := []byte("PK-not-really")
	h.SetBundle("r1", archive)

	resp, err := http.Get(srv.URL + "/bundle/r1/u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != string(archive) {
		t.Errorf("status = %d body = %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(bundle.DigestHeader); got != bundle.Digest(archive) {
		t.Errorf("digest header = %q", got)
	}

	resp2, err := http.Get(srv.URL + "/bundle/none/u1")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown room status = %d", resp2.StatusCode)
	}
}

func TestPushEndpoint(t *testing.T) {
	h, srv := startHub(t, Options{})
	conn := dial(t, srv, nil)
	joinRoom(t, h, conn, "r1", "u1")

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"clear", "/push/r1/clear", `{"platform":"android"}`, http.StatusOK},
		{"empty body", "/push/r1/close", "", http.StatusOK},
		{"outbound type", "/push/r1/join", `{}`, http.StatusBadRequest},
		{"bad json", "/push/r1/message", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != protocol.MsgClear {
		t.Errorf("first pushed frame = %+v, %v", env, err)
	}
}

func TestDisconnectAll(t *testing.T) {
	h, srv := startHub(t, Options{})
	conn := dial(t, srv, nil)
	joinRoom(t, h, conn, "r1", "u1")

	h.DisconnectAll()
	if n := len(h.Members("r1")); n != 0 {
		t.Errorf("Members = %d after DisconnectAll, want 0", n)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Fatalf("connection still open after DisconnectAll: %v", err)
	}

	// The hub keeps accepting agents afterwards.
	again := dial(t, srv, nil)
	joinRoom(t, h, again, "r1", "u2")
	if n := len(h.Members("r1")); n != 1 {
		t.Errorf("Members = %d after rejoin, want 1", n)
	}
}
