// Package devserver is a minimal coordination server: agents join rooms over
// a WebSocket, the developer pushes commands to a room, and bundles are served
// per room over HTTP. It exists for local development and integration tests.
package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/livepush/agent/internal/bundle"
	"github.com/livepush/agent/internal/protocol"
)

const sendQueueSize = 64

// Event is something an agent reported to the server.
type Event struct {
	Type    protocol.MessageType
	Room    string
	UUID    string
	Payload json.RawMessage
}

// Options configures a Hub.
type Options struct {
	// Token, when set, must be presented as a bearer token.
	Token  string
	Logger *slog.Logger
}

type client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu   sync.Mutex
	join *protocol.Join
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.removeClient(c)
			return
		}
	}
}

// Hub tracks joined agents per room.
type Hub struct {
	token string
	log   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
	rooms   map[string]map[*client]bool
	bundles map[string][]byte

	events chan Event
}

// New returns an empty Hub.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		token:   opts.Token,
		log:     logger.With("component", "devserver"),
		clients: make(map[*client]bool),
		rooms:   make(map[string]map[*client]bool),
		bundles: make(map[string][]byte),
		events:  make(chan Event, 256),
	}
}

// Events delivers join, log and screenshot reports. Events are dropped when
// nobody drains the channel.
func (h *Hub) Events() <-chan Event { return h.events }

// SetBundle sets the archive served to every agent in room.
func (h *Hub) SetBundle(room string, archive []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bundles[room] = archive
}

// Members returns the join payloads of the agents in room.
func (h *Hub) Members(room string) []protocol.Join {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []protocol.Join
	for c := range h.rooms[room] {
		c.mu.Lock()
		if c.join != nil {
			out = append(out, *c.join)
		}
		c.mu.Unlock()
	}
	return out
}

// Push sends a command to every agent in room and returns how many received
// it. Slow agents are disconnected.
func (h *Hub) Push(room string, t protocol.MessageType, payload any) (int, error) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshaling envelope: %w", err)
	}

	h.mu.RLock()
	sent := 0
	var slow []*client
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("agent too slow, disconnecting", "room", room)
		h.removeClient(c)
	}
	return sent, nil
}

// Handler routes the socket, bundle and push endpoints.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.handleWS)
	mux.HandleFunc("GET /bundle/{room}/{uuid}", h.handleBundle)
	mux.HandleFunc("POST /push/{room}/{type}", h.handlePush)
	return mux
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade error", "error", err)
		return
	}

	c := &client{conn: conn, hub: h, send: make(chan []byte, sendQueueSize)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	go c.writePump()

	go func() {
		defer h.removeClient(c)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			h.receive(c, env)
		}
	}()
}

func (h *Hub) receive(c *client, env protocol.Envelope) {
	if env.Type == protocol.MsgJoin {
		var j protocol.Join
		if err := env.Decode(&j); err != nil {
			h.log.Warn("bad join", "error", err)
			return
		}
		c.mu.Lock()
		c.join = &j
		c.mu.Unlock()
		h.mu.Lock()
		if !h.clients[c] {
			h.mu.Unlock()
			return
		}
		if h.rooms[j.Room] == nil {
			h.rooms[j.Room] = make(map[*client]bool)
		}
		h.rooms[j.Room][c] = true
		h.mu.Unlock()
		h.log.Info("agent joined", "room", j.Room, "name", j.Name, "os", j.OSName)
	}

	c.mu.Lock()
	j := c.join
	c.mu.Unlock()
	if j == nil {
		return
	}
	ev := Event{Type: env.Type, Room: j.Room, UUID: j.UUID, Payload: env.Payload}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for room, members := range h.rooms {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

// DisconnectAll drops every connected agent. Agents see a lost connection
// and are free to reconnect.
func (h *Hub) DisconnectAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.removeClient(c)
	}
}

func (h *Hub) handleBundle(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	room := r.PathValue("room")
	h.mu.RLock()
	archive, ok := h.bundles[room]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "no bundle for room", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set(bundle.DigestHeader, bundle.Digest(archive))
	w.Write(archive)
}

func (h *Hub) handlePush(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	t := protocol.MessageType(r.PathValue("type"))
	if !t.Inbound() {
		http.Error(w, fmt.Sprintf("%v: %s", protocol.ErrUnknownType, t), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	var payload any
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "body must be JSON", http.StatusBadRequest)
			return
		}
	}
	n, err := h.Push(r.PathValue("room"), t, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"delivered": n})
}

func (h *Hub) authorize(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	if r.URL.Query().Get("token") == h.token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.token
}
