package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrClosed            = errors.New("hub closed")
)

// SessionBinder records which user a connection authenticated as.
type SessionBinder interface {
	Bind(connectionID, userID string)
	Unbind(connectionID string)
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSubscribe
	opUnsubscribe
	opPublish
	opSendTo
)

// op is one request to the event loop. All requests travel through a single
// queue, so everything one goroutine asks of the hub is applied in the order
// it was asked: a Publish followed by an Unsubscribe still reaches the
// connection being unsubscribed.
type op struct {
	kind         opKind
	client       *Client
	connectionID string
	room         string
	data         []byte
	result       chan error
}

// Hub is the room-based broadcast fabric. Connections subscribe to named
// rooms (guild ids, channel ids); publishing to a room delivers to every
// connection subscribed at the moment the publish is applied, at most once.
//
// Client, room and subscription state is owned by the single Run() goroutine;
// every other method only enqueues an op.
type Hub struct {
	upgrader websocket.Upgrader
	sessions SessionBinder
	handler  Handler

	// Owned by Run().
	clients map[string]*Client              // connectionID → client
	rooms   map[string]map[*Client]struct{} // room → subscribers

	ops  chan op
	done chan struct{}

	// pumps counts read pumps that have not detached yet. closing is set
	// under mu before pumps.Wait, after which no pump is added.
	mu      sync.Mutex
	closing bool
	pumps   sync.WaitGroup
}

func NewHub(domain string, sessions SessionBinder) *Hub {
	h := &Hub{
		sessions: sessions,
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[*Client]struct{}),
		ops:      make(chan op, 256),
		done:     make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     makeCheckOrigin(domain),
	}
	return h
}

// SetHandler installs the inbound message handler. Call before Run.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// makeCheckOrigin returns a gorilla/websocket CheckOrigin function that allows
// upgrades only from origins whose hostname matches the configured domain.
// Localhost, a missing Origin header (native clients) and "null" (desktop
// webviews on a custom scheme) are always allowed.
func makeCheckOrigin(domain string) func(*http.Request) bool {
	if domain == "" {
		slog.Warn("ACCORD_DOMAIN is not set; WebSocket origin check is disabled")
		return func(r *http.Request) bool { return true }
	}

	allowed := normaliseHost(domain)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil {
			slog.Warn("ws upgrade rejected: malformed Origin header", "origin", origin)
			return false
		}

		switch normaliseHost(u.Hostname()) {
		case allowed, "localhost", "127.0.0.1":
			return true
		}

		slog.Warn("ws upgrade rejected: origin not allowed", "origin", origin, "allowed_domain", allowed)
		return false
	}
}

// normaliseHost strips an optional scheme and port from a host string and
// lowercases the result.
func normaliseHost(h string) string {
	h = strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(h), "https://"), "http://")
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

// Run is the hub's event loop. When ctx is cancelled it closes every
// connection's send queue and returns once every connection has detached, so
// no disconnect handler is still running afterwards.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closing = true
			h.mu.Unlock()
			h.shutdown()
			h.pumps.Wait()
			return nil

		case o := <-h.ops:
			h.apply(o)
		}
	}
}

func (h *Hub) apply(o op) {
	switch o.kind {
	case opRegister:
		h.clients[o.client.ID] = o.client
		slog.Info("ws connected", "connection_id", o.client.ID, "user_id", o.client.UserID, "total", len(h.clients))
		o.result <- nil

	case opUnregister:
		if h.clients[o.client.ID] == o.client {
			h.removeClient(o.client)
			slog.Info("ws disconnected", "connection_id", o.client.ID, "user_id", o.client.UserID, "total", len(h.clients))
		}

	case opSubscribe:
		c, ok := h.clients[o.connectionID]
		if !ok {
			o.result <- ErrUnknownConnection
			return
		}
		if h.rooms[o.room] == nil {
			h.rooms[o.room] = make(map[*Client]struct{})
		}
		h.rooms[o.room][c] = struct{}{}
		c.rooms[o.room] = struct{}{}
		o.result <- nil

	case opUnsubscribe:
		if c, ok := h.clients[o.connectionID]; ok {
			h.leaveRoom(c, o.room)
		}

	case opPublish:
		for c := range h.rooms[o.room] {
			h.deliver(c, o.data)
		}

	case opSendTo:
		if c, ok := h.clients[o.connectionID]; ok {
			h.deliver(c, o.data)
		}
	}
}

// deliver queues data for c, dropping the client if its buffer is full.
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("ws send buffer full, dropping connection", "connection_id", c.ID, "user_id", c.UserID)
		h.removeClient(c)
	}
}

func (h *Hub) removeClient(c *Client) {
	if h.clients[c.ID] != c {
		return
	}
	delete(h.clients, c.ID)
	for room := range c.rooms {
		h.leaveRoom(c, room)
	}
	close(c.send)
}

func (h *Hub) leaveRoom(c *Client, room string) {
	delete(c.rooms, room)
	if subs := h.rooms[room]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[*Client]struct{})
}

func (h *Hub) enqueue(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.done:
		return false
	}
}

// Subscribe attaches a connection to a room. It returns once the subscription
// is in effect, so any later Publish from the caller reaches the connection.
func (h *Hub) Subscribe(connectionID, room string) error {
	result := make(chan error, 1)
	if !h.enqueue(op{kind: opSubscribe, connectionID: connectionID, room: room, result: result}) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-h.done:
		return ErrClosed
	}
}

// Unsubscribe detaches a connection from a room. Unknown connections and
// rooms are ignored.
func (h *Hub) Unsubscribe(connectionID, room string) {
	h.enqueue(op{kind: opUnsubscribe, connectionID: connectionID, room: room})
}

// Publish delivers evt to every connection subscribed to room.
func (h *Hub) Publish(room string, evt Envelope) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("marshal event", "type", evt.Type, "err", err)
		return
	}
	h.enqueue(op{kind: opPublish, room: room, data: data})
}

// SendTo delivers evt to a single connection.
func (h *Hub) SendTo(connectionID string, evt Envelope) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("marshal event", "type", evt.Type, "err", err)
		return
	}
	h.enqueue(op{kind: opSendTo, connectionID: connectionID, data: data})
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the client
// under a fresh connection id.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.pumps.Add(1)
	h.mu.Unlock()

	c := newClient(h, conn, uuid.NewString(), userID)
	if !h.attach(c) {
		h.pumps.Done()
		conn.Close()
		return
	}
	go c.writePump()
	go func() {
		defer h.pumps.Done()
		c.readPump()
	}()
}

// attach binds the session, registers the client and lets the handler
// subscribe it to its rooms.
func (h *Hub) attach(c *Client) bool {
	h.sessions.Bind(c.ID, c.UserID)
	result := make(chan error, 1)
	if !h.enqueue(op{kind: opRegister, client: c, result: result}) {
		h.sessions.Unbind(c.ID)
		return false
	}
	// A register still queued when the loop stops is never applied, and
	// nothing would close the client's send queue.
	select {
	case <-result:
	case <-h.done:
		h.sessions.Unbind(c.ID)
		return false
	}
	if h.handler != nil {
		h.handler.HandleConnect(context.Background(), c.ID, c.UserID)
	}
	return true
}

// detach runs the disconnect handler while the session is still resolvable,
// then forgets the connection.
func (h *Hub) detach(c *Client) {
	if h.handler != nil {
		h.handler.HandleDisconnect(context.Background(), c.ID)
	}
	h.sessions.Unbind(c.ID)
	h.enqueue(op{kind: opUnregister, client: c})
}
