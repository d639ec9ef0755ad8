// Package bridge adapts the client WebSocket wire protocol onto the session
// engine: each inbound message maps to exactly one registry or session
// operation, and session output fans out to every attached client through a
// bounded per-connection send queue.
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shellfleet/shellfleet/internal/auth"
	"github.com/shellfleet/shellfleet/internal/session"
)

// Config holds the bridge's transport settings.
type Config struct {
	AllowedOrigins  []string
	SendQueueSize   int
	ReadBufferSize  int
	WriteBufferSize int
}

// Bridge is the wire protocol adapter between terminal clients and the
// session registry. It implements session.Broadcaster.
type Bridge struct {
	registry *session.Registry
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	queue    int

	mu      sync.RWMutex
	clients map[string]*client
	subs    map[string]map[string]*client // session id -> client id -> client
}

// New creates a bridge over the given registry. verifier may be nil, in
// which case the client-claimed user is taken as the resolved identity
// (identity resolution is an upstream collaborator; without one the claim
// stands in for it).
func New(registry *session.Registry, verifier *auth.Verifier, cfg Config) *Bridge {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	b := &Bridge{
		registry: registry,
		verifier: verifier,
		queue:    cfg.SendQueueSize,
		clients:  make(map[string]*client),
		subs:     make(map[string]map[string]*client),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return b
}

// originChecker validates the Origin header against the allowed list.
// WebSocket upgrades bypass CORS, so this check is explicit. An empty list
// allows everything (internal deployments behind a trusted proxy).
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		slog.Warn("WebSocket origin rejected", "origin", origin)
		return false
	}
}

// client is one connected terminal peer: its resolved identity, its
// subscription set, and a bounded ordered send queue drained by a single
// writer goroutine.
type client struct {
	id        string
	requester session.Requester
	conn      *websocket.Conn
	send      chan serverMessage

	mu       sync.Mutex
	closed   bool
	sessions map[string]struct{}
}

// enqueue appends a message to the client's send queue, preserving order.
// A client whose queue is full is too slow to keep up and is dropped rather
// than allowed to stall a session read loop.
func (c *client) enqueue(msg serverMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue exactly once; the writer goroutine exits
// and closes the connection.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// HandleTerminalWS is the WebSocket endpoint for terminal clients.
func (b *Bridge) HandleTerminalWS(w http.ResponseWriter, r *http.Request) {
	identity, err := b.verifier.FromRequest(r)
	if err != nil {
		slog.Warn("Terminal client auth failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:        uuid.NewString(),
		requester: session.Requester{Subject: identity.Subject, Addr: r.RemoteAddr},
		conn:      conn,
		send:      make(chan serverMessage, b.queue),
		sessions:  make(map[string]struct{}),
	}

	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	go c.writePump()
	b.readPump(c)
}

// writePump drains the send queue onto the connection. It is the only
// goroutine writing to the socket, so delivery order matches queue order.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// readPump parses inbound frames and dispatches them. Validation and lookup
// failures produce a per-requester error reply only; they never affect other
// clients or sessions.
func (b *Bridge) readPump(c *client) {
	defer b.dropClient(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(serverMessage{Type: typeTerminalError, Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case typeCreateTerminal:
			b.handleCreate(c, msg)
		case typeTerminalInput:
			b.handleInput(c, msg)
		case typeTerminalResize:
			b.handleResize(c, msg)
		default:
			c.enqueue(serverMessage{Type: typeTerminalError, Error: "unknown message type: " + msg.Type})
		}
	}
}

func (b *Bridge) handleCreate(c *client, msg clientMessage) {
	req := c.requester
	if req.Subject == "" && b.verifier == nil {
		req.Subject = msg.User
	}

	res, err := b.registry.CreateOrAttach(msg.Session, c.id, req, msg.Path)
	if err != nil {
		if errors.Is(err, session.ErrSessionBlocked) {
			c.enqueue(serverMessage{Type: typeTerminalError, Session: msg.Session, Error: "session blocked"})
			return
		}
		c.enqueue(serverMessage{Type: typeTerminalError, Session: msg.Session, Error: err.Error()})
		return
	}

	if res.Closed {
		// Tombstoned id: never silently recreate. The closed notice lets the
		// client choose between "reopen" and "session ended" UX.
		isOwner := res.IsOwner
		c.enqueue(serverMessage{
			Type:    typeTerminalClosed,
			Session: msg.Session,
			Reason:  b.registry.CloseReason(msg.Session),
			IsOwner: &isOwner,
		})
		return
	}

	status := "attached"
	if res.Created {
		status = "created"
	}

	// Subscription and replay delivery happen inside the session's stream
	// seam: no output chunk can land between the replay snapshot and the
	// subscription, so the client's replay plus live stream is gap-free and
	// duplicate-free.
	res.Session.SyncStream(func(replay []byte) {
		b.subscribe(c, msg.Session)
		c.enqueue(serverMessage{Type: typeTerminalReady, Session: msg.Session, Status: status})
		if len(replay) > 0 {
			c.enqueue(serverMessage{Type: typeTerminalOutput, Session: msg.Session, Data: string(replay)})
		}
	})
}

func (b *Bridge) handleInput(c *client, msg clientMessage) {
	s, err := b.registry.Get(msg.Session)
	if err != nil {
		// Unknown ids get an explicit error rather than a silent drop.
		c.enqueue(serverMessage{Type: typeTerminalError, Session: msg.Session, Error: err.Error()})
		return
	}
	_ = s.Write([]byte(msg.Data))
}

func (b *Bridge) handleResize(c *client, msg clientMessage) {
	s, err := b.registry.Get(msg.Session)
	if err != nil {
		c.enqueue(serverMessage{Type: typeTerminalError, Session: msg.Session, Error: err.Error()})
		return
	}
	if msg.Cols == 0 || msg.Rows == 0 {
		c.enqueue(serverMessage{Type: typeTerminalError, Session: msg.Session, Error: "invalid terminal size"})
		return
	}
	s.Resize(msg.Cols, msg.Rows)
}

// subscribe registers the client for a session's broadcasts.
func (b *Bridge) subscribe(c *client, sessionID string) {
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*client)
	}
	b.subs[sessionID][c.id] = c
	b.mu.Unlock()

	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

// dropClient detaches the client from every session and tears it down.
func (b *Bridge) dropClient(c *client) {
	c.mu.Lock()
	sessionIDs := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	c.mu.Unlock()

	b.mu.Lock()
	delete(b.clients, c.id)
	for _, id := range sessionIDs {
		if m := b.subs[id]; m != nil {
			delete(m, c.id)
			if len(m) == 0 {
				delete(b.subs, id)
			}
		}
	}
	b.mu.Unlock()

	for _, id := range sessionIDs {
		if s, err := b.registry.Get(id); err == nil {
			s.Detach(c.id)
		}
	}

	c.shutdown()
}

// Broadcast implements session.Broadcaster: output chunks fan out to every
// subscriber of the session; a nil payload is the distinguished closed
// signal, delivered as terminal_closed with per-recipient ownership.
func (b *Bridge) Broadcast(sessionID string, data []byte) {
	b.mu.RLock()
	subscribers := make([]*client, 0, len(b.subs[sessionID]))
	for _, c := range b.subs[sessionID] {
		subscribers = append(subscribers, c)
	}
	b.mu.RUnlock()

	if data != nil {
		msg := serverMessage{Type: typeTerminalOutput, Session: sessionID, Data: string(data)}
		for _, c := range subscribers {
			if !c.enqueue(msg) {
				slog.Warn("Dropping slow terminal client", "client", c.id, "session", sessionID)
				go b.dropClient(c)
			}
		}
		return
	}

	// Closed signal.
	reason := b.registry.CloseReason(sessionID)
	owner, _ := b.registry.Owner(sessionID)
	for _, c := range subscribers {
		isOwner := owner.Matches(c.requester)
		notice := serverMessage{
			Type:    typeTerminalClosed,
			Session: sessionID,
			Reason:  reason,
			IsOwner: &isOwner,
		}
		if !c.enqueue(notice) {
			// A full queue would swallow the closed notice; drop the client so
			// it learns about the closure from its own disconnect.
			slog.Warn("Dropping slow terminal client", "client", c.id, "session", sessionID)
			go b.dropClient(c)
		}
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.mu.Unlock()
	}

	b.mu.Lock()
	delete(b.subs, sessionID)
	b.mu.Unlock()
}

// ClientCount returns the number of connected terminal clients.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
