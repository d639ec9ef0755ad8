package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shellfleet/shellfleet/internal/auth"
	"github.com/shellfleet/shellfleet/internal/proto"
)

// nodePeer is one registered agent node connection. Outbound messages go
// through a bounded queue drained by a single writer goroutine, so control
// directives reach each node in issue order.
type nodePeer struct {
	agentID      string
	agentType    string
	capabilities []string
	conn         *websocket.Conn
	send         chan proto.Message
	connectedAt  time.Time

	mu            sync.Mutex
	closed        bool
	lastHeartbeat time.Time
}

func (n *nodePeer) enqueue(msg proto.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	select {
	case n.send <- msg:
		return true
	default:
		slog.Warn("Agent node send queue full, dropping message", "agent", n.agentID, "type", msg.Type)
		return false
	}
}

func (n *nodePeer) shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.send)
}

func (n *nodePeer) touch() {
	n.mu.Lock()
	n.lastHeartbeat = time.Now()
	n.mu.Unlock()
}

func (n *nodePeer) heartbeatAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastHeartbeat
}

func (n *nodePeer) writePump() {
	defer n.conn.Close()
	for msg := range n.send {
		if err := n.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// adminPeer is one connected admin console.
type adminPeer struct {
	id   string
	user string
	conn *websocket.Conn
	send chan proto.Message

	mu     sync.Mutex
	closed bool
}

func (a *adminPeer) enqueue(msg proto.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.send <- msg:
		return true
	default:
		slog.Warn("Admin send queue full, dropping message", "admin", a.user, "type", msg.Type)
		return false
	}
}

func (a *adminPeer) shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.send)
}

func (a *adminPeer) writePump() {
	defer a.conn.Close()
	for msg := range a.send {
		if err := a.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control socket is node-to-hub and console-to-hub, not browser
	// traffic; peers authenticate with tokens instead of origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Router builds the hub's HTTP surface. verifier may be nil, in which case
// admin connections are accepted unauthenticated.
func (h *Hub) Router(verifier *auth.Verifier) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/control/ws", h.handleControlWS(verifier))
	return r
}

// handleControlWS serves both peer roles on one endpoint, selected by the
// role query parameter.
func (h *Hub) handleControlWS(verifier *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := r.URL.Query().Get("role")
		switch role {
		case "admin":
			identity, err := verifier.FromRequest(r)
			if err != nil {
				slog.Warn("Admin auth failed", "remote", r.RemoteAddr, "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				slog.Warn("Admin upgrade failed", "remote", r.RemoteAddr, "error", err)
				return
			}
			h.serveAdmin(conn, identity.Subject)
		case "agent", "":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				slog.Warn("Agent upgrade failed", "remote", r.RemoteAddr, "error", err)
				return
			}
			h.serveAgent(conn)
		default:
			http.Error(w, "unknown role", http.StatusBadRequest)
		}
	}
}

// serveAgent handles one agent node connection for its lifetime. The first
// frame must be agent_register; everything after that is the node's steady
// stream of heartbeats, session updates, confirmations, and unblock requests.
func (h *Hub) serveAgent(conn *websocket.Conn) {
	var reg proto.Message
	if err := conn.ReadJSON(&reg); err != nil {
		conn.Close()
		return
	}
	if reg.Type != proto.TypeAgentRegister || reg.AgentID == "" {
		conn.WriteJSON(proto.Message{Type: proto.TypeError, Error: "expected agent_register with agent_id"})
		conn.Close()
		return
	}

	n := &nodePeer{
		agentID:       reg.AgentID,
		agentType:     reg.AgentType,
		capabilities:  reg.Capabilities,
		conn:          conn,
		send:          make(chan proto.Message, h.cfg.SendQueueSize),
		connectedAt:   time.Now(),
		lastHeartbeat: time.Now(),
	}

	h.mu.Lock()
	prev := h.nodes[reg.AgentID]
	h.nodes[reg.AgentID] = n
	h.mu.Unlock()

	if prev != nil {
		// A reconnect supersedes the old connection. The mirror entries stay;
		// the node refreshes them on its next update cycle.
		slog.Info("Agent node reconnected, replacing stale connection", "agent", reg.AgentID)
		prev.shutdown()
	}

	go n.writePump()
	n.enqueue(proto.Message{
		Type:      proto.TypeRegistrationConfirmed,
		AgentID:   reg.AgentID,
		Timestamp: time.Now().UnixMilli(),
	})
	slog.Info("Agent node registered", "agent", reg.AgentID, "type", reg.AgentType, "capabilities", reg.Capabilities)

	defer func() {
		h.removeNode(n)
		n.shutdown()
		slog.Info("Agent node disconnected", "agent", reg.AgentID)
	}()

	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case proto.TypeHeartbeat:
			n.touch()
		case proto.TypeSessionUpdate:
			if msg.Session != nil {
				h.updateMirror(n.agentID, *msg.Session)
			}
		case proto.TypeBlockConfirmation:
			// Confirmations are relayed to admin consoles as they arrive;
			// a slow or dead node simply never produces one.
			h.broadcastToAdmins(proto.Message{
				Type:              proto.TypeBlockConfirmation,
				AgentID:           n.agentID,
				BlockID:           msg.BlockID,
				ConfirmedSessions: msg.ConfirmedSessions,
				Timestamp:         time.Now().UnixMilli(),
			})
		case proto.TypeUnblockRequest:
			// Node-originated unblocks are pre-authorised: the node only
			// forwards requests it has already vetted locally.
			slog.Info("Unblock request from node", "agent", n.agentID, "session", msg.SessionID, "userAction", msg.UserAction)
			if err := h.Unblock(msg.SessionID, "node:"+n.agentID); err != nil {
				n.enqueue(proto.Message{Type: proto.TypeError, SessionID: msg.SessionID, Error: err.Error()})
			}
		default:
			n.enqueue(proto.Message{Type: proto.TypeError, Error: "unknown message type: " + msg.Type})
		}
	}
}

// serveAdmin handles one admin console connection for its lifetime.
func (h *Hub) serveAdmin(conn *websocket.Conn, user string) {
	a := &adminPeer{
		id:   uuid.NewString(),
		user: user,
		conn: conn,
		send: make(chan proto.Message, h.cfg.SendQueueSize),
	}

	h.mu.Lock()
	h.admins[a.id] = a
	h.mu.Unlock()

	go a.writePump()
	slog.Info("Admin connected", "admin", user)

	defer func() {
		h.mu.Lock()
		delete(h.admins, a.id)
		h.mu.Unlock()
		a.shutdown()
		slog.Info("Admin disconnected", "admin", user)
	}()

	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		issuer := user
		if issuer == "" {
			issuer = msg.AdminUser
		}

		switch msg.Type {
		case proto.TypeBlockAllSessions:
			cmd, err := h.BlockAll(msg.Reason, issuer, time.Duration(msg.ExpiresInMS)*time.Millisecond)
			if err != nil {
				a.enqueue(proto.Message{Type: proto.TypeError, Error: err.Error()})
				continue
			}
			h.broadcastToAdmins(proto.Message{
				Type:             proto.TypeBlockUpdate,
				Action:           "blocked",
				BlockID:          cmd.ID,
				Severity:         cmd.Kind,
				AffectedSessions: cmd.Affected,
				AdminUser:        issuer,
			})
		case proto.TypeBlockSession:
			cmd, err := h.BlockSession(msg.SessionID, msg.Reason, issuer, time.Duration(msg.ExpiresInMS)*time.Millisecond)
			if err != nil {
				a.enqueue(proto.Message{Type: proto.TypeError, SessionID: msg.SessionID, Error: err.Error()})
				continue
			}
			h.broadcastToAdmins(proto.Message{
				Type:             proto.TypeBlockUpdate,
				Action:           "blocked",
				BlockID:          cmd.ID,
				Severity:         cmd.Kind,
				AffectedSessions: cmd.Affected,
				AdminUser:        issuer,
			})
		case proto.TypeUnblockSession:
			if err := h.Unblock(msg.SessionID, issuer); err != nil {
				a.enqueue(proto.Message{Type: proto.TypeError, SessionID: msg.SessionID, Error: err.Error()})
			}
		case proto.TypeGetStatus:
			a.enqueue(proto.Message{Type: proto.TypeStatus, Status: h.Snapshot(), Timestamp: time.Now().UnixMilli()})
		case proto.TypeGetBlockHistory:
			history, err := h.History(100)
			if err != nil {
				a.enqueue(proto.Message{Type: proto.TypeError, Error: err.Error()})
				continue
			}
			a.enqueue(proto.Message{Type: proto.TypeBlockHistory, History: history})
		default:
			a.enqueue(proto.Message{Type: proto.TypeError, Error: "unknown message type: " + msg.Type})
		}
	}
}
