// Package nodelink maintains an agent node's connection to the control hub:
// it registers the node, heartbeats, reports session state upward, and
// applies block and unblock directives to the local session registry.
package nodelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellfleet/shellfleet/internal/backoff"
	"github.com/shellfleet/shellfleet/internal/proto"
	"github.com/shellfleet/shellfleet/internal/session"
)

// Config holds the link settings.
type Config struct {
	NodeID       string
	HubURL       string // e.g. ws://hub:8080/control/ws?role=agent
	Capabilities []string

	HeartbeatInterval     time.Duration
	SessionUpdateInterval time.Duration
}

// Link is the node's side of the hub protocol. It owns exactly one
// connection at a time; when the connection drops it reconnects with
// exponential backoff and re-registers from scratch.
type Link struct {
	cfg      Config
	registry *session.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn

	// writeMu serializes writes; heartbeats, session updates, closed
	// notifications, and block confirmations all share the socket.
	writeMu sync.Mutex
}

// New creates a link. Call Start to connect.
func New(cfg Config, registry *session.Registry) (*Link, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.HubURL == "" {
		return nil, errors.New("hub url is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.SessionUpdateInterval <= 0 {
		cfg.SessionUpdateInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{cfg: cfg, registry: registry, ctx: ctx, cancel: cancel}

	// Closed sessions are pushed upward immediately so the hub's mirror
	// does not wait for the next periodic sweep.
	registry.SetClosedListener(func(id, reason string) {
		l.sendClosed(id)
	})

	return l, nil
}

// Start launches the connection loop in the background.
func (l *Link) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
}

// Stop tears the link down and waits for the loop to exit.
func (l *Link) Stop() {
	l.cancel()
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// run connects, serves until the connection drops, and repeats. Every
// reconnect performs a full registration and pushes a fresh session snapshot
// so the hub's mirror converges even after it restarted.
func (l *Link) run() {
	for l.ctx.Err() == nil {
		var conn *websocket.Conn
		err := backoff.Do(l.ctx, backoff.DefaultConfig(), "connect to hub", func(ctx context.Context) error {
			c, err := l.connect(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			return
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		slog.Info("Connected to hub", "hub", l.cfg.HubURL, "node", l.cfg.NodeID)
		l.sendSnapshot()
		l.serve(conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()

		if l.ctx.Err() == nil {
			slog.Warn("Hub connection lost, reconnecting", "node", l.cfg.NodeID)
		}
	}
}

// connect dials the hub, registers, and waits for confirmation.
func (l *Link) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.HubURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	reg := proto.Message{
		Type:         proto.TypeAgentRegister,
		AgentID:      l.cfg.NodeID,
		AgentType:    "shell-host",
		Capabilities: l.cfg.Capabilities,
		Timestamp:    time.Now().UnixMilli(),
	}
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send registration: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var reply proto.Message
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read registration reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if reply.Type == proto.TypeError {
		conn.Close()
		return nil, backoff.Permanent(fmt.Errorf("registration rejected: %s", reply.Error))
	}
	if reply.Type != proto.TypeRegistrationConfirmed {
		conn.Close()
		return nil, fmt.Errorf("unexpected registration reply: %s", reply.Type)
	}
	return conn, nil
}

// serve runs the heartbeat and session update tickers and dispatches inbound
// directives until the connection fails or the link stops.
func (l *Link) serve(conn *websocket.Conn) {
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg proto.Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			l.dispatch(msg)
		}
	}()

	heartbeat := time.NewTicker(l.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	updates := time.NewTicker(l.cfg.SessionUpdateInterval)
	defer updates.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-readErr:
			return
		case <-heartbeat.C:
			l.send(proto.Message{
				Type:      proto.TypeHeartbeat,
				AgentID:   l.cfg.NodeID,
				Timestamp: time.Now().UnixMilli(),
			})
		case <-updates.C:
			l.sendSnapshot()
		}
	}
}

// dispatch applies one hub directive.
func (l *Link) dispatch(msg proto.Message) {
	switch msg.Type {
	case proto.TypeEmergencyBlock:
		confirmed := l.registry.Block(msg.AffectedSessions, msg.Text)
		slog.Warn("Applied block directive",
			"block", msg.BlockID,
			"severity", msg.Severity,
			"requested", len(msg.AffectedSessions),
			"confirmed", len(confirmed),
		)
		l.send(proto.Message{
			Type:              proto.TypeBlockConfirmation,
			AgentID:           l.cfg.NodeID,
			BlockID:           msg.BlockID,
			ConfirmedSessions: confirmed,
			Timestamp:         time.Now().UnixMilli(),
		})
	case proto.TypeUnblockSession:
		if l.registry.Unblock(msg.SessionID) {
			slog.Info("Lifted block", "session", msg.SessionID, "by", msg.AdminUser)
		}
	case proto.TypeError:
		slog.Warn("Hub reported error", "error", msg.Error)
	default:
		slog.Debug("Ignoring hub message", "type", msg.Type)
	}
}

// RequestUnblock asks the hub to lift the block on a local session. The node
// vets the request before forwarding, so the hub treats it as pre-authorised.
func (l *Link) RequestUnblock(sessionID, userAction string) error {
	if !l.registry.Blocked(sessionID) {
		return fmt.Errorf("session %s is not blocked", sessionID)
	}
	return l.send(proto.Message{
		Type:       proto.TypeUnblockRequest,
		AgentID:    l.cfg.NodeID,
		SessionID:  sessionID,
		UserAction: userAction,
		Timestamp:  time.Now().UnixMilli(),
	})
}

// sendSnapshot pushes one session_update per live session.
func (l *Link) sendSnapshot() {
	for _, info := range l.registry.List() {
		l.send(proto.Message{
			Type: proto.TypeSessionUpdate,
			Session: &proto.SessionState{
				ID:         info.ID,
				User:       info.User,
				Addr:       info.Addr,
				CreatedAt:  info.CreatedAt,
				LastActive: info.LastActive,
				Status:     info.Status,
			},
		})
	}
}

// sendClosed notifies the hub that a session ended; the hub drops it from
// its mirror.
func (l *Link) sendClosed(id string) {
	l.send(proto.Message{
		Type:    proto.TypeSessionUpdate,
		Session: &proto.SessionState{ID: id, Status: "closed"},
	})
}

// send writes one frame to the current connection. Disconnected periods are
// tolerated: the next snapshot after reconnect repairs the hub's view.
func (l *Link) send(msg proto.Message) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to hub: %w", err)
	}
	return nil
}
