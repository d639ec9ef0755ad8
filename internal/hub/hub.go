// Package hub implements the control plane: one WebSocket listener serving
// two peer roles (admin consoles and shell-hosting agent nodes), a registry
// of live nodes, a mirrored view of every node's sessions, and the set of
// active block commands with their history.
package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellfleet/shellfleet/internal/proto"
	"github.com/shellfleet/shellfleet/internal/store"
)

// Config holds hub behavior settings.
type Config struct {
	// HeartbeatInterval is the expected node heartbeat cadence; a node
	// silent for MissedHeartbeats consecutive intervals is evicted.
	HeartbeatInterval time.Duration
	MissedHeartbeats  int

	// SendQueueSize bounds each peer's outbound queue.
	SendQueueSize int
}

// Hub is the central control-plane state. All mutation happens behind one
// mutex; peer I/O runs on per-connection goroutines.
type Hub struct {
	cfg   Config
	store *store.Store

	mu     sync.Mutex
	nodes  map[string]*nodePeer
	admins map[string]*adminPeer
	mirror map[string]mirrorEntry
	active map[string]*activeCommand

	done     chan struct{}
	stopOnce sync.Once
}

// mirrorEntry is the hub's read-only copy of one session on one node.
type mirrorEntry struct {
	state     proto.SessionState
	nodeID    string
	updatedAt time.Time
}

// activeCommand pairs a live block command with the node that owned each
// affected session at issue time, so unblocks can be routed after the
// session itself has left the mirror.
type activeCommand struct {
	cmd           *proto.BlockCommand
	nodeBySession map[string]string
}

// New creates a hub. st persists block history; it must not be nil.
func New(cfg Config, st *store.Store) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MissedHeartbeats < 1 {
		cfg.MissedHeartbeats = 3
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	return &Hub{
		cfg:    cfg,
		store:  st,
		nodes:  make(map[string]*nodePeer),
		admins: make(map[string]*adminPeer),
		mirror: make(map[string]mirrorEntry),
		active: make(map[string]*activeCommand),
		done:   make(chan struct{}),
	}
}

// Start launches the liveness monitor.
func (h *Hub) Start() {
	go h.monitor()
}

// Stop shuts down the monitor and disconnects every peer.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		nodes := make([]*nodePeer, 0, len(h.nodes))
		for _, n := range h.nodes {
			nodes = append(nodes, n)
		}
		admins := make([]*adminPeer, 0, len(h.admins))
		for _, a := range h.admins {
			admins = append(admins, a)
		}
		h.mu.Unlock()

		for _, n := range nodes {
			n.shutdown()
		}
		for _, a := range admins {
			a.shutdown()
		}
	})
}

// monitor evicts nodes that missed too many heartbeats and expires block
// commands whose deadline passed.
func (h *Hub) monitor() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.evictStaleNodes()
			h.expireCommands()
		}
	}
}

func (h *Hub) evictStaleNodes() {
	deadline := time.Now().Add(-time.Duration(h.cfg.MissedHeartbeats) * h.cfg.HeartbeatInterval)

	h.mu.Lock()
	var stale []*nodePeer
	for _, n := range h.nodes {
		if n.heartbeatAt().Before(deadline) {
			stale = append(stale, n)
		}
	}
	h.mu.Unlock()

	for _, n := range stale {
		slog.Warn("Evicting silent agent node", "agent", n.agentID, "lastHeartbeat", n.heartbeatAt())
		h.removeNode(n)
		n.shutdown()
	}
}

func (h *Hub) expireCommands() {
	now := time.Now()

	type expiredCommand struct {
		id       string
		sessions []string
	}

	h.mu.Lock()
	var expired []expiredCommand
	for _, ac := range h.active {
		if ac.cmd.ExpiresAt != nil && !ac.cmd.ExpiresAt.After(now) {
			expired = append(expired, expiredCommand{
				id:       ac.cmd.ID,
				sessions: append([]string(nil), ac.cmd.Affected...),
			})
		}
	}
	h.mu.Unlock()

	for _, e := range expired {
		slog.Info("Block command expired, lifting", "block", e.id)
		for _, sessionID := range e.sessions {
			if err := h.Unblock(sessionID, "system:expiry"); err != nil {
				slog.Warn("Expiry unblock failed", "block", e.id, "session", sessionID, "error", err)
			}
		}
	}
}

// removeNode drops a node record and its slice of the session mirror. The
// mirrored sessions become unknown until the node re-registers and sends
// fresh session updates.
func (h *Hub) removeNode(n *nodePeer) {
	h.mu.Lock()
	if current, ok := h.nodes[n.agentID]; ok && current == n {
		delete(h.nodes, n.agentID)
		for id, entry := range h.mirror {
			if entry.nodeID == n.agentID {
				delete(h.mirror, id)
			}
		}
	}
	h.mu.Unlock()
}

// updateMirror applies one session_update from a node.
func (h *Hub) updateMirror(nodeID string, state proto.SessionState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state.Status == "closed" {
		delete(h.mirror, state.ID)
		return
	}
	state.NodeID = nodeID
	h.mirror[state.ID] = mirrorEntry{state: state, nodeID: nodeID, updatedAt: time.Now()}
}

// BlockAll issues an emergency block covering every mirrored session at this
// instant and fans it out to every connected node concurrently. Sessions
// created afterwards are unaffected. A node being unreachable does not abort
// the broadcast; the confirmations that do arrive are relayed as they come.
func (h *Hub) BlockAll(reason, issuer string, expiresIn time.Duration) (*proto.BlockCommand, error) {
	cmd := newCommand(proto.BlockKindEmergency, reason, issuer, expiresIn)

	h.mu.Lock()
	nodeBySession := make(map[string]string)
	perNode := make(map[string][]string)
	for id, entry := range h.mirror {
		cmd.Affected = append(cmd.Affected, id)
		nodeBySession[id] = entry.nodeID
		perNode[entry.nodeID] = append(perNode[entry.nodeID], id)
	}
	cmd.Retired = len(cmd.Affected) == 0
	if !cmd.Retired {
		h.active[cmd.ID] = &activeCommand{cmd: cmd, nodeBySession: nodeBySession}
	}
	targets := make(map[*nodePeer][]string)
	for nodeID, ids := range perNode {
		if n, ok := h.nodes[nodeID]; ok {
			targets[n] = ids
		}
	}
	h.mu.Unlock()

	if err := h.store.Append(*cmd); err != nil {
		slog.Error("Failed to persist block command", "block", cmd.ID, "error", err)
	}

	for n, ids := range targets {
		n.enqueue(proto.Message{
			Type:             proto.TypeEmergencyBlock,
			BlockID:          cmd.ID,
			Severity:         cmd.Kind,
			Text:             reason,
			Action:           "block",
			AffectedSessions: ids,
		})
	}

	slog.Info("Issued block_all", "block", cmd.ID, "issuer", issuer, "sessions", len(cmd.Affected))
	return cmd, nil
}

// BlockSession issues an admin block for one mirrored session and directs it
// to the owning node only.
func (h *Hub) BlockSession(sessionID, reason, issuer string, expiresIn time.Duration) (*proto.BlockCommand, error) {
	h.mu.Lock()
	entry, ok := h.mirror[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	node, online := h.nodes[entry.nodeID]

	cmd := newCommand(proto.BlockKindAdmin, reason, issuer, expiresIn)
	cmd.Affected = []string{sessionID}
	h.active[cmd.ID] = &activeCommand{
		cmd:           cmd,
		nodeBySession: map[string]string{sessionID: entry.nodeID},
	}
	h.mu.Unlock()

	if err := h.store.Append(*cmd); err != nil {
		slog.Error("Failed to persist block command", "block", cmd.ID, "error", err)
	}

	if online {
		node.enqueue(proto.Message{
			Type:             proto.TypeEmergencyBlock,
			BlockID:          cmd.ID,
			Severity:         cmd.Kind,
			Text:             reason,
			Action:           "block",
			AffectedSessions: []string{sessionID},
		})
	} else {
		slog.Warn("Owning node offline, block recorded but not delivered", "block", cmd.ID, "node", entry.nodeID)
	}

	slog.Info("Issued block_session", "block", cmd.ID, "session", sessionID, "issuer", issuer)
	return cmd, nil
}

// Unblock removes sessionID from the effect of every active block command
// covering it, retires commands whose affected set becomes empty, and
// instructs the owning node to lift the block.
func (h *Hub) Unblock(sessionID, adminUser string) error {
	h.mu.Lock()
	var covering []*activeCommand
	for _, ac := range h.active {
		for _, id := range ac.cmd.Affected {
			if id == sessionID {
				covering = append(covering, ac)
				break
			}
		}
	}
	if len(covering) == 0 {
		h.mu.Unlock()
		return fmt.Errorf("no active block covers session %s", sessionID)
	}

	var owningNode string
	for _, ac := range covering {
		// A fresh slice: snapshots handed out earlier keep the old set.
		kept := make([]string, 0, len(ac.cmd.Affected))
		for _, id := range ac.cmd.Affected {
			if id != sessionID {
				kept = append(kept, id)
			}
		}
		ac.cmd.Affected = kept
		if owningNode == "" {
			owningNode = ac.nodeBySession[sessionID]
		}
		if len(kept) == 0 {
			ac.cmd.Retired = true
			delete(h.active, ac.cmd.ID)
		}
		// Persisted under the lock: the command stays shared with concurrent
		// unblocks and expiry, and the write order must match the mutation
		// order or a stale affected set could win.
		if err := h.store.UpdateAffected(ac.cmd.ID, kept, ac.cmd.Retired); err != nil {
			slog.Error("Failed to persist unblock", "block", ac.cmd.ID, "error", err)
		}
	}
	node, online := h.nodes[owningNode]
	h.mu.Unlock()

	if online {
		node.enqueue(proto.Message{
			Type:      proto.TypeUnblockSession,
			SessionID: sessionID,
			AdminUser: adminUser,
		})
	}

	h.broadcastToAdmins(proto.Message{
		Type:      proto.TypeBlockUpdate,
		Action:    "unblocked",
		SessionID: sessionID,
		AdminUser: adminUser,
	})

	slog.Info("Unblocked session", "session", sessionID, "by", adminUser)
	return nil
}

// Snapshot builds the status reply for an admin get_status request.
func (h *Hub) Snapshot() *proto.StatusSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := &proto.StatusSnapshot{
		Nodes:        []proto.NodeStatus{},
		Sessions:     []proto.SessionState{},
		ActiveBlocks: []proto.BlockCommand{},
	}

	counts := make(map[string]int)
	for _, entry := range h.mirror {
		snap.Sessions = append(snap.Sessions, entry.state)
		counts[entry.nodeID]++
	}
	for _, n := range h.nodes {
		snap.Nodes = append(snap.Nodes, proto.NodeStatus{
			AgentID:       n.agentID,
			AgentType:     n.agentType,
			Capabilities:  n.capabilities,
			ConnectedAt:   n.connectedAt,
			LastHeartbeat: n.heartbeatAt(),
			SessionCount:  counts[n.agentID],
		})
	}
	for _, ac := range h.active {
		snap.ActiveBlocks = append(snap.ActiveBlocks, *ac.cmd)
	}
	return snap
}

// History returns the persisted block command history, newest first.
func (h *Hub) History(limit int) ([]proto.BlockCommand, error) {
	return h.store.History(limit)
}

// broadcastToAdmins fans a message out to every connected admin peer.
func (h *Hub) broadcastToAdmins(msg proto.Message) {
	h.mu.Lock()
	admins := make([]*adminPeer, 0, len(h.admins))
	for _, a := range h.admins {
		admins = append(admins, a)
	}
	h.mu.Unlock()

	for _, a := range admins {
		a.enqueue(msg)
	}
}

// NodeCount returns the number of registered nodes.
func (h *Hub) NodeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nodes)
}

// MirrorSize returns the number of mirrored sessions.
func (h *Hub) MirrorSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mirror)
}

func newCommand(kind, reason, issuer string, expiresIn time.Duration) *proto.BlockCommand {
	cmd := &proto.BlockCommand{
		ID:       uuid.NewString(),
		Kind:     kind,
		Reason:   reason,
		IssuedBy: issuer,
		IssuedAt: time.Now().UTC(),
	}
	if expiresIn > 0 {
		t := cmd.IssuedAt.Add(expiresIn)
		cmd.ExpiresAt = &t
	}
	return cmd
}
