// Package session implements the PTY session engine: each Session owns one
// spawned shell process, streams its output to every attached subscriber in
// read order, and keeps a bounded replay buffer for late attachers. The
// Registry tracks live sessions, tombstones closed ids, and preserves
// ownership records across closure.
package session

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shellfleet/shellfleet/internal/pty"
)

// Broadcaster delivers one session's output to every attached client.
// A nil data slice signals that the session has closed; any other payload is
// an ordered output chunk. Implementations must not block the caller: the
// read loop's progress is independent of delivery.
type Broadcaster interface {
	Broadcast(sessionID string, data []byte)
}

// bannerSettleDelay is how long after spawn the introductory banner is
// injected into the output stream. The delay lets the shell print its own
// prompt first.
const bannerSettleDelay = 300 * time.Millisecond

// Session owns one PTY and its child shell process.
type Session struct {
	ID        string
	CreatedAt time.Time

	term  pty.Terminal
	cmd   *exec.Cmd
	ring  *pty.RingBuffer
	bc    Broadcaster
	grace time.Duration

	// autoClose closes the session when the last subscriber detaches.
	autoClose bool

	// onClosed is the registry hook that tombstones the id. Called exactly
	// once, outside the session lock.
	onClosed func(id, reason string)

	bannerTimer *time.Timer

	// streamMu serializes every ring-write+broadcast pair with SyncStream,
	// so an attacher's replay snapshot and its subscription are atomic with
	// respect to live output. Never held together with mu.
	streamMu sync.Mutex

	mu          sync.Mutex
	subscribers map[string]struct{}
	closed      bool
	lastActive  time.Time
}

type sessionConfig struct {
	id        string
	spec      pty.ShellSpec
	rows      uint16
	cols      uint16
	bufSize   int
	grace     time.Duration
	autoClose bool
	bc        Broadcaster
	starter   pty.Starter
	onClosed  func(id, reason string)
}

// newSession allocates the PTY, spawns the shell, and launches the read
// loop. On spawn failure no session state is left behind.
func newSession(cfg sessionConfig) (*Session, error) {
	cmd := cfg.spec.Command()
	term, err := cfg.starter.Start(cmd, cfg.cols, cfg.rows)
	if err != nil {
		return nil, fmt.Errorf("spawn shell: %w", err)
	}

	s := &Session{
		ID:          cfg.id,
		CreatedAt:   time.Now().UTC(),
		term:        term,
		cmd:         cmd,
		ring:        pty.NewRingBuffer(cfg.bufSize),
		bc:          cfg.bc,
		grace:       cfg.grace,
		autoClose:   cfg.autoClose,
		onClosed:    cfg.onClosed,
		subscribers: make(map[string]struct{}),
		lastActive:  time.Now().UTC(),
	}

	go s.readLoop()

	// The banner goes directly into the output stream, not into the child's
	// stdin, so it appears regardless of shell activity.
	s.bannerTimer = time.AfterFunc(bannerSettleDelay, s.injectBanner)

	return s, nil
}

// readLoop reads PTY output, buffers it, and fans it out. Delivery is
// fire-and-forget with respect to this loop: a slow subscriber never stalls
// reading. Read failure or end-of-stream closes the session.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			// Lossy decode: the wire format is JSON text, so invalid UTF-8
			// (e.g. a multi-byte sequence split across reads) is replaced.
			data := []byte(strings.ToValidUTF8(string(buf[:n]), "�"))
			s.streamMu.Lock()
			s.ring.Write(data)
			s.bc.Broadcast(s.ID, data)
			s.streamMu.Unlock()
			s.touch()
		}
		if err != nil {
			s.Close("process exited")
			return
		}
	}
}

// injectBanner writes the one-time introductory banner to the replay buffer
// and broadcasts it.
func (s *Session) injectBanner() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	banner := []byte(fmt.Sprintf("\r\n\x1b[2m[session %s attached]\x1b[0m\r\n", s.ID))
	s.streamMu.Lock()
	s.ring.Write(banner)
	s.bc.Broadcast(s.ID, banner)
	s.streamMu.Unlock()
}

// SyncStream runs fn with the output stream quiesced: fn receives the full
// replay buffer and no chunk is broadcast while it runs. A subscriber
// registered inside fn therefore sees replay plus subsequent live output as
// one contiguous stream, with no chunk lost, duplicated, or reordered across
// the attach seam. fn must not block on delivery.
func (s *Session) SyncStream(fn func(replay []byte)) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	fn(s.ring.Bytes())
}

// Write forwards input bytes to the PTY master. Writes after close are
// silently dropped; a write failure on a live session force-closes it.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	s.touch()
	if _, err := s.term.Write(p); err != nil {
		slog.Warn("PTY write failed, closing session", "session", s.ID, "error", err)
		s.Close("write failure")
	}
	return nil
}

// Resize applies a window-size update. Failures are logged and non-fatal;
// resizes after close are silently dropped.
func (s *Session) Resize(cols, rows uint16) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err := s.term.Resize(cols, rows); err != nil {
		slog.Warn("PTY resize failed", "session", s.ID, "cols", cols, "rows", rows, "error", err)
	}
}

// Replay returns the buffered output: the last min(total output, cap) bytes
// produced by this session.
func (s *Session) Replay() []byte {
	return s.ring.Bytes()
}

// Attach subscribes a client to this session's output.
func (s *Session) Attach(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.subscribers[clientID] = struct{}{}
	return nil
}

// Detach unsubscribes a client. When autoClose is set and the last
// subscriber detaches, the session is closed.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	delete(s.subscribers, clientID)
	shouldClose := s.autoClose && len(s.subscribers) == 0 && !s.closed
	s.mu.Unlock()

	if shouldClose {
		s.Close("last subscriber detached")
	}
}

// SubscriberCount returns the number of attached clients.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Close tears the session down: it stops the read loop by closing the PTY
// master, terminates the child (SIGTERM, then SIGKILL after the grace
// period), tombstones the id via the registry hook, and broadcasts the
// distinguished closed signal to all subscribers. Idempotent: a second call
// is a no-op.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.bannerTimer != nil {
		s.bannerTimer.Stop()
	}

	// Closing the master unblocks the read loop's pending Read.
	if err := s.term.Close(); err != nil {
		slog.Debug("PTY close", "session", s.ID, "error", err)
	}

	go s.reap()

	if s.onClosed != nil {
		s.onClosed(s.ID, reason)
	}

	slog.Info("Session closed", "session", s.ID, "reason", reason)

	// The closed signal goes through the seam too, so a subscriber registered
	// in SyncStream either sees it or was refused the attach, never neither.
	s.streamMu.Lock()
	s.bc.Broadcast(s.ID, nil)
	s.streamMu.Unlock()
}

// reap terminates the child gracefully, escalating to SIGKILL after the
// grace period, and waits for it so no zombie is left behind.
func (s *Session) reap() {
	if s.cmd.Process == nil {
		return
	}

	_ = s.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		_ = s.cmd.Process.Kill()
		<-done
	}
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LastActive returns the time of the most recent PTY read or write.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}
