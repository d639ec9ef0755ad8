package session

import (
	"errors"
	"sync"
	"time"

	"github.com/shellfleet/shellfleet/internal/pty"
)

var (
	// ErrNotFound is returned for session ids that were never created.
	ErrNotFound = errors.New("session not found")
	// ErrSessionClosed is returned for tombstoned session ids.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionBlocked is returned for session ids under an active block.
	ErrSessionBlocked = errors.New("session blocked")
)

// Owner records who created a session. Captured exactly once, at creation
// time, and preserved after the session closes so reconnection attempts can
// be answered.
type Owner struct {
	Subject    string // authenticated identity; empty when unavailable
	Addr       string // network address at creation time
	CapturedAt time.Time
}

// Requester identifies the peer asking to create or attach.
type Requester struct {
	Subject string
	Addr    string
}

// Matches resolves ownership: authenticated identity equality wins when both
// sides carry one; otherwise it falls back to network-address equality.
// A requester with the creator's identity matches from any address, and a
// requester from the creator's address with a different known identity does
// not.
func (o Owner) Matches(r Requester) bool {
	if o.Subject != "" && r.Subject != "" {
		return o.Subject == r.Subject
	}
	return o.Addr != "" && o.Addr == r.Addr
}

// Info is a snapshot of one live session, reported upward to the control
// hub's session mirror.
type Info struct {
	ID         string    `json:"id"`
	User       string    `json:"user,omitempty"`
	Addr       string    `json:"addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Status     string    `json:"status"`
}

// Config holds the per-node session defaults.
type Config struct {
	Shell             string
	WorkDir           string
	DefaultRows       uint16
	DefaultCols       uint16
	ReplayBufferSize  int
	CloseGracePeriod  time.Duration
	AutoCloseOnDetach bool
}

// Registry is the process-wide map of live sessions, the tombstone set of
// closed ids, and the ownership records that survive closure. All mutation
// is serialized behind one mutex; it is the only state shared between the
// bridge, the node link, and session read loops.
type Registry struct {
	cfg     Config
	starter pty.Starter
	bc      Broadcaster

	mu           sync.Mutex
	active       map[string]*Session
	tombstones   map[string]struct{}
	owners       map[string]Owner
	blocked      map[string]string // session id -> block reason
	closeReasons map[string]string // session id -> reason it closed

	// onClosed, when set, is notified after a session is tombstoned. The
	// node link uses it to push a closed session_update to the hub.
	onClosed func(id, reason string)
}

// NewRegistry creates an empty registry. The Broadcaster is injected once
// and shared by every session it creates.
func NewRegistry(cfg Config, starter pty.Starter, bc Broadcaster) *Registry {
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = 24
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = 80
	}
	return &Registry{
		cfg:          cfg,
		starter:      starter,
		bc:           bc,
		active:       make(map[string]*Session),
		tombstones:   make(map[string]struct{}),
		owners:       make(map[string]Owner),
		blocked:      make(map[string]string),
		closeReasons: make(map[string]string),
	}
}

// SetClosedListener registers a callback invoked after any session closes.
func (r *Registry) SetClosedListener(fn func(id, reason string)) {
	r.mu.Lock()
	r.onClosed = fn
	r.mu.Unlock()
}

// AttachResult is the outcome of CreateOrAttach. For a live session the
// caller delivers the replay buffer via Session.SyncStream, which keeps the
// snapshot atomic with its own subscription.
type AttachResult struct {
	Session *Session
	Created bool

	// Closed is set when the id is tombstoned: no session was created or
	// attached, and IsOwner tells the requester whether they created the
	// original.
	Closed  bool
	IsOwner bool
}

// CreateOrAttach attaches the requester to a live session, reports a closed
// notice for a tombstoned id, or creates a new session. A tombstoned id is never silently resurrected. Blocked ids
// are refused outright. workDir overrides the configured default working
// directory when non-empty; it only matters on creation.
func (r *Registry) CreateOrAttach(id, clientID string, req Requester, workDir string) (*AttachResult, error) {
	if id == "" {
		return nil, errors.New("empty session id")
	}

	r.mu.Lock()

	if _, isBlocked := r.blocked[id]; isBlocked {
		r.mu.Unlock()
		return nil, ErrSessionBlocked
	}

	if s, ok := r.active[id]; ok {
		r.mu.Unlock()
		if err := s.Attach(clientID); err != nil {
			// Lost the race with a concurrent close; report the closed notice.
			return r.closedNotice(id, req)
		}
		return &AttachResult{Session: s}, nil
	}

	if _, gone := r.tombstones[id]; gone {
		owner := r.owners[id]
		r.mu.Unlock()
		return &AttachResult{Closed: true, IsOwner: owner.Matches(req)}, nil
	}

	// New session. Capture ownership exactly once; it is never overwritten.
	owner := Owner{Subject: req.Subject, Addr: req.Addr, CapturedAt: time.Now().UTC()}
	r.mu.Unlock()

	if workDir == "" {
		workDir = r.cfg.WorkDir
	}
	s, err := newSession(sessionConfig{
		id:        id,
		spec:      pty.ShellSpec{Shell: r.cfg.Shell, WorkDir: workDir},
		rows:      r.cfg.DefaultRows,
		cols:      r.cfg.DefaultCols,
		bufSize:   r.cfg.ReplayBufferSize,
		grace:     r.cfg.CloseGracePeriod,
		autoClose: r.cfg.AutoCloseOnDetach,
		bc:        r.bc,
		starter:   r.starter,
		onClosed:  r.handleClosed,
	})
	if err != nil {
		// Spawn failure leaves no partially-registered session behind.
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.active[id]; ok {
		// Lost a creation race; keep the first session.
		r.mu.Unlock()
		s.Close("duplicate create")
		if attachErr := existing.Attach(clientID); attachErr != nil {
			return r.closedNotice(id, req)
		}
		return &AttachResult{Session: existing}, nil
	}
	r.active[id] = s
	r.owners[id] = owner
	r.mu.Unlock()

	if err := s.Attach(clientID); err != nil {
		return r.closedNotice(id, req)
	}
	return &AttachResult{Session: s, Created: true}, nil
}

func (r *Registry) closedNotice(id string, req Requester) (*AttachResult, error) {
	r.mu.Lock()
	owner := r.owners[id]
	r.mu.Unlock()
	return &AttachResult{Closed: true, IsOwner: owner.Matches(req)}, nil
}

// Get returns the live session for id. Tombstoned ids return
// ErrSessionClosed, unknown ids ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[id]; ok {
		return s, nil
	}
	if _, gone := r.tombstones[id]; gone {
		return nil, ErrSessionClosed
	}
	return nil, ErrNotFound
}

// Owner returns the ownership record for id, which survives closure.
func (r *Registry) Owner(id string) (Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[id]
	return o, ok
}

// handleClosed is the session close hook: it moves the id from the active
// map to the tombstone set. The ownership record is preserved.
func (r *Registry) handleClosed(id, reason string) {
	r.mu.Lock()
	delete(r.active, id)
	r.tombstones[id] = struct{}{}
	r.closeReasons[id] = reason
	listener := r.onClosed
	r.mu.Unlock()

	if listener != nil {
		listener(id, reason)
	}
}

// CloseReason returns why a tombstoned session closed.
func (r *Registry) CloseReason(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeReasons[id]
}

// Block closes every named session that is currently live and records a
// block marker refusing re-creation under that id until unblocked. Ids that
// are not live (unknown, already closed, already blocked) are skipped.
// Returns the subset actually blocked, in input order.
func (r *Registry) Block(ids []string, reason string) []string {
	var toClose []*Session
	var confirmed []string

	r.mu.Lock()
	for _, id := range ids {
		if _, already := r.blocked[id]; already {
			continue // applying a block twice is a no-op
		}
		s, ok := r.active[id]
		if !ok {
			continue
		}
		r.blocked[id] = reason
		toClose = append(toClose, s)
		confirmed = append(confirmed, id)
	}
	r.mu.Unlock()

	for _, s := range toClose {
		s.Close("blocked: " + reason)
	}
	return confirmed
}

// Unblock lifts the block marker for id. Returns false if id was not
// blocked. The session itself stays tombstoned; unblocking only re-permits
// the id-independent creation of new sessions by the same client.
func (r *Registry) Unblock(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocked[id]; !ok {
		return false
	}
	delete(r.blocked, id)
	return true
}

// Blocked reports whether id is under an active block.
func (r *Registry) Blocked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocked[id]
	return ok
}

// List snapshots every live session for the hub's session mirror.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.active))
	for id, s := range r.active {
		owner := r.owners[id]
		infos = append(infos, Info{
			ID:         id,
			User:       owner.Subject,
			Addr:       owner.Addr,
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActive(),
			Status:     "running",
		})
	}
	return infos
}

// CloseAll closes every live session. Used on node shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
