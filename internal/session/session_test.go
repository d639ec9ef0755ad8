package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shellfleet/shellfleet/internal/pty"
)

// fakeTerminal is an in-memory Terminal. Output is fed through emit; input
// written by the session is captured for assertions.
type fakeTerminal struct {
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	input  bytes.Buffer
	resize []string
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

// emit makes data available to the session's read loop.
func (ft *fakeTerminal) emit(data []byte) {
	select {
	case ft.out <- data:
	case <-ft.done:
	}
}

// endStream simulates the child process exiting: the pending read returns EOF
// without anyone having called Close.
func (ft *fakeTerminal) endStream() {
	ft.once.Do(func() { close(ft.done) })
}

func (ft *fakeTerminal) Read(p []byte) (int, error) {
	select {
	case data := <-ft.out:
		return copy(p, data), nil
	case <-ft.done:
		return 0, io.EOF
	}
}

func (ft *fakeTerminal) Write(p []byte) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.input.Write(p)
}

func (ft *fakeTerminal) Resize(cols, rows uint16) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.resize = append(ft.resize, fmt.Sprintf("%dx%d", cols, rows))
	return nil
}

func (ft *fakeTerminal) Close() error {
	ft.once.Do(func() { close(ft.done) })
	return nil
}

func (ft *fakeTerminal) inputString() string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.input.String()
}

// fakeStarter hands out fakeTerminals in creation order.
type fakeStarter struct {
	mu        sync.Mutex
	terminals []*fakeTerminal
	dirs      []string
	failNext  bool
}

func (fs *fakeStarter) Start(cmd *exec.Cmd, cols, rows uint16) (pty.Terminal, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failNext {
		fs.failNext = false
		return nil, errors.New("spawn refused")
	}
	ft := newFakeTerminal()
	fs.terminals = append(fs.terminals, ft)
	fs.dirs = append(fs.dirs, cmd.Dir)
	return ft, nil
}

func (fs *fakeStarter) terminal(i int) *fakeTerminal {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.terminals[i]
}

// recorder captures every broadcast, separating output chunks from the
// distinguished nil closed signal.
type recorder struct {
	mu      sync.Mutex
	outputs map[string][]byte
	closed  map[string]int
}

func newRecorder() *recorder {
	return &recorder{outputs: make(map[string][]byte), closed: make(map[string]int)}
}

func (r *recorder) Broadcast(sessionID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data == nil {
		r.closed[sessionID]++
		return
	}
	r.outputs[sessionID] = append(r.outputs[sessionID], data...)
}

func (r *recorder) output(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.outputs[id])
}

func (r *recorder) closedCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed[id]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeStarter, *recorder) {
	t.Helper()
	if cfg.CloseGracePeriod == 0 {
		cfg.CloseGracePeriod = 50 * time.Millisecond
	}
	fs := &fakeStarter{}
	rec := newRecorder()
	return NewRegistry(cfg, fs, rec), fs, rec
}

func TestCreateStreamsAndReplays(t *testing.T) {
	r, fs, rec := newTestRegistry(t, Config{})

	res, err := r.CreateOrAttach("s1", "c1", Requester{Subject: "alice"}, "")
	if err != nil {
		t.Fatalf("CreateOrAttach failed: %v", err)
	}
	if !res.Created {
		t.Error("expected Created=true for a new id")
	}

	fs.terminal(0).emit([]byte("hello "))
	fs.terminal(0).emit([]byte("world"))
	waitFor(t, func() bool { return strings.Contains(rec.output("s1"), "hello world") },
		"output was not broadcast")

	// A late attacher replays everything produced so far.
	res2, err := r.CreateOrAttach("s1", "c2", Requester{Subject: "bob"}, "")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if res2.Created {
		t.Error("expected attach, got create")
	}
	var replay []byte
	res2.Session.SyncStream(func(r []byte) { replay = append([]byte(nil), r...) })
	if !strings.Contains(string(replay), "hello world") {
		t.Errorf("replay = %q, want it to contain %q", replay, "hello world")
	}
}

func TestSyncStreamSnapshotMatchesDeliveredOutput(t *testing.T) {
	r, fs, rec := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	s, _ := r.Get("s1")

	// Emit chunks while repeatedly snapshotting. Both the replay buffer and
	// the broadcast stream advance under the same seam, so inside SyncStream
	// they must always agree byte for byte, whatever the read loop is doing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			fs.terminal(0).emit([]byte(fmt.Sprintf("%03d;", i)))
		}
	}()

	for i := 0; i < 100; i++ {
		s.SyncStream(func(replay []byte) {
			if got := rec.output("s1"); got != string(replay) {
				t.Fatalf("broadcast stream diverged from replay:\nreplay    = %q\nbroadcast = %q", replay, got)
			}
		})
	}
	<-done
}

func TestInputReachesTerminal(t *testing.T) {
	r, fs, _ := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	s, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := s.Write([]byte("ls -la\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := fs.terminal(0).inputString(); got != "ls -la\n" {
		t.Errorf("terminal input = %q, want %q", got, "ls -la\n")
	}
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	r, fs, rec := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	fs.terminal(0).emit([]byte{'o', 'k', 0xff, 0xfe})

	waitFor(t, func() bool { return strings.Contains(rec.output("s1"), "ok") },
		"output was not broadcast")
	if strings.ContainsRune(rec.output("s1"), 0xff) {
		t.Error("invalid bytes leaked into the output stream")
	}
	if !strings.Contains(rec.output("s1"), "�") {
		t.Error("invalid bytes were dropped instead of replaced")
	}
}

func TestBannerInjectedIntoStream(t *testing.T) {
	r, fs, rec := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	waitFor(t, func() bool { return strings.Contains(rec.output("s1"), "[session s1 attached]") },
		"banner was not injected")

	// The banner is part of the replay buffer too.
	s, _ := r.Get("s1")
	if !strings.Contains(string(s.Replay()), "[session s1 attached]") {
		t.Error("banner missing from replay buffer")
	}

	// And it went to the output stream, not to the child's stdin.
	if fs.terminal(0).inputString() != "" {
		t.Errorf("banner leaked into stdin: %q", fs.terminal(0).inputString())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r, _, rec := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	s, _ := r.Get("s1")

	s.Close("test")
	s.Close("test again")

	if got := rec.closedCount("s1"); got != 1 {
		t.Errorf("closed signal broadcast %d times, want 1", got)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
	if got := r.CloseReason("s1"); got != "test" {
		t.Errorf("CloseReason = %q, want the first reason %q", got, "test")
	}
}

func TestProcessExitClosesSession(t *testing.T) {
	r, fs, rec := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	fs.terminal(0).endStream()

	waitFor(t, func() bool { return rec.closedCount("s1") == 1 }, "closed signal not broadcast")
	if got := r.CloseReason("s1"); got != "process exited" {
		t.Errorf("CloseReason = %q, want %q", got, "process exited")
	}
}

func TestTombstonedIDIsNeverResurrected(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	alice := Requester{Subject: "alice", Addr: "10.0.0.1:1"}
	r.CreateOrAttach("s1", "c1", alice, "")
	s, _ := r.Get("s1")
	s.Close("done")

	res, err := r.CreateOrAttach("s1", "c2", alice, "")
	if err != nil {
		t.Fatalf("CreateOrAttach on tombstoned id failed: %v", err)
	}
	if !res.Closed {
		t.Fatal("expected a closed notice, got a live session")
	}
	if !res.IsOwner {
		t.Error("creator should be reported as owner")
	}

	res2, _ := r.CreateOrAttach("s1", "c3", Requester{Subject: "mallory", Addr: "10.9.9.9:1"}, "")
	if !res2.Closed {
		t.Fatal("expected a closed notice for the stranger too")
	}
	if res2.IsOwner {
		t.Error("stranger must not be reported as owner")
	}

	if _, err := r.Get("s1"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Get = %v, want ErrSessionClosed", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestGetUnknownID(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestSpawnFailureLeavesNoState(t *testing.T) {
	r, fs, _ := newTestRegistry(t, Config{})
	fs.failNext = true

	if _, err := r.CreateOrAttach("s1", "c1", Requester{}, ""); err == nil {
		t.Fatal("expected spawn error")
	}

	// The id was not tombstoned; a retry may create it.
	res, err := r.CreateOrAttach("s1", "c1", Requester{}, "")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !res.Created {
		t.Error("retry should create the session")
	}
}

func TestWorkDirOverride(t *testing.T) {
	r, fs, _ := newTestRegistry(t, Config{WorkDir: "/srv/default"})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	r.CreateOrAttach("s2", "c2", Requester{}, "/home/alice")

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs[0] != "/srv/default" {
		t.Errorf("dir = %q, want the configured default", fs.dirs[0])
	}
	if fs.dirs[1] != "/home/alice" {
		t.Errorf("dir = %q, want the requested override", fs.dirs[1])
	}
}

func TestOwnerMatching(t *testing.T) {
	tests := []struct {
		name  string
		owner Owner
		req   Requester
		want  bool
	}{
		{"same identity any address", Owner{Subject: "alice", Addr: "10.0.0.1:1"}, Requester{Subject: "alice", Addr: "10.2.2.2:9"}, true},
		{"different identity same address", Owner{Subject: "alice", Addr: "10.0.0.1:1"}, Requester{Subject: "bob", Addr: "10.0.0.1:1"}, false},
		{"no identities same address", Owner{Addr: "10.0.0.1:1"}, Requester{Addr: "10.0.0.1:1"}, true},
		{"no identities different address", Owner{Addr: "10.0.0.1:1"}, Requester{Addr: "10.0.0.2:1"}, false},
		{"owner anonymous requester identified falls back to address", Owner{Addr: "10.0.0.1:1"}, Requester{Subject: "bob", Addr: "10.0.0.1:1"}, true},
		{"both empty", Owner{}, Requester{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.owner.Matches(tt.req); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOwnershipSurvivesClosure(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{Subject: "alice", Addr: "10.0.0.1:1"}, "")
	s, _ := r.Get("s1")
	s.Close("done")

	owner, ok := r.Owner("s1")
	if !ok {
		t.Fatal("ownership record lost after closure")
	}
	if owner.Subject != "alice" {
		t.Errorf("owner subject = %q, want alice", owner.Subject)
	}
}

func TestBlockClosesAndRefusesRecreation(t *testing.T) {
	r, _, rec := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	r.CreateOrAttach("s2", "c2", Requester{}, "")

	confirmed := r.Block([]string{"s1", "missing", "s2"}, "incident")
	if len(confirmed) != 2 || confirmed[0] != "s1" || confirmed[1] != "s2" {
		t.Errorf("confirmed = %v, want [s1 s2]", confirmed)
	}

	waitFor(t, func() bool { return rec.closedCount("s1") == 1 && rec.closedCount("s2") == 1 },
		"blocked sessions were not closed")

	if _, err := r.CreateOrAttach("s1", "c3", Requester{}, ""); !errors.Is(err, ErrSessionBlocked) {
		t.Errorf("CreateOrAttach on blocked id = %v, want ErrSessionBlocked", err)
	}
	if !r.Blocked("s1") {
		t.Error("Blocked(s1) = false")
	}

	// Applying the same block again confirms nothing.
	if again := r.Block([]string{"s1"}, "incident"); len(again) != 0 {
		t.Errorf("second block confirmed %v, want none", again)
	}
}

func TestUnblockLiftsMarkerOnly(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{Subject: "alice"}, "")
	r.Block([]string{"s1"}, "incident")

	if !r.Unblock("s1") {
		t.Fatal("Unblock returned false for a blocked id")
	}
	if r.Unblock("s1") {
		t.Error("second Unblock should return false")
	}

	// The id stays tombstoned; unblocking does not resurrect the session.
	res, err := r.CreateOrAttach("s1", "c2", Requester{Subject: "alice"}, "")
	if err != nil {
		t.Fatalf("CreateOrAttach after unblock failed: %v", err)
	}
	if !res.Closed {
		t.Error("expected closed notice after unblock, got a live session")
	}
}

func TestAutoCloseOnLastDetach(t *testing.T) {
	r, _, rec := newTestRegistry(t, Config{AutoCloseOnDetach: true})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	r.CreateOrAttach("s1", "c2", Requester{}, "")
	s, _ := r.Get("s1")

	s.Detach("c1")
	if s.Closed() {
		t.Fatal("session closed while a subscriber remains")
	}
	s.Detach("c2")

	waitFor(t, func() bool { return rec.closedCount("s1") == 1 }, "session did not auto-close")
}

func TestClosedListenerFires(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	var mu sync.Mutex
	var gotID, gotReason string
	r.SetClosedListener(func(id, reason string) {
		mu.Lock()
		gotID, gotReason = id, reason
		mu.Unlock()
	})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	s, _ := r.Get("s1")
	s.Close("maintenance")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotID == "s1"
	}, "closed listener did not fire")

	mu.Lock()
	defer mu.Unlock()
	if gotReason != "maintenance" {
		t.Errorf("reason = %q, want maintenance", gotReason)
	}
}

func TestListSnapshotsLiveSessions(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{Subject: "alice", Addr: "10.0.0.1:1"}, "")
	r.CreateOrAttach("s2", "c2", Requester{Subject: "bob", Addr: "10.0.0.2:1"}, "")

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(infos))
	}
	byID := make(map[string]Info)
	for _, info := range infos {
		byID[info.ID] = info
	}
	if byID["s1"].User != "alice" || byID["s2"].User != "bob" {
		t.Errorf("List users wrong: %+v", byID)
	}
	for _, info := range infos {
		if info.Status != "running" {
			t.Errorf("session %s status = %q, want running", info.ID, info.Status)
		}
	}
}

func TestCloseAll(t *testing.T) {
	r, _, rec := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	r.CreateOrAttach("s2", "c2", Requester{}, "")
	r.CloseAll("shutdown")

	waitFor(t, func() bool { return rec.closedCount("s1") == 1 && rec.closedCount("s2") == 1 },
		"sessions were not closed")
	if r.Count() != 0 {
		t.Errorf("Count = %d after CloseAll, want 0", r.Count())
	}
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	r, fs, _ := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	s, _ := r.Get("s1")
	s.Close("done")

	if err := s.Write([]byte("too late")); err != nil {
		t.Errorf("Write after close returned %v, want nil", err)
	}
	if strings.Contains(fs.terminal(0).inputString(), "too late") {
		t.Error("write after close reached the terminal")
	}
}

func TestResize(t *testing.T) {
	r, fs, _ := newTestRegistry(t, Config{})

	r.CreateOrAttach("s1", "c1", Requester{}, "")
	s, _ := r.Get("s1")
	s.Resize(120, 40)

	ft := fs.terminal(0)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.resize) != 1 || ft.resize[0] != "120x40" {
		t.Errorf("resize calls = %v, want [120x40]", ft.resize)
	}
}
