// Package pty provides the pseudo-terminal spawn abstraction and the
// bounded replay buffer used by terminal sessions.
package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Terminal is the master side of a spawned PTY. Read and Write are blocking
// OS operations; callers run them on dedicated goroutines.
type Terminal interface {
	io.ReadWriteCloser

	// Resize applies a window-size update to the PTY.
	Resize(cols, rows uint16) error
}

// Starter allocates a PTY pair and spawns cmd attached to the slave side.
// The session engine depends on this interface rather than a concrete
// primitive so tests can substitute an in-memory terminal.
type Starter interface {
	Start(cmd *exec.Cmd, cols, rows uint16) (Terminal, error)
}

// NewStarter returns the default creack/pty-backed Starter.
func NewStarter() Starter {
	return creackStarter{}
}

type creackStarter struct{}

func (creackStarter) Start(cmd *exec.Cmd, cols, rows uint16) (Terminal, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &creackTerminal{f: ptmx}, nil
}

// creackTerminal wraps the PTY master file handle.
type creackTerminal struct {
	f *os.File
}

func (t *creackTerminal) Read(p []byte) (int, error) {
	return t.f.Read(p)
}

func (t *creackTerminal) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

func (t *creackTerminal) Resize(cols, rows uint16) error {
	return pty.Setsize(t.f, &pty.Winsize{Rows: rows, Cols: cols})
}

func (t *creackTerminal) Close() error {
	return t.f.Close()
}
