package pty

import (
	"os"
	"os/exec"
)

// ShellSpec describes the shell process to spawn for a session.
type ShellSpec struct {
	Shell   string   // path to the shell binary; defaults to /bin/bash
	WorkDir string   // working directory; empty means inherit
	Env     []string // extra KEY=VALUE entries appended to the inherited environment
}

// Command assembles the exec.Cmd for the shell with the inherited
// environment plus TERM and any extra entries.
func (s ShellSpec) Command() *exec.Cmd {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, s.Env...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd
}
