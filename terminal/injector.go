// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal injects text into tmux panes and checks that they
// are still alive.
//
// A session's terminalTarget names the tmux pane its agent runs in
// ("%5", or "session:window.pane"). Replies typed in chat are injected
// into that pane with send-keys so they reach the agent exactly as if
// the user had typed them. The reaper uses the same package to decide
// whether a silent session still has a terminal behind it.
package terminal

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Injector targets one tmux server. An empty socket path targets the
// user's default server, which is the normal deployment: the agent
// runs in the user's own tmux.
type Injector struct {
	socketPath string
	logger     *slog.Logger
}

// New returns an Injector. socketPath selects a specific tmux server
// socket; empty means the default server.
func New(socketPath string, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{socketPath: socketPath, logger: logger}
}

// run executes a tmux subcommand, injecting -S when a socket path is
// configured, and returns the combined output.
func (in *Injector) run(args ...string) (string, error) {
	full := args
	if in.socketPath != "" {
		full = append([]string{"-S", in.socketPath}, args...)
	}
	cmd := exec.Command("tmux", full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// SendText types text into the target pane followed by Enter. The text
// goes through send-keys -l so tmux treats it literally: no key-name
// expansion, a reply of "Enter" arrives as the word, not the key.
func (in *Injector) SendText(target, text string) error {
	if target == "" {
		return fmt.Errorf("terminal: empty target")
	}
	if _, err := in.run("send-keys", "-t", target, "-l", "--", text); err != nil {
		return fmt.Errorf("terminal: inject into %q: %w", target, err)
	}
	if _, err := in.run("send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("terminal: submit in %q: %w", target, err)
	}
	in.logger.Debug("text injected", "target", target, "bytes", len(text))
	return nil
}

// PaneExists reports whether the target pane is known to the tmux
// server. False when the pane, the session, or the whole server is
// gone. Some tmux versions print nothing and still exit zero for an
// unknown target, so only a non-empty pane id counts.
func (in *Injector) PaneExists(target string) bool {
	output, err := in.run("display-message", "-t", target, "-p", "#{pane_id}")
	if err != nil {
		return false
	}
	return strings.TrimSpace(output) != ""
}

// PanePID returns the process ID of the command running in the target
// pane.
func (in *Injector) PanePID(target string) (int, error) {
	output, err := in.run("display-message", "-t", target, "-p", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("terminal: pane PID for %q: %w", target, err)
	}
	pid, parseErr := strconv.Atoi(strings.TrimSpace(output))
	if parseErr != nil {
		return 0, fmt.Errorf("terminal: parsing pane PID %q: %w", strings.TrimSpace(output), parseErr)
	}
	return pid, nil
}

// TargetAlive reports whether the pane exists and its process is still
// running. With remain-on-exit the pane can outlive its process, so
// the PID is probed with a null signal rather than trusting pane
// existence alone. EPERM means the process exists but belongs to
// another user, which still counts as alive.
func (in *Injector) TargetAlive(target string) bool {
	if !in.PaneExists(target) {
		return false
	}
	pid, err := in.PanePID(target)
	if err != nil {
		return false
	}
	killErr := unix.Kill(pid, 0)
	return killErr == nil || killErr == unix.EPERM
}
