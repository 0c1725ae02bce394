// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package session holds the authoritative, persisted map of agent
// session → lifecycle state, topic binding, and terminal target.
//
// Every mutation path in the daemon (inbound hook events, the topic
// binder, the reaper, the control socket) goes through Registry, which
// serializes mutations and persists them synchronously before
// returning. A crash immediately after a state change never loses it.
package session

import "time"

// Status is a session's lifecycle state. Deliberately not a boolean:
// an ended session is kept and can be reactivated by any new event
// addressed to its id.
type Status string

const (
	// StatusActive means the agent run is (as far as we know) live.
	StatusActive Status = "active"
	// StatusEnded means the session ended, explicitly or via the
	// reaper. The row is retained for reactivation and history.
	StatusEnded Status = "ended"
)

// Session is one continuous run of the coding agent.
type Session struct {
	// ID is the opaque identifier supplied by the agent, stable for
	// the agent's entire run.
	ID string

	Status Status

	// TopicID is the bound forum topic thread. Valid only when
	// TopicBound is true; a session has at most one bound topic for
	// its lifetime. TopicID zero with TopicBound true means the chat
	// has no forum support and the session posts to the root thread.
	TopicID    int64
	TopicBound bool

	// TerminalTarget is the tmux pane receiving injected input, or
	// empty when the agent is not running in an injectable terminal.
	TerminalTarget string

	// ProjectDir and Hostname are descriptive metadata, immutable
	// after creation.
	ProjectDir string
	Hostname   string

	// LastActivity is updated on every inbound event for the session.
	LastActivity time.Time

	// CreatedAt is immutable.
	CreatedAt time.Time
}

// Meta is the session metadata carried by the first event seen for an
// id. ProjectDir and Hostname are recorded once; TerminalTarget may be
// updated later when the agent moves panes.
type Meta struct {
	ProjectDir     string
	Hostname       string
	TerminalTarget string
}
