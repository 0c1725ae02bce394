// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON envelope exchanged between hook
// emitters and the bridge daemon over the local Unix socket.
//
// Each message is a single newline-terminated JSON object. Most event
// kinds are fire-and-forget: the emitter writes one envelope and
// disconnects. KindApprovalRequest is send-and-wait: the emitter keeps
// the connection open and blocks until the daemon writes back an
// approval_response envelope or the deadline passes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of hook event types. Unmarshaling rejects
// unknown kinds so a malformed or newer-protocol client fails loudly at
// the transport boundary instead of deep in dispatch.
type EventKind string

const (
	// KindSessionStart announces a new agent run.
	KindSessionStart EventKind = "session_start"
	// KindSessionEnd announces a clean end of the agent run.
	KindSessionEnd EventKind = "session_end"
	// KindUserInput carries text the user submitted in the terminal.
	KindUserInput EventKind = "user_input"
	// KindAgentResponse carries the agent's reply text.
	KindAgentResponse EventKind = "agent_response"
	// KindToolResult carries the output of a completed tool call.
	KindToolResult EventKind = "tool_result"
	// KindApprovalRequest asks whether a dangerous action may proceed.
	// Send-and-wait: the connection stays open for the decision.
	KindApprovalRequest EventKind = "approval_request"
	// KindError carries an agent-side error report.
	KindError EventKind = "error"
	// KindApprovalResponse is produced by the daemon back to a
	// send-and-wait caller; its Content is a Decision.
	KindApprovalResponse EventKind = "approval_response"
)

// Valid reports whether k is one of the defined event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindSessionStart, KindSessionEnd, KindUserInput, KindAgentResponse,
		KindToolResult, KindApprovalRequest, KindError, KindApprovalResponse:
		return true
	}
	return false
}

// UnmarshalJSON enforces the closed set.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := EventKind(s)
	if !kind.Valid() {
		return fmt.Errorf("protocol: unknown event kind %q", s)
	}
	*k = kind
	return nil
}

// Decision is a chat-originated answer to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionAbort   Decision = "abort"
)

// ContentTimeout is the approval_response content when no decision
// arrived before the deadline. It is not a Decision: the emitter must
// treat it as "ask the human through the original terminal prompt",
// never as an implicit allow or deny.
const ContentTimeout = "timeout"

// Valid reports whether d is one of the defined decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionAbort:
		return true
	}
	return false
}

// Envelope is the wire message. Timestamp is ISO-8601 (RFC 3339).
type Envelope struct {
	Type      EventKind `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Metadata carries kind-specific fields. All fields are optional; the
// daemon treats absent metadata the same as an empty struct.
type Metadata struct {
	// ProjectDir is the agent's working directory. Recorded once at
	// session creation.
	ProjectDir string `json:"projectDir,omitempty"`

	// Hostname is the machine the agent runs on. Recorded once at
	// session creation.
	Hostname string `json:"hostname,omitempty"`

	// TerminalTarget is the tmux pane the agent runs in (the value of
	// $TMUX_PANE), or empty when the agent is not inside tmux.
	TerminalTarget string `json:"terminalTarget,omitempty"`

	// ToolName and ToolInput describe the tool call behind a
	// tool_result or approval_request event.
	ToolName  string `json:"toolName,omitempty"`
	ToolInput string `json:"toolInput,omitempty"`

	// TimeoutSeconds bounds a send-and-wait call. Zero means the
	// daemon's configured approval timeout.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Parse decodes and validates one envelope.
func Parse(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: decoding envelope: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// Validate checks the envelope's required fields.
func (e *Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("protocol: missing or unknown event kind")
	}
	if e.SessionID == "" {
		return fmt.Errorf("protocol: sessionId is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("protocol: timestamp is required")
	}
	return nil
}

// NewApprovalResponse builds the envelope the daemon writes back to a
// send-and-wait caller. content is a Decision value or ContentTimeout.
func NewApprovalResponse(sessionID, content string, now time.Time) *Envelope {
	return &Envelope{
		Type:      KindApprovalResponse,
		SessionID: sessionID,
		Timestamp: now,
		Content:   content,
	}
}
