// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval correlates outbound approval requests with the
// decision that eventually answers them.
//
// Each pending approval is a tiny state machine: pending, then exactly
// one of approved, rejected, aborted, or timed out — all terminal. The
// originating hook connection blocks on the outcome channel; either an
// inbound chat decision resolves it, or the deadline timer does. There
// is no external cancellation path: a wait ends strictly by decision
// or by deadline.
package approval

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/protocol"
)

// Outcome is the terminal state of a pending approval.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeAborted  Outcome = "aborted"
	OutcomeTimedOut Outcome = "timed_out"
)

// DefaultTimeout bounds how long an approval waits for a chat
// decision.
const DefaultTimeout = 5 * time.Minute

// WireContent returns the approval_response content carrying this
// outcome back to the hook.
func (o Outcome) WireContent() string {
	switch o {
	case OutcomeApproved:
		return string(protocol.DecisionApprove)
	case OutcomeRejected:
		return string(protocol.DecisionReject)
	case OutcomeAborted:
		return string(protocol.DecisionAbort)
	default:
		return protocol.ContentTimeout
	}
}

// OutcomeForDecision maps an inbound chat decision to its outcome.
func OutcomeForDecision(d protocol.Decision) (Outcome, bool) {
	switch d {
	case protocol.DecisionApprove:
		return OutcomeApproved, true
	case protocol.DecisionReject:
		return OutcomeRejected, true
	case protocol.DecisionAbort:
		return OutcomeAborted, true
	default:
		return "", false
	}
}

// Request describes one pending approval.
type Request struct {
	// ID correlates the outbound chat message (button callback data)
	// with the inbound decision.
	ID string

	SessionID       string
	ToolDescription string

	// Deadline is when the request resolves to OutcomeTimedOut.
	Deadline time.Time
}

type pendingApproval struct {
	request Request
	outcome chan Outcome // buffered; receives exactly one value
	timer   *clock.Timer
}

// Correlator tracks pending approvals. Safe for concurrent use.
type Correlator struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(clk clock.Clock, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		clock:   clk,
		logger:  logger,
		pending: make(map[string]*pendingApproval),
	}
}

// Create registers a new pending approval and returns its request plus
// the channel that will deliver the single terminal outcome. A zero or
// negative timeout falls back to DefaultTimeout.
func (c *Correlator) Create(sessionID, toolDescription string, timeout time.Duration) (Request, <-chan Outcome) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	request := Request{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		ToolDescription: toolDescription,
		Deadline:        c.clock.Now().Add(timeout),
	}

	entry := &pendingApproval{
		request: request,
		outcome: make(chan Outcome, 1),
	}

	c.mu.Lock()
	c.pending[request.ID] = entry
	// Timer registration happens under the lock so Resolve cannot race
	// a half-created entry.
	entry.timer = c.clock.AfterFunc(timeout, func() {
		c.resolve(request.ID, OutcomeTimedOut, true)
	})
	c.mu.Unlock()

	c.logger.Info("approval pending",
		"approval_id", request.ID,
		"session_id", sessionID,
		"deadline", request.Deadline,
	)
	return request, entry.outcome
}

// Resolve delivers a decision for a pending approval. Returns false —
// with a warning logged — when the id matches nothing: the approval
// already resolved, or never existed. A second decision for the same
// id is therefore a no-op.
func (c *Correlator) Resolve(id string, outcome Outcome) bool {
	return c.resolve(id, outcome, false)
}

func (c *Correlator) resolve(id string, outcome Outcome, fromTimer bool) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		if !fromTimer {
			c.logger.Warn("decision for unknown or already-resolved approval",
				"approval_id", id,
				"outcome", outcome,
			)
		}
		return false
	}

	if !fromTimer {
		// Losing this race is fine: Stop returning false means the
		// timer callback already ran, but it found the entry gone.
		entry.timer.Stop()
	}

	entry.outcome <- outcome
	c.logger.Info("approval resolved",
		"approval_id", id,
		"session_id", entry.request.SessionID,
		"outcome", outcome,
	)
	return true
}

// PendingCount returns how many approvals are waiting. For the control
// socket's status report.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Lookup returns the pending request for id, if any. Used by the
// inbound router to validate a callback before answering it.
func (c *Correlator) Lookup(id string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[id]
	if !ok {
		return Request{}, false
	}
	return entry.request, true
}
