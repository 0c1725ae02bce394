// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relay-foundation/relay/approval"
	"github.com/relay-foundation/relay/delivery"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/codec"
	"github.com/relay-foundation/relay/lib/service"
	"github.com/relay-foundation/relay/session"
)

// Control actions served on the control socket.
const (
	ActionStatus     = "status"
	ActionSessions   = "list-sessions"
	ActionEndSession = "end-session"
)

// StatusReport answers the status action.
type StatusReport struct {
	Sessions         int `cbor:"sessions"`
	ActiveSessions   int `cbor:"active_sessions"`
	PendingApprovals int `cbor:"pending_approvals"`
	QueueDepth       int `cbor:"queue_depth"`
}

// SessionSummary is one row of the list-sessions response.
type SessionSummary struct {
	ID             string    `cbor:"id"`
	Status         string    `cbor:"status"`
	ProjectDir     string    `cbor:"project_dir,omitempty"`
	Hostname       string    `cbor:"hostname,omitempty"`
	TerminalTarget string    `cbor:"terminal_target,omitempty"`
	TopicID        int64     `cbor:"topic_id"`
	TopicBound     bool      `cbor:"topic_bound"`
	LastActivity   time.Time `cbor:"last_activity"`
	CreatedAt      time.Time `cbor:"created_at"`
}

// SessionList answers the list-sessions action.
type SessionList struct {
	Sessions []SessionSummary `cbor:"sessions"`
}

// Controller serves the control socket actions against the live
// daemon state.
type Controller struct {
	registry  *session.Registry
	approvals *approval.Correlator
	pipeline  *delivery.Pipeline
	clock     clock.Clock
	logger    *slog.Logger
}

// NewController creates a Controller.
func NewController(registry *session.Registry, approvals *approval.Correlator, pipeline *delivery.Pipeline, clk clock.Clock, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry:  registry,
		approvals: approvals,
		pipeline:  pipeline,
		clock:     clk,
		logger:    logger,
	}
}

// Register installs the action handlers on the control server.
func (c *Controller) Register(server *service.Server) {
	server.Handle(ActionStatus, c.handleStatus)
	server.Handle(ActionSessions, c.handleSessions)
	server.Handle(ActionEndSession, c.handleEndSession)
}

func (c *Controller) handleStatus(ctx context.Context, raw []byte) (any, error) {
	sessions, err := c.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	active := 0
	for _, s := range sessions {
		if s.Status == session.StatusActive {
			active++
		}
	}
	return StatusReport{
		Sessions:         len(sessions),
		ActiveSessions:   active,
		PendingApprovals: c.approvals.PendingCount(),
		QueueDepth:       c.pipeline.Depth(),
	}, nil
}

func (c *Controller) handleSessions(ctx context.Context, raw []byte) (any, error) {
	sessions, err := c.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	list := SessionList{Sessions: make([]SessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		list.Sessions = append(list.Sessions, SessionSummary{
			ID:             s.ID,
			Status:         string(s.Status),
			ProjectDir:     s.ProjectDir,
			Hostname:       s.Hostname,
			TerminalTarget: s.TerminalTarget,
			TopicID:        s.TopicID,
			TopicBound:     s.TopicBound,
			LastActivity:   s.LastActivity,
			CreatedAt:      s.CreatedAt,
		})
	}
	return list, nil
}

func (c *Controller) handleEndSession(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		SessionID string `cbor:"session_id"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.SessionID == "" {
		return nil, fmt.Errorf("missing required field: session_id")
	}

	current, ok, err := c.registry.Get(ctx, request.SessionID)
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("unknown session %q", request.SessionID)
	}
	if current.Status == session.StatusEnded {
		return nil, nil
	}
	if err := c.registry.MarkEnded(ctx, request.SessionID); err != nil {
		return nil, fmt.Errorf("ending session: %w", err)
	}
	c.logger.Info("session ended via control socket", "session_id", request.SessionID)
	return nil, nil
}
