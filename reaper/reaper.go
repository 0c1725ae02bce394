// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package reaper retires sessions whose agent is gone.
//
// Agents that crash, or terminals that close mid-session, never send a
// session_end event. The reaper sweeps the registry on an interval and
// ends any session that is both stale (no activity past the threshold)
// and orphaned (its terminal pane is gone, or was reassigned to a
// newer session). Staleness alone is not enough: a long-running build
// with a live pane must survive the sweep.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relay-foundation/relay/delivery"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/session"
	"github.com/relay-foundation/relay/telegram"
)

// DefaultStaleThreshold is how long a session may sit without activity
// before it is a reap candidate.
const DefaultStaleThreshold = 72 * time.Hour

// DefaultInterval is the sweep cadence.
const DefaultInterval = 30 * time.Minute

// Liveness reports whether a terminal target still exists.
type Liveness interface {
	TargetAlive(target string) bool
}

// TopicCloser closes the forum topic of a reaped session.
type TopicCloser interface {
	CloseForumTopic(ctx context.Context, chatID, threadID int64) error
}

// Notifier posts the final notice into the session's topic.
type Notifier interface {
	Enqueue(item delivery.Item)
}

// Config configures a Reaper.
type Config struct {
	Registry *session.Registry
	Liveness Liveness
	Topics   TopicCloser
	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger

	// ChatID is the destination chat for final notices and topic
	// closes.
	ChatID int64

	// StaleThreshold and Interval default to DefaultStaleThreshold and
	// DefaultInterval when zero.
	StaleThreshold time.Duration
	Interval       time.Duration
}

// Reaper sweeps the session registry.
type Reaper struct {
	registry  *session.Registry
	liveness  Liveness
	topics    TopicCloser
	notifier  Notifier
	clock     clock.Clock
	logger    *slog.Logger
	chatID    int64
	threshold time.Duration
	interval  time.Duration
}

// New creates a Reaper. Call Run to start sweeping.
func New(config Config) *Reaper {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := config.StaleThreshold
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		registry:  config.Registry,
		liveness:  config.Liveness,
		topics:    config.Topics,
		notifier:  config.Notifier,
		clock:     config.Clock,
		logger:    logger,
		chatID:    config.ChatID,
		threshold: threshold,
		interval:  interval,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep examines every session once. Active sessions that are stale
// and orphaned get a final notice, their topic closed, and an ended
// status. Sessions already ended for a full threshold are purged from
// the registry.
func (r *Reaper) Sweep(ctx context.Context) error {
	sessions, err := r.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("reaper: list sessions: %w", err)
	}
	now := r.clock.Now()

	// Latest activity per terminal target, across active sessions.
	// A target whose freshest claimant is some other session has been
	// reassigned out from under this one.
	latest := make(map[string]string)
	activity := make(map[string]time.Time)
	for _, s := range sessions {
		if s.Status != session.StatusActive || s.TerminalTarget == "" {
			continue
		}
		if prev, ok := activity[s.TerminalTarget]; !ok || s.LastActivity.After(prev) {
			activity[s.TerminalTarget] = s.LastActivity
			latest[s.TerminalTarget] = s.ID
		}
	}

	for _, s := range sessions {
		idle := now.Sub(s.LastActivity)

		if s.Status == session.StatusEnded {
			if idle > r.threshold {
				if err := r.registry.Remove(ctx, s.ID); err != nil {
					r.logger.Error("purge failed", "session_id", s.ID, "error", err)
					continue
				}
				r.logger.Info("purged ended session", "session_id", s.ID, "idle", idle)
			}
			continue
		}

		if idle <= r.threshold {
			continue
		}
		if r.targetAlive(s, latest) {
			r.logger.Debug("stale session kept, terminal still live",
				"session_id", s.ID,
				"terminal_target", s.TerminalTarget,
				"idle", idle,
			)
			continue
		}
		r.reap(ctx, s, idle)
	}
	return nil
}

// targetAlive reports whether the session's terminal pane still exists
// and still belongs to it.
func (r *Reaper) targetAlive(s session.Session, latest map[string]string) bool {
	if s.TerminalTarget == "" {
		return false
	}
	if owner, ok := latest[s.TerminalTarget]; ok && owner != s.ID {
		return false
	}
	if r.liveness == nil {
		return false
	}
	return r.liveness.TargetAlive(s.TerminalTarget)
}

func (r *Reaper) reap(ctx context.Context, s session.Session, idle time.Duration) {
	closeTopic := func() {
		if !s.TopicBound || s.TopicID == 0 || r.topics == nil {
			return
		}
		// Background: the close may run from a delivery callback after
		// the sweep's context is gone.
		if err := r.topics.CloseForumTopic(context.Background(), r.chatID, s.TopicID); err != nil {
			r.logger.Warn("close topic failed",
				"session_id", s.ID,
				"topic_id", s.TopicID,
				"error", err,
			)
		}
	}
	if s.TopicBound && r.notifier != nil {
		text := fmt.Sprintf("Session %s ended: no activity for %s and its terminal is gone.",
			s.ID, idle.Round(time.Minute))
		r.notifier.Enqueue(delivery.Item{
			SessionID: s.ID,
			ChatID:    r.chatID,
			TopicID:   s.TopicID,
			HTML:      text,
			Plain:     text,
			// Close only after the notice lands, otherwise the
			// pipeline would find the topic closed and reopen it.
			Sent: func(*telegram.Message) { closeTopic() },
		})
	} else {
		closeTopic()
	}
	if err := r.registry.MarkEnded(ctx, s.ID); err != nil {
		r.logger.Error("mark ended failed", "session_id", s.ID, "error", err)
		return
	}
	r.logger.Info("reaped stale session",
		"session_id", s.ID,
		"terminal_target", s.TerminalTarget,
		"idle", idle,
	)
}
