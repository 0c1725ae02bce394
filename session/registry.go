// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relay-foundation/relay/lib/clock"
)

// Registry owns all session mutations. It serializes writes through a
// single mutex and persists every change to the store before
// returning, so concurrent flows (listener, reaper, inbound router,
// control socket) observe a consistent, durable view.
type Registry struct {
	store  *Store
	clock  clock.Clock
	logger *slog.Logger

	mu sync.Mutex
}

// NewRegistry creates a registry over an open store.
func NewRegistry(store *Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, clock: clk, logger: logger}
}

// EnsureResult reports what Ensure did, so callers can order side
// effects (e.g. announce a reactivation before mirroring the event
// that caused it).
type EnsureResult struct {
	Session     Session
	Created     bool
	Reactivated bool
}

// Ensure returns the session with the given id, creating it on first
// use and reactivating it when its last known status was ended. It is
// idempotent in identity: any number of calls returns the session with
// that id. Every call updates LastActivity, and a non-empty
// Meta.TerminalTarget replaces the stored target (the agent may have
// moved panes between runs).
//
// The returned state is persisted before Ensure returns.
func (r *Registry) Ensure(ctx context.Context, id string, meta Meta) (EnsureResult, error) {
	if id == "" {
		return EnsureResult{}, fmt.Errorf("session: empty session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()

	existing, found, err := r.store.Get(ctx, id)
	if err != nil {
		return EnsureResult{}, err
	}

	if !found {
		created := Session{
			ID:             id,
			Status:         StatusActive,
			TerminalTarget: meta.TerminalTarget,
			ProjectDir:     meta.ProjectDir,
			Hostname:       meta.Hostname,
			LastActivity:   now,
			CreatedAt:      now,
		}
		if err := r.store.Put(ctx, created); err != nil {
			return EnsureResult{}, err
		}
		r.logger.Info("session created",
			"session_id", id,
			"project_dir", meta.ProjectDir,
			"hostname", meta.Hostname,
			"terminal_target", meta.TerminalTarget,
		)
		return EnsureResult{Session: created, Created: true}, nil
	}

	reactivated := existing.Status == StatusEnded
	existing.Status = StatusActive
	existing.LastActivity = now
	if meta.TerminalTarget != "" && meta.TerminalTarget != existing.TerminalTarget {
		existing.TerminalTarget = meta.TerminalTarget
	}

	if err := r.store.Put(ctx, existing); err != nil {
		return EnsureResult{}, err
	}
	if reactivated {
		r.logger.Info("session reactivated", "session_id", id)
	}
	return EnsureResult{Session: existing, Reactivated: reactivated}, nil
}

// BindTopic records the session's topic thread. Binding is
// write-once: rebinding to the same topic is a no-op, and rebinding to
// a different topic is a logged anomaly that keeps the original
// binding — a session's messages must never silently move threads.
func (r *Registry) BindTopic(ctx context.Context, id string, topicID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session: binding topic for unknown session %s", id)
	}

	if existing.TopicBound {
		if existing.TopicID != topicID {
			r.logger.Error("refusing to rebind session to a different topic",
				"session_id", id,
				"bound_topic", existing.TopicID,
				"requested_topic", topicID,
			)
		}
		return nil
	}

	existing.TopicID = topicID
	existing.TopicBound = true
	if err := r.store.Put(ctx, existing); err != nil {
		return err
	}
	r.logger.Info("session bound to topic", "session_id", id, "topic_id", topicID)
	return nil
}

// MarkEnded transitions the session to ended. Idempotent.
func (r *Registry) MarkEnded(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session: ending unknown session %s", id)
	}
	if existing.Status == StatusEnded {
		return nil
	}

	existing.Status = StatusEnded
	if err := r.store.Put(ctx, existing); err != nil {
		return err
	}
	r.logger.Info("session ended", "session_id", id)
	return nil
}

// Get returns the session with the given id, if any.
func (r *Registry) Get(ctx context.Context, id string) (Session, bool, error) {
	return r.store.Get(ctx, id)
}

// ByTopic resolves a topic thread back to its bound session.
func (r *Registry) ByTopic(ctx context.Context, topicID int64) (Session, bool, error) {
	return r.store.GetByTopic(ctx, topicID)
}

// List returns all sessions, oldest activity first.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	return r.store.List(ctx)
}

// Remove deletes a session row outright. Only the reaper calls this,
// for sessions that were already ended and have aged past retention.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Delete(ctx, id)
}
