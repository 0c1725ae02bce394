// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relay-foundation/relay/format"
	"github.com/relay-foundation/relay/session"
	"github.com/relay-foundation/relay/telegram"
)

// topicCreateTimeout bounds one createForumTopic call. Concurrent
// events for an unbound session all wait on the same in-flight
// creation; an unbounded wait here would stall every one of them.
const topicCreateTimeout = 5 * time.Second

// TopicCreator is the slice of the Telegram client the binder needs.
type TopicCreator interface {
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error)
}

// TopicBinder assigns each session its forum topic exactly once.
// Concurrent callers for the same session share one create call; the
// losers wait for the winner's result instead of racing Telegram into
// duplicate topics.
type TopicBinder struct {
	registry *session.Registry
	creator  TopicCreator
	chatID   int64
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*topicCreation

	// rootOnly is set after Telegram reports the chat is not a forum.
	// Every later session binds straight to the root thread without
	// another create attempt.
	rootOnly bool
}

type topicCreation struct {
	done    chan struct{}
	topicID int64
	err     error
}

// NewTopicBinder creates a binder posting into chatID.
func NewTopicBinder(registry *session.Registry, creator TopicCreator, chatID int64, logger *slog.Logger) *TopicBinder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicBinder{
		registry: registry,
		creator:  creator,
		chatID:   chatID,
		logger:   logger,
		inflight: make(map[string]*topicCreation),
	}
}

// EnsureTopic returns the session's topic id, creating and binding the
// topic on first need. A create failure leaves the session unbound so
// the next event retries; the caller decides where to post meanwhile.
func (b *TopicBinder) EnsureTopic(ctx context.Context, s session.Session) (int64, error) {
	if s.TopicBound {
		return s.TopicID, nil
	}

	b.mu.Lock()
	if b.rootOnly {
		b.mu.Unlock()
		return b.bindRoot(ctx, s.ID)
	}
	creation, inflight := b.inflight[s.ID]
	if !inflight {
		creation = &topicCreation{done: make(chan struct{})}
		b.inflight[s.ID] = creation
	}
	b.mu.Unlock()

	if inflight {
		select {
		case <-creation.done:
			return creation.topicID, creation.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	creation.topicID, creation.err = b.create(ctx, s)
	b.mu.Lock()
	delete(b.inflight, s.ID)
	b.mu.Unlock()
	close(creation.done)
	return creation.topicID, creation.err
}

func (b *TopicBinder) create(ctx context.Context, s session.Session) (int64, error) {
	// Re-check under the in-flight guard: another daemon path (a
	// previous event's winner) may have bound while this caller was
	// queueing.
	current, ok, err := b.registry.Get(ctx, s.ID)
	if err != nil {
		return 0, err
	}
	if ok && current.TopicBound {
		return current.TopicID, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, topicCreateTimeout)
	defer cancel()

	name := format.TopicName(s.ID, s.ProjectDir)
	topicID, err := b.creator.CreateForumTopic(createCtx, b.chatID, name)
	if errors.Is(err, telegram.ErrTopicsUnsupported) {
		b.mu.Lock()
		b.rootOnly = true
		b.mu.Unlock()
		b.logger.Warn("chat has no forum topics, all sessions share the root thread",
			"chat_id", b.chatID,
		)
		return b.bindRoot(ctx, s.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("relayd: creating topic for session %s: %w", s.ID, err)
	}

	if err := b.registry.BindTopic(ctx, s.ID, topicID); err != nil {
		return 0, fmt.Errorf("relayd: binding topic %d to session %s: %w", topicID, s.ID, err)
	}
	b.logger.Info("topic bound", "session_id", s.ID, "topic_id", topicID, "name", name)
	return topicID, nil
}

// bindRoot binds the session to the chat's root thread (topic id 0).
// This is an explicit binding, recorded like any other, so the session
// never re-attempts topic creation.
func (b *TopicBinder) bindRoot(ctx context.Context, sessionID string) (int64, error) {
	if err := b.registry.BindTopic(ctx, sessionID, 0); err != nil {
		return 0, fmt.Errorf("relayd: binding root thread to session %s: %w", sessionID, err)
	}
	return 0, nil
}
