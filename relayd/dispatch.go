// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relay-foundation/relay/approval"
	"github.com/relay-foundation/relay/dedup"
	"github.com/relay-foundation/relay/delivery"
	"github.com/relay-foundation/relay/format"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/protocol"
	"github.com/relay-foundation/relay/session"
	"github.com/relay-foundation/relay/telegram"
)

// enqueuer is the delivery pipeline surface the dispatcher drives.
type enqueuer interface {
	Enqueue(item delivery.Item)
}

// topicCloser closes a session's forum topic when the session ends.
type topicCloser interface {
	CloseForumTopic(ctx context.Context, chatID, threadID int64) error
}

// Dispatcher turns hook events into registry updates and outbound
// messages. It is the single place that decides what each event kind
// means.
type Dispatcher struct {
	registry  *session.Registry
	topics    *TopicBinder
	pipeline  enqueuer
	approvals *approval.Correlator
	dedup     *dedup.Filter
	closer    topicCloser
	clock     clock.Clock
	logger    *slog.Logger

	chatID          int64
	approvalTimeout time.Duration
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry  *session.Registry
	Topics    *TopicBinder
	Pipeline  enqueuer
	Approvals *approval.Correlator
	Dedup     *dedup.Filter
	Closer    topicCloser
	Clock     clock.Clock
	Logger    *slog.Logger

	ChatID          int64
	ApprovalTimeout time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.ApprovalTimeout
	if timeout <= 0 {
		timeout = approval.DefaultTimeout
	}
	return &Dispatcher{
		registry:        config.Registry,
		topics:          config.Topics,
		pipeline:        config.Pipeline,
		approvals:       config.Approvals,
		dedup:           config.Dedup,
		closer:          config.Closer,
		clock:           config.Clock,
		logger:          logger,
		chatID:          config.ChatID,
		approvalTimeout: timeout,
	}
}

// HandleEvent processes one envelope. The returned envelope, when
// non-nil, is the response the listener writes back to the hook;
// only approval requests produce one.
func (d *Dispatcher) HandleEvent(ctx context.Context, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	switch envelope.Type {
	case protocol.KindSessionStart:
		return nil, d.handleSessionStart(ctx, envelope)
	case protocol.KindSessionEnd:
		return nil, d.handleSessionEnd(ctx, envelope)
	case protocol.KindUserInput:
		return nil, d.handleUserInput(ctx, envelope)
	case protocol.KindAgentResponse, protocol.KindToolResult, protocol.KindError:
		return nil, d.handleNarration(ctx, envelope)
	case protocol.KindApprovalRequest:
		return d.handleApprovalRequest(ctx, envelope)
	case protocol.KindApprovalResponse:
		// Daemon-to-hook only; a hook must never send one.
		return nil, fmt.Errorf("relayd: unexpected %s from hook for session %s",
			envelope.Type, envelope.SessionID)
	default:
		return nil, fmt.Errorf("relayd: unhandled event kind %q", envelope.Type)
	}
}

func metaFromEnvelope(envelope *protocol.Envelope) session.Meta {
	if envelope.Metadata == nil {
		return session.Meta{}
	}
	return session.Meta{
		ProjectDir:     envelope.Metadata.ProjectDir,
		Hostname:       envelope.Metadata.Hostname,
		TerminalTarget: envelope.Metadata.TerminalTarget,
	}
}

// ensure registers activity for the envelope's session and resolves
// its destination topic. A topic creation failure is an error: the
// event must not fall through to some other thread, so it is dropped
// and the hook gets the diagnostic. The session stays unbound and the
// next event retries. The root thread is used only when the binder has
// recorded the chat as non-forum, which binds topic id 0 explicitly.
func (d *Dispatcher) ensure(ctx context.Context, envelope *protocol.Envelope) (session.EnsureResult, int64, error) {
	result, err := d.registry.Ensure(ctx, envelope.SessionID, metaFromEnvelope(envelope))
	if err != nil {
		return session.EnsureResult{}, 0, fmt.Errorf("relayd: upserting session %s: %w", envelope.SessionID, err)
	}
	topicID, err := d.topics.EnsureTopic(ctx, result.Session)
	if err != nil {
		return session.EnsureResult{}, 0, fmt.Errorf("relayd: resolving topic for session %s: %w", envelope.SessionID, err)
	}
	return result, topicID, nil
}

func (d *Dispatcher) enqueue(sessionID string, topicID int64, rendered format.Rendered, markup *telegram.InlineKeyboardMarkup) {
	d.pipeline.Enqueue(delivery.Item{
		SessionID:   sessionID,
		ChatID:      d.chatID,
		TopicID:     topicID,
		HTML:        rendered.HTML,
		Plain:       rendered.Plain,
		ReplyMarkup: markup,
	})
}

func (d *Dispatcher) handleSessionStart(ctx context.Context, envelope *protocol.Envelope) error {
	result, topicID, err := d.ensure(ctx, envelope)
	if err != nil {
		return err
	}
	// A retransmitted session_start for a session that is already
	// active announces nothing.
	if !result.Created && !result.Reactivated {
		return nil
	}
	d.enqueue(envelope.SessionID, topicID, format.Event(envelope), nil)
	return nil
}

func (d *Dispatcher) handleSessionEnd(ctx context.Context, envelope *protocol.Envelope) error {
	current, ok, err := d.registry.Get(ctx, envelope.SessionID)
	if err != nil {
		return fmt.Errorf("relayd: looking up session %s: %w", envelope.SessionID, err)
	}
	if !ok || current.Status == session.StatusEnded {
		// Unknown or already-ended session: nothing to announce.
		return nil
	}
	if err := d.registry.MarkEnded(ctx, envelope.SessionID); err != nil {
		return fmt.Errorf("relayd: ending session %s: %w", envelope.SessionID, err)
	}

	item := delivery.Item{
		SessionID: envelope.SessionID,
		ChatID:    d.chatID,
		TopicID:   current.TopicID,
	}
	rendered := format.Event(envelope)
	item.HTML, item.Plain = rendered.HTML, rendered.Plain
	if current.TopicBound && current.TopicID != 0 && d.closer != nil {
		topicID := current.TopicID
		// Close after the farewell lands, otherwise the pipeline finds
		// the topic closed and reopens it.
		item.Sent = func(*telegram.Message) {
			if err := d.closer.CloseForumTopic(context.Background(), d.chatID, topicID); err != nil {
				d.logger.Warn("close topic failed",
					"session_id", envelope.SessionID,
					"topic_id", topicID,
					"error", err,
				)
			}
		}
	}
	d.pipeline.Enqueue(item)
	return nil
}

func (d *Dispatcher) handleUserInput(ctx context.Context, envelope *protocol.Envelope) error {
	_, topicID, err := d.ensure(ctx, envelope)
	if err != nil {
		return err
	}
	// A user_input that matches a reply recently injected from chat is
	// that reply echoing back through the agent; reposting it would
	// show every chat message twice.
	if d.dedup.Suppress(envelope.SessionID, envelope.Content) {
		d.logger.Debug("suppressed echoed input", "session_id", envelope.SessionID)
		return nil
	}
	d.enqueue(envelope.SessionID, topicID, format.Event(envelope), nil)
	return nil
}

func (d *Dispatcher) handleNarration(ctx context.Context, envelope *protocol.Envelope) error {
	_, topicID, err := d.ensure(ctx, envelope)
	if err != nil {
		return err
	}
	d.enqueue(envelope.SessionID, topicID, format.Event(envelope), nil)
	return nil
}

func (d *Dispatcher) handleApprovalRequest(ctx context.Context, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	_, topicID, err := d.ensure(ctx, envelope)
	if err != nil {
		return nil, err
	}

	timeout := d.approvalTimeout
	if envelope.Metadata != nil && envelope.Metadata.TimeoutSeconds > 0 {
		timeout = time.Duration(envelope.Metadata.TimeoutSeconds) * time.Second
	}

	request, outcome := d.approvals.Create(envelope.SessionID, approvalDescription(envelope), timeout)
	d.enqueue(envelope.SessionID, topicID, format.ApprovalRequest(envelope, timeout), approvalKeyboard(request.ID))

	select {
	case result := <-outcome:
		return protocol.NewApprovalResponse(envelope.SessionID, result.WireContent(), d.clock.Now()), nil
	case <-ctx.Done():
		// Daemon shutdown. Resolve the pending approval so a late
		// button press gets "expired" instead of silence.
		d.approvals.Resolve(request.ID, approval.OutcomeAborted)
		return nil, ctx.Err()
	}
}

func approvalDescription(envelope *protocol.Envelope) string {
	if envelope.Metadata != nil && envelope.Metadata.ToolName != "" {
		return envelope.Metadata.ToolName
	}
	return "tool call"
}

// approvalKeyboard builds the decision buttons. The callback data
// format is "apr:<id>:<decision>"; with a UUID id it stays under
// Telegram's 64-byte callback data limit.
func approvalKeyboard(id string) *telegram.InlineKeyboardMarkup {
	return &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{{
			{Text: "✅ Approve", CallbackData: "apr:" + id + ":" + string(protocol.DecisionApprove)},
			{Text: "❌ Reject", CallbackData: "apr:" + id + ":" + string(protocol.DecisionReject)},
			{Text: "🛑 Abort", CallbackData: "apr:" + id + ":" + string(protocol.DecisionAbort)},
		}},
	}
}
