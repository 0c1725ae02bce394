// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
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

// textInjector types a chat reply into the session's terminal.
type textInjector interface {
	SendText(target, text string) error
}

// callbackAnswerer acknowledges inline button presses.
type callbackAnswerer interface {
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
}

// Inbound routes Telegram updates: topic replies become terminal
// input, button presses become approval decisions, and a couple of
// slash commands answer questions about the daemon.
type Inbound struct {
	registry  *session.Registry
	approvals *approval.Correlator
	dedup     *dedup.Filter
	injector  textInjector
	pipeline  enqueuer
	answerer  callbackAnswerer
	clock     clock.Clock
	logger    *slog.Logger
	chatID    int64
}

// InboundConfig wires an Inbound router.
type InboundConfig struct {
	Registry  *session.Registry
	Approvals *approval.Correlator
	Dedup     *dedup.Filter
	Injector  textInjector
	Pipeline  enqueuer
	Answerer  callbackAnswerer
	Clock     clock.Clock
	Logger    *slog.Logger
	ChatID    int64
}

// NewInbound creates the router.
func NewInbound(config InboundConfig) *Inbound {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbound{
		registry:  config.Registry,
		approvals: config.Approvals,
		dedup:     config.Dedup,
		injector:  config.Injector,
		pipeline:  config.Pipeline,
		answerer:  config.Answerer,
		clock:     config.Clock,
		logger:    logger,
		chatID:    config.ChatID,
	}
}

// HandleUpdate processes one update from the long-poll watcher.
func (i *Inbound) HandleUpdate(ctx context.Context, update telegram.Update) {
	switch {
	case update.CallbackQuery != nil:
		i.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		i.handleMessage(ctx, update.Message)
	}
}

func (i *Inbound) handleMessage(ctx context.Context, message *telegram.Message) {
	if message.Chat.ID != i.chatID {
		return
	}
	if message.From != nil && message.From.IsBot {
		return
	}
	text := strings.TrimSpace(message.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		i.handleCommand(ctx, message, text)
		return
	}

	bound, ok, err := i.registry.ByTopic(ctx, message.MessageThreadID)
	if err != nil {
		i.logger.Error("topic lookup failed", "topic_id", message.MessageThreadID, "error", err)
		return
	}
	if !ok {
		i.notice(message.MessageThreadID, "No session is bound to this topic.")
		return
	}
	if bound.Status == session.StatusEnded {
		i.notice(message.MessageThreadID, "This session has ended; replies go nowhere.")
		return
	}
	if bound.TerminalTarget == "" {
		i.notice(message.MessageThreadID, "This session has no terminal attached; the reply cannot be delivered.")
		return
	}

	// Remember before injecting: the agent will echo this text back as
	// a user_input event, and the dispatcher must recognize it.
	i.dedup.Remember(bound.ID, text)
	if err := i.injector.SendText(bound.TerminalTarget, text); err != nil {
		i.logger.Error("injection failed",
			"session_id", bound.ID,
			"target", bound.TerminalTarget,
			"error", err,
		)
		i.notice(message.MessageThreadID, "Delivery to the terminal failed: "+err.Error())
		return
	}
	i.logger.Info("reply injected", "session_id", bound.ID, "target", bound.TerminalTarget)
}

func (i *Inbound) handleCommand(ctx context.Context, message *telegram.Message, text string) {
	command := text
	if index := strings.IndexAny(command, " @"); index >= 0 {
		command = command[:index]
	}
	switch command {
	case "/sessions":
		i.replySessions(ctx, message.MessageThreadID)
	default:
		i.notice(message.MessageThreadID, "Unknown command. Try /sessions.")
	}
}

func (i *Inbound) replySessions(ctx context.Context, topicID int64) {
	sessions, err := i.registry.List(ctx)
	if err != nil {
		i.logger.Error("session listing failed", "error", err)
		i.notice(topicID, "Listing sessions failed: "+err.Error())
		return
	}
	if len(sessions) == 0 {
		i.notice(topicID, "No sessions.")
		return
	}

	now := i.clock.Now()
	var builder strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&builder, "%s — %s, %s, idle %s\n",
			format.TopicName(s.ID, s.ProjectDir),
			s.Status,
			s.ID,
			now.Sub(s.LastActivity).Round(time.Second),
		)
	}
	i.notice(topicID, strings.TrimRight(builder.String(), "\n"))
}

func (i *Inbound) handleCallback(ctx context.Context, callback *telegram.CallbackQuery) {
	id, decision, ok := parseApprovalCallback(callback.Data)
	if !ok {
		i.logger.Warn("unrecognized callback data", "data", callback.Data)
		i.answer(ctx, callback.ID, "")
		return
	}

	outcome, valid := approval.OutcomeForDecision(decision)
	if !valid {
		i.logger.Warn("invalid decision in callback", "data", callback.Data)
		i.answer(ctx, callback.ID, "")
		return
	}

	if i.approvals.Resolve(id, outcome) {
		i.answer(ctx, callback.ID, decisionAcknowledgement(outcome))
	} else {
		// Second press, or a press after the deadline.
		i.answer(ctx, callback.ID, "This approval was already decided or expired.")
	}
}

func (i *Inbound) answer(ctx context.Context, callbackID, text string) {
	if err := i.answerer.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		i.logger.Debug("answering callback failed", "error", err)
	}
}

// notice posts a short status line into the topic the conversation
// came from.
func (i *Inbound) notice(topicID int64, text string) {
	i.pipeline.Enqueue(delivery.Item{
		ChatID:  i.chatID,
		TopicID: topicID,
		HTML:    html.EscapeString(text),
		Plain:   text,
	})
}

func parseApprovalCallback(data string) (id string, decision protocol.Decision, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != "apr" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], protocol.Decision(parts[2]), true
}

func decisionAcknowledgement(outcome approval.Outcome) string {
	switch outcome {
	case approval.OutcomeApproved:
		return "Approved."
	case approval.OutcomeRejected:
		return "Rejected."
	case approval.OutcomeAborted:
		return "Aborted."
	default:
		return ""
	}
}
