// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relay-foundation/relay/approval"
	"github.com/relay-foundation/relay/dedup"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/testutil"
	"github.com/relay-foundation/relay/session"
	"github.com/relay-foundation/relay/telegram"
)

type fakeInjector struct {
	mu      sync.Mutex
	sent    []string
	targets []string
	err     error
}

func (f *fakeInjector) SendText(target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.targets = append(f.targets, target)
	f.sent = append(f.sent, text)
	return nil
}

type fakeAnswerer struct {
	answers chan string
}

func (f *fakeAnswerer) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	f.answers <- text
	return nil
}

type inboundFixture struct {
	inbound   *Inbound
	registry  *session.Registry
	approvals *approval.Correlator
	filter    *dedup.Filter
	injector  *fakeInjector
	pipeline  *capturePipeline
	answerer  *fakeAnswerer
}

func newInbound(t *testing.T) *inboundFixture {
	t.Helper()
	registry := testRegistry(t)
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fixture := &inboundFixture{
		registry:  registry,
		approvals: approval.NewCorrelator(fakeClock, slog.Default()),
		filter:    dedup.NewFilter(fakeClock, 10*time.Second),
		injector:  &fakeInjector{},
		pipeline:  newCapturePipeline(),
		answerer:  &fakeAnswerer{answers: make(chan string, 8)},
	}
	fixture.inbound = NewInbound(InboundConfig{
		Registry:  registry,
		Approvals: fixture.approvals,
		Dedup:     fixture.filter,
		Injector:  fixture.injector,
		Pipeline:  fixture.pipeline,
		Answerer:  fixture.answerer,
		Clock:     fakeClock,
		Logger:    slog.Default(),
		ChatID:    42,
	})
	return fixture
}

// boundSession registers an active session bound to topicID with a
// live terminal target.
func boundSession(t *testing.T, f *inboundFixture, id string, topicID int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.registry.Ensure(ctx, id, session.Meta{
		ProjectDir:     "/work/api",
		TerminalTarget: "%7",
	}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := f.registry.BindTopic(ctx, id, topicID); err != nil {
		t.Fatalf("BindTopic: %v", err)
	}
}

func topicMessage(topicID int64, text string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{
		MessageThreadID: topicID,
		Text:            text,
		Chat:            telegram.Chat{ID: 42},
		From:            &telegram.User{ID: 1001},
	}}
}

func TestReplyInjectedIntoTerminal(t *testing.T) {
	f := newInbound(t)
	boundSession(t, f, "sess-1", 7)

	f.inbound.HandleUpdate(context.Background(), topicMessage(7, "run the tests"))

	f.injector.mu.Lock()
	defer f.injector.mu.Unlock()
	if len(f.injector.sent) != 1 || f.injector.sent[0] != "run the tests" {
		t.Fatalf("injected %v", f.injector.sent)
	}
	if f.injector.targets[0] != "%7" {
		t.Fatalf("target %q", f.injector.targets[0])
	}
	// The reply must be remembered so its echo gets suppressed.
	if !f.filter.Suppress("sess-1", "run the tests") {
		t.Fatal("reply not remembered for echo suppression")
	}
}

func TestReplyToUnboundTopicGetsNotice(t *testing.T) {
	f := newInbound(t)
	f.inbound.HandleUpdate(context.Background(), topicMessage(9, "anyone there?"))

	item := testutil.RequireReceive(t, f.pipeline.items, time.Second)
	if !strings.Contains(item.Plain, "No session is bound") {
		t.Fatalf("notice %q", item.Plain)
	}
	if item.TopicID != 9 {
		t.Fatalf("notice topic %d", item.TopicID)
	}
	if len(f.injector.sent) != 0 {
		t.Fatalf("injected %v", f.injector.sent)
	}
}

func TestReplyToEndedSessionGetsNotice(t *testing.T) {
	f := newInbound(t)
	boundSession(t, f, "sess-1", 7)
	if err := f.registry.MarkEnded(context.Background(), "sess-1"); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	f.inbound.HandleUpdate(context.Background(), topicMessage(7, "too late"))

	item := testutil.RequireReceive(t, f.pipeline.items, time.Second)
	if !strings.Contains(item.Plain, "ended") {
		t.Fatalf("notice %q", item.Plain)
	}
	if len(f.injector.sent) != 0 {
		t.Fatalf("injected %v", f.injector.sent)
	}
}

func TestInjectionFailureReportedToTopic(t *testing.T) {
	f := newInbound(t)
	boundSession(t, f, "sess-1", 7)
	f.injector.err = context.DeadlineExceeded

	f.inbound.HandleUpdate(context.Background(), topicMessage(7, "run the tests"))

	item := testutil.RequireReceive(t, f.pipeline.items, time.Second)
	if !strings.Contains(item.Plain, "Delivery to the terminal failed") {
		t.Fatalf("notice %q", item.Plain)
	}
}

func TestWrongChatAndBotMessagesIgnored(t *testing.T) {
	f := newInbound(t)
	boundSession(t, f, "sess-1", 7)

	wrongChat := topicMessage(7, "hello")
	wrongChat.Message.Chat.ID = 99
	f.inbound.HandleUpdate(context.Background(), wrongChat)

	fromBot := topicMessage(7, "hello")
	fromBot.Message.From.IsBot = true
	f.inbound.HandleUpdate(context.Background(), fromBot)

	if len(f.injector.sent) != 0 {
		t.Fatalf("injected %v", f.injector.sent)
	}
	select {
	case item := <-f.pipeline.items:
		t.Fatalf("unexpected notice %q", item.Plain)
	default:
	}
}

func TestSessionsCommand(t *testing.T) {
	f := newInbound(t)
	boundSession(t, f, "sess-1", 7)
	boundSession(t, f, "sess-2", 8)

	f.inbound.HandleUpdate(context.Background(), topicMessage(0, "/sessions@relay_bot"))

	item := testutil.RequireReceive(t, f.pipeline.items, time.Second)
	if !strings.Contains(item.Plain, "sess-1") || !strings.Contains(item.Plain, "sess-2") {
		t.Fatalf("listing %q", item.Plain)
	}
	if len(f.injector.sent) != 0 {
		t.Fatalf("injected %v", f.injector.sent)
	}
}

func TestUnknownCommandGetsHint(t *testing.T) {
	f := newInbound(t)
	f.inbound.HandleUpdate(context.Background(), topicMessage(0, "/restart"))

	item := testutil.RequireReceive(t, f.pipeline.items, time.Second)
	if !strings.Contains(item.Plain, "/sessions") {
		t.Fatalf("hint %q", item.Plain)
	}
}

func approvalPress(id string, decision string) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:   "cb-1",
		From: telegram.User{ID: 1001},
		Data: "apr:" + id + ":" + decision,
	}}
}

func TestCallbackResolvesApproval(t *testing.T) {
	f := newInbound(t)
	request, outcome := f.approvals.Create("sess-1", "Bash", time.Minute)

	f.inbound.HandleUpdate(context.Background(), approvalPress(request.ID, "reject"))

	answer := testutil.RequireReceive(t, f.answerer.answers, time.Second)
	if answer != "Rejected." {
		t.Fatalf("acknowledgement %q", answer)
	}
	result := testutil.RequireReceive(t, outcome, time.Second)
	if result != approval.OutcomeRejected {
		t.Fatalf("outcome %v", result)
	}
}

func TestSecondPressGetsExpiredAnswer(t *testing.T) {
	f := newInbound(t)
	request, _ := f.approvals.Create("sess-1", "Bash", time.Minute)

	f.inbound.HandleUpdate(context.Background(), approvalPress(request.ID, "approve"))
	testutil.RequireReceive(t, f.answerer.answers, time.Second)

	f.inbound.HandleUpdate(context.Background(), approvalPress(request.ID, "abort"))
	answer := testutil.RequireReceive(t, f.answerer.answers, time.Second)
	if !strings.Contains(answer, "already decided or expired") {
		t.Fatalf("second press answer %q", answer)
	}
}

func TestMalformedCallbackStillAnswered(t *testing.T) {
	f := newInbound(t)
	f.inbound.HandleUpdate(context.Background(), telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:   "cb-1",
		Data: "not approval data",
	}})

	// The press is acknowledged so the client's spinner stops, with no
	// visible text.
	answer := testutil.RequireReceive(t, f.answerer.answers, time.Second)
	if answer != "" {
		t.Fatalf("answer %q", answer)
	}
}
