// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery paces and retries outbound chat messages.
//
// Each destination (chat plus forum topic) has its own FIFO queue and
// a single worker, so per-topic ordering holds even while a failing
// message is being retried. A global pacer spaces sends across all
// destinations to stay under the Bot API rate limit.
//
// Failures split three ways. Structural failures have a dedicated
// recovery that does not consume a retry attempt: a closed topic is
// reopened (with a notice) and the message resent once; rejected
// markup is resent once as plain text. Transient failures (rate
// limits, 5xx, network) get capped exponential backoff. Everything
// else drops the message with an error log — never the whole queue.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/telegram"
)

// Sender is the slice of the Telegram client the pipeline drives.
type Sender interface {
	SendMessage(ctx context.Context, request telegram.SendMessageRequest) (*telegram.Message, error)
	ReopenForumTopic(ctx context.Context, chatID, threadID int64) error
}

// Item is one outbound message.
type Item struct {
	SessionID string
	ChatID    int64
	// TopicID is the forum topic to post into; zero targets the chat's
	// root thread.
	TopicID int64

	// HTML is the formatted body. Plain is the fallback used when
	// Telegram rejects the markup; it must carry the same information.
	HTML  string
	Plain string

	// ReplyMarkup attaches approval buttons.
	ReplyMarkup *telegram.InlineKeyboardMarkup

	// Sent, when non-nil, is called with the posted message after a
	// successful send.
	Sent func(*telegram.Message)
}

const (
	// DefaultRatePerSecond spaces sends one second apart across all
	// destinations.
	DefaultRatePerSecond = 1.0

	// maxAttempts caps transient retries per message.
	maxAttempts = 3
)

// Config configures a Pipeline.
type Config struct {
	Sender Sender
	Clock  clock.Clock
	Logger *slog.Logger

	// RatePerSecond is the global send rate. Zero or negative means
	// DefaultRatePerSecond.
	RatePerSecond float64
}

type destinationKey struct {
	chatID  int64
	topicID int64
}

type queue struct {
	mu    sync.Mutex
	items []*Item
	wake  chan struct{} // capacity 1
}

func (q *queue) push(item *Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pipeline delivers enqueued items. Safe for concurrent use.
type Pipeline struct {
	sender   Sender
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[destinationKey]*queue

	paceMu   sync.Mutex
	nextSend time.Time
}

// New creates a pipeline. Workers start lazily, one per destination on
// its first Enqueue.
func New(config Config) *Pipeline {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rate := config.RatePerSecond
	if rate <= 0 {
		rate = DefaultRatePerSecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		sender:   config.Sender,
		clock:    config.Clock,
		logger:   logger,
		interval: time.Duration(float64(time.Second) / rate),
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[destinationKey]*queue),
	}
}

// Enqueue appends the item to its destination's queue.
func (p *Pipeline) Enqueue(item Item) {
	key := destinationKey{chatID: item.ChatID, topicID: item.TopicID}

	p.mu.Lock()
	q, ok := p.queues[key]
	if !ok {
		q = &queue{wake: make(chan struct{}, 1)}
		p.queues[key] = q
		p.wg.Add(1)
		go p.worker(q)
	}
	p.mu.Unlock()

	q.push(&item)
}

// Depth returns the total number of queued items across destinations.
// The in-flight item, if any, is not counted.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, q := range p.queues {
		total += q.depth()
	}
	return total
}

// Close stops all workers. In-flight sends are abandoned via context
// cancellation; queued items are dropped.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) worker(q *queue) {
	defer p.wg.Done()
	for {
		item := q.pop()
		if item == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		p.deliver(item)
		select {
		case <-p.ctx.Done():
			return
		default:
		}
	}
}

// deliver drives one item to a final disposition: sent or dropped.
func (p *Pipeline) deliver(item *Item) {
	attempts := 0
	reopened := false
	plainOnly := false

	for {
		if err := p.pace(); err != nil {
			return
		}

		message, err := p.sender.SendMessage(p.ctx, p.request(item, plainOnly))
		if err == nil {
			p.logger.Debug("message delivered",
				"session_id", item.SessionID,
				"chat_id", item.ChatID,
				"topic_id", item.TopicID,
			)
			if item.Sent != nil {
				item.Sent(message)
			}
			return
		}
		if p.ctx.Err() != nil {
			return
		}

		switch {
		case telegram.IsTopicClosed(err) && !reopened && item.TopicID != 0:
			reopened = true
			p.reopen(item)

		case telegram.IsParseError(err) && !plainOnly:
			plainOnly = true
			p.logger.Warn("markup rejected, resending as plain text",
				"session_id", item.SessionID,
				"topic_id", item.TopicID,
				"error", err,
			)

		case telegram.IsTransient(err):
			attempts++
			if attempts >= maxAttempts {
				p.drop(item, err, attempts)
				return
			}
			if !p.backoff(attempts, err) {
				return
			}

		default:
			p.drop(item, err, attempts+1)
			return
		}
	}
}

func (p *Pipeline) request(item *Item, plainOnly bool) telegram.SendMessageRequest {
	request := telegram.SendMessageRequest{
		ChatID:          item.ChatID,
		MessageThreadID: item.TopicID,
		ReplyMarkup:     item.ReplyMarkup,
		DisablePreview:  true,
	}
	if plainOnly {
		request.Text = item.Plain
	} else {
		request.Text = item.HTML
		request.ParseMode = "HTML"
	}
	return request
}

// reopen recovers a closed or deleted topic, then posts a notice so
// whoever closed it knows why it came back. The notice is best-effort.
func (p *Pipeline) reopen(item *Item) {
	p.logger.Warn("destination topic closed, reopening",
		"session_id", item.SessionID,
		"chat_id", item.ChatID,
		"topic_id", item.TopicID,
	)
	if err := p.sender.ReopenForumTopic(p.ctx, item.ChatID, item.TopicID); err != nil {
		p.logger.Error("reopen failed",
			"session_id", item.SessionID,
			"topic_id", item.TopicID,
			"error", err,
		)
		return
	}
	if err := p.pace(); err != nil {
		return
	}
	_, err := p.sender.SendMessage(p.ctx, telegram.SendMessageRequest{
		ChatID:          item.ChatID,
		MessageThreadID: item.TopicID,
		Text:            "Topic reopened: the session it belongs to is still active.",
	})
	if err != nil {
		p.logger.Warn("reopen notice failed",
			"session_id", item.SessionID,
			"topic_id", item.TopicID,
			"error", err,
		)
	}
}

// backoff sleeps before the next attempt: the server-requested delay
// on a rate limit, otherwise 1s, 2s, ... doubling per attempt. Returns
// false when the pipeline shut down mid-wait.
func (p *Pipeline) backoff(attempts int, err error) bool {
	delay := time.Duration(1<<(attempts-1)) * time.Second
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		delay = time.Duration(apiErr.RetryAfter) * time.Second
	}
	p.logger.Warn("send failed, retrying",
		"attempt", attempts,
		"delay", delay,
		"error", err,
	)
	select {
	case <-p.clock.After(delay):
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pipeline) drop(item *Item, err error, attempts int) {
	p.logger.Error("message dropped",
		"session_id", item.SessionID,
		"chat_id", item.ChatID,
		"topic_id", item.TopicID,
		"attempts", attempts,
		"error", err,
	)
}

// pace blocks until this send's slot in the global schedule. Returns
// the pipeline context's error when shut down mid-wait.
func (p *Pipeline) pace() error {
	p.paceMu.Lock()
	now := p.clock.Now()
	if p.nextSend.Before(now) {
		p.nextSend = now
	}
	wait := p.nextSend.Sub(now)
	p.nextSend = p.nextSend.Add(p.interval)
	p.paceMu.Unlock()

	if wait <= 0 {
		return p.ctx.Err()
	}
	select {
	case <-p.clock.After(wait):
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}
