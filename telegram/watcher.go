// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"log/slog"
	"time"
)

// UpdateHandler receives one inbound update. Handlers run on the
// watcher goroutine; slow work should be handed off so the poll loop
// keeps draining.
type UpdateHandler func(ctx context.Context, update Update)

// Watcher long-polls getUpdates and dispatches each update to a
// handler. The offset is held in memory only: on start the watcher
// confirms and discards whatever backlog accumulated while the daemon
// was down, so stale chat commands never replay against fresh
// sessions.
type Watcher struct {
	client  *Client
	handler UpdateHandler
	logger  *slog.Logger

	// pollTimeout is the server-side long-poll hold in seconds.
	pollTimeout int

	done chan struct{}
}

// NewWatcher creates a watcher delivering updates to handler.
func NewWatcher(client *Client, handler UpdateHandler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:      client,
		handler:     handler,
		logger:      logger,
		pollTimeout: 30,
		done:        make(chan struct{}),
	}
}

// Run polls until ctx is cancelled. Poll failures are logged and
// retried after a short pause — an unreachable Telegram API must never
// take the daemon down, only delay inbound traffic.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	offset, ok := w.primeOffset(ctx)
	if !ok {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := w.client.GetUpdates(ctx, offset, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("getUpdates failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			w.handler(ctx, update)
		}
	}
}

// primeOffset skips past the update backlog. Offset -1 asks for only
// the newest pending update; the first real poll with its id plus one
// then confirms everything before it. Without this, a restart would
// replay up to a day of queued replies into live panes.
func (w *Watcher) primeOffset(ctx context.Context) (int64, bool) {
	for {
		if ctx.Err() != nil {
			return 0, false
		}
		updates, err := w.client.GetUpdates(ctx, -1, 0)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false
			}
			w.logger.Warn("priming update offset failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return 0, false
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if len(updates) == 0 {
			return 0, true
		}
		next := updates[len(updates)-1].UpdateID + 1
		w.logger.Info("discarded stale update backlog", "next_offset", next)
		return next, true
	}
}

// Done is closed when Run has returned.
func (w *Watcher) Done() <-chan struct{} { return w.done }
