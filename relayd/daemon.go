// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package relayd is the bridge daemon: it accepts session events from
// hook emitters on a Unix socket, mirrors them into a Telegram chat
// (one forum topic per session), and routes chat replies and approval
// decisions back to the terminals the agents run in.
package relayd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/relay-foundation/relay/approval"
	"github.com/relay-foundation/relay/dedup"
	"github.com/relay-foundation/relay/delivery"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/config"
	"github.com/relay-foundation/relay/lib/service"
	"github.com/relay-foundation/relay/reaper"
	"github.com/relay-foundation/relay/session"
	"github.com/relay-foundation/relay/telegram"
	"github.com/relay-foundation/relay/terminal"
)

// Daemon owns every long-lived component and runs them to completion.
type Daemon struct {
	config *config.Config
	logger *slog.Logger
	clock  clock.Clock

	store     *session.Store
	registry  *session.Registry
	client    *telegram.Client
	pipeline  *delivery.Pipeline
	approvals *approval.Correlator
	filter    *dedup.Filter
	binder    *TopicBinder
	injector  *terminal.Injector
	reaper    *reaper.Reaper

	dispatcher *Dispatcher
	inbound    *Inbound
	listener   *Listener
	control    *service.Server
}

// New builds a Daemon from configuration. The session store is opened
// here; Telegram is not contacted until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.Real()

	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.StatePath), 0o700); err != nil {
		return nil, fmt.Errorf("relayd: creating state directory: %w", err)
	}
	store, err := session.OpenStore(cfg.Daemon.StatePath, logger)
	if err != nil {
		return nil, fmt.Errorf("relayd: opening session store: %w", err)
	}

	d := &Daemon{
		config: cfg,
		logger: logger,
		clock:  clk,
		store:  store,
	}

	d.registry = session.NewRegistry(store, clk, logger)
	d.client, err = telegram.NewClient(telegram.ClientConfig{
		Token:   cfg.Telegram.Token,
		BaseURL: cfg.Telegram.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	d.pipeline = delivery.New(delivery.Config{
		Sender:        d.client,
		Clock:         clk,
		Logger:        logger,
		RatePerSecond: cfg.Delivery.RatePerSecond,
	})
	d.approvals = approval.NewCorrelator(clk, logger)
	d.filter = dedup.NewFilter(clk, time.Duration(cfg.Sessions.DedupWindowSeconds)*time.Second)
	d.binder = NewTopicBinder(d.registry, d.client, cfg.Telegram.ChatID, logger)
	d.injector = terminal.New("", logger)

	d.dispatcher = NewDispatcher(DispatcherConfig{
		Registry:        d.registry,
		Topics:          d.binder,
		Pipeline:        d.pipeline,
		Approvals:       d.approvals,
		Dedup:           d.filter,
		Closer:          d.client,
		Clock:           clk,
		Logger:          logger,
		ChatID:          cfg.Telegram.ChatID,
		ApprovalTimeout: time.Duration(cfg.Approvals.TimeoutSeconds) * time.Second,
	})
	d.inbound = NewInbound(InboundConfig{
		Registry:  d.registry,
		Approvals: d.approvals,
		Dedup:     d.filter,
		Injector:  d.injector,
		Pipeline:  d.pipeline,
		Answerer:  d.client,
		Clock:     clk,
		Logger:    logger,
		ChatID:    cfg.Telegram.ChatID,
	})
	d.listener = NewListener(cfg.Daemon.SocketPath, d.dispatcher, logger)

	d.control = service.NewServer(cfg.Daemon.ControlSocketPath, logger)
	NewController(d.registry, d.approvals, d.pipeline, clk, logger).Register(d.control)

	d.reaper = reaper.New(reaper.Config{
		Registry:       d.registry,
		Liveness:       d.injector,
		Topics:         d.client,
		Notifier:       d.pipeline,
		Clock:          clk,
		Logger:         logger,
		ChatID:         cfg.Telegram.ChatID,
		StaleThreshold: time.Duration(cfg.Sessions.StaleThresholdHours) * time.Hour,
		Interval:       time.Duration(cfg.Sessions.ReaperIntervalMinutes) * time.Minute,
	})

	return d, nil
}

// Run verifies the bot credentials, starts every component, and blocks
// until ctx is cancelled. Components are stopped in dependency order
// on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.store.Close()
	defer d.pipeline.Close()

	me, err := d.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("relayd: verifying bot credentials: %w", err)
	}
	d.logger.Info("bot authenticated", "username", me.Username, "chat_id", d.config.Telegram.ChatID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Any component's fatal error brings the daemon down; the buffered
	// channel keeps late failures from blocking goroutine exit.
	failures := make(chan error, 2)

	go func() {
		failures <- d.listener.Serve(runCtx)
	}()
	go func() {
		failures <- d.control.Serve(runCtx)
	}()
	go d.reaper.Run(runCtx)

	watcher := telegram.NewWatcher(d.client, d.inbound.HandleUpdate, d.logger)
	go watcher.Run(runCtx)

	select {
	case <-ctx.Done():
		cancel()
		<-watcher.Done()
		// Drain both socket servers so their files are unlinked.
		<-failures
		<-failures
		return nil
	case err := <-failures:
		cancel()
		<-watcher.Done()
		<-failures
		return err
	}
}
