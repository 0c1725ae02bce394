// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// relay-daemon is the bridge daemon: it accepts events from agent-side
// hooks on a local socket, mirrors each session into its own Telegram
// forum topic, and routes chat replies and approval decisions back
// into the session's terminal.
//
// Configuration comes from a YAML file named by --config or the
// RELAY_CONFIG environment variable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relay-foundation/relay/lib/config"
	"github.com/relay-foundation/relay/relayd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("relay-daemon", pflag.ExitOnError)
	configPath := flags.String("config", "", "config file (default $RELAY_CONFIG)")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Parse(os.Args[1:])

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("bad --log-level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	daemon, err := relayd.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.Run(ctx)
}
