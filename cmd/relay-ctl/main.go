// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// relay-ctl administers a running relay daemon over its control
// socket, and installs the relay hooks into the agent's settings file.
//
// Usage:
//
//	relay-ctl [flags] status
//	relay-ctl [flags] sessions
//	relay-ctl [flags] end <session-id>
//	relay-ctl [flags] install-hooks [--settings <path>] [--hook-binary <path>]
//	relay-ctl [flags] uninstall-hooks [--settings <path>] [--hook-binary <path>]
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/relay-foundation/relay/hooks"
	"github.com/relay-foundation/relay/lib/config"
	"github.com/relay-foundation/relay/lib/service"
	"github.com/relay-foundation/relay/relayd"
)

const callTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("relay-ctl", pflag.ExitOnError)
	configPath := flags.String("config", "", "config file (default $RELAY_CONFIG)")
	socketPath := flags.String("socket", "", "control socket (default from config)")
	settingsPath := flags.String("settings", defaultSettingsPath(), "agent settings file for hook installation")
	hookBinary := flags.String("hook-binary", "relay-hook", "hook command to install")
	flags.Parse(os.Args[1:])

	if flags.NArg() < 1 {
		return fmt.Errorf("usage: relay-ctl <status|sessions|end|install-hooks|uninstall-hooks>")
	}

	switch command := flags.Arg(0); command {
	case "install-hooks":
		return installHooks(*settingsPath, *hookBinary, true)
	case "uninstall-hooks":
		return installHooks(*settingsPath, *hookBinary, false)
	case "status":
		return status(controlSocket(*configPath, *socketPath))
	case "sessions":
		return sessions(controlSocket(*configPath, *socketPath))
	case "end":
		if flags.NArg() != 2 {
			return fmt.Errorf("usage: relay-ctl end <session-id>")
		}
		return endSession(controlSocket(*configPath, *socketPath), flags.Arg(1))
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// controlSocket resolves the control socket path: the flag wins, then
// the config file, then the built-in default.
func controlSocket(configPath, socketPath string) string {
	if socketPath != "" {
		return socketPath
	}
	if configPath == "" {
		configPath = os.Getenv("RELAY_CONFIG")
	}
	if configPath != "" {
		if cfg, err := config.LoadFile(configPath); err == nil {
			return cfg.Daemon.ControlSocketPath
		}
	}
	return config.Default().Daemon.ControlSocketPath
}

func defaultSettingsPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".claude", "settings.json")
}

func installHooks(settingsPath, hookBinary string, install bool) error {
	var changed bool
	var err error
	if install {
		changed, err = hooks.Install(settingsPath, hookBinary)
	} else {
		changed, err = hooks.Uninstall(settingsPath, hookBinary)
	}
	if err != nil {
		return err
	}
	switch {
	case changed && install:
		fmt.Printf("hooks installed in %s\n", settingsPath)
	case changed:
		fmt.Printf("hooks removed from %s\n", settingsPath)
	default:
		fmt.Println("no changes needed")
	}
	return nil
}

func status(socketPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var report relayd.StatusReport
	if err := service.Call(ctx, socketPath, relayd.ActionStatus, nil, &report); err != nil {
		return err
	}
	fmt.Printf("sessions:           %d (%d active)\n", report.Sessions, report.ActiveSessions)
	fmt.Printf("pending approvals:  %d\n", report.PendingApprovals)
	fmt.Printf("delivery queue:     %d\n", report.QueueDepth)
	return nil
}

func sessions(socketPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var list relayd.SessionList
	if err := service.Call(ctx, socketPath, relayd.ActionSessions, nil, &list); err != nil {
		return err
	}
	if len(list.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATUS\tPROJECT\tTARGET\tTOPIC\tLAST ACTIVITY")
	for _, s := range list.Sessions {
		topic := "-"
		if s.TopicBound {
			topic = fmt.Sprintf("%d", s.TopicID)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.ProjectDir, s.TerminalTarget, topic,
			s.LastActivity.Local().Format(time.RFC3339))
	}
	return writer.Flush()
}

func endSession(socketPath, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := service.Call(ctx, socketPath, relayd.ActionEndSession, map[string]any{
		"session_id": sessionID,
	}, nil); err != nil {
		return err
	}
	fmt.Printf("session %s ended\n", sessionID)
	return nil
}
