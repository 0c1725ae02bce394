// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// relay-hook is the short-lived hook process the agent spawns on each
// lifecycle event. It reads the agent's hook payload from stdin, wraps
// it in a relay envelope, and ships it to the daemon's event socket.
//
// Usage:
//
//	relay-hook [flags] <event-kind>
//
// Every kind is fire-and-forget except approval_request, which blocks
// for the chat decision and reports it through the hook exit protocol:
// exit 0 allows the tool call, exit 2 denies it with the reason on
// stderr. A dead or unreachable daemon never blocks or fails the
// agent: transport errors exit 0.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"

	"github.com/relay-foundation/relay/hookclient"
	"github.com/relay-foundation/relay/lib/config"
	"github.com/relay-foundation/relay/protocol"
)

// exitCodeDenied is the hook exit code the agent treats as a denied
// tool call, with stderr surfaced as feedback.
const exitCodeDenied = 2

// approvalGrace is how much longer than the approval timeout the hook
// waits for the daemon's response before giving up and allowing the
// agent's own permission prompt to take over.
const approvalGrace = 30 * time.Second

func main() {
	flags := pflag.NewFlagSet("relay-hook", pflag.ExitOnError)
	socketPath := flags.String("socket", "", "daemon event socket (default from RELAY_CONFIG)")
	configPath := flags.String("config", "", "config file (default $RELAY_CONFIG)")
	timeoutSeconds := flags.Int("timeout", 0, "approval wait in seconds (default from config)")
	flags.Parse(os.Args[1:])

	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: relay-hook [flags] <event-kind>")
		os.Exit(1)
	}
	kind := protocol.EventKind(flags.Arg(0))
	if !kind.Valid() || kind == protocol.KindApprovalResponse {
		fmt.Fprintf(os.Stderr, "relay-hook: unknown event kind %q\n", flags.Arg(0))
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	socket := *socketPath
	if socket == "" {
		socket = cfg.Daemon.SocketPath
	}
	timeout := time.Duration(*timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(cfg.Approvals.TimeoutSeconds) * time.Second
	}

	payload, err := io.ReadAll(io.LimitReader(os.Stdin, 1024*1024))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-hook: reading stdin: %v\n", err)
		os.Exit(0)
	}

	envelope := buildEnvelope(kind, payload, timeout)
	if envelope.SessionID == "" {
		// Without a session id there is nothing to mirror. Not an
		// agent failure.
		os.Exit(0)
	}

	client := hookclient.New(socket, nil)
	if kind != protocol.KindApprovalRequest {
		if err := client.Emit(context.Background(), envelope); err != nil {
			fmt.Fprintf(os.Stderr, "relay-hook: %v\n", err)
		}
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+approvalGrace)
	defer cancel()
	response, err := client.EmitAndWait(ctx, envelope)
	if err != nil {
		// No daemon, or no answer in time: let the agent's own
		// permission prompt handle it.
		fmt.Fprintf(os.Stderr, "relay-hook: %v\n", err)
		os.Exit(0)
	}

	switch response.Content {
	case string(protocol.DecisionReject):
		fmt.Fprint(os.Stderr, "Rejected from chat.")
		os.Exit(exitCodeDenied)
	case string(protocol.DecisionAbort):
		fmt.Fprint(os.Stderr, "Aborted from chat: stop what you are doing and wait for instructions.")
		os.Exit(exitCodeDenied)
	default:
		// approve, or timeout falling back to the local prompt.
		os.Exit(0)
	}
}

// loadConfig returns the file config when one is named, Default()
// otherwise. Hook processes run outside any relay setup too, so a
// missing or broken config degrades to defaults instead of failing.
func loadConfig(path string) *config.Config {
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path == "" {
		return config.Default()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-hook: %v\n", err)
		return config.Default()
	}
	return cfg
}

// buildEnvelope assembles the event from the agent's hook payload and
// the process environment. The payload is the agent's own hook JSON;
// field names vary by agent, so extraction is lenient.
func buildEnvelope(kind protocol.EventKind, payload []byte, timeout time.Duration) *protocol.Envelope {
	meta := hookclient.HostMetadata()
	envelope := &protocol.Envelope{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}

	if !gjson.ValidBytes(payload) {
		envelope.SessionID = os.Getenv("RELAY_SESSION_ID")
		return envelope
	}

	envelope.SessionID = firstString(payload, "session_id", "sessionId")
	if envelope.SessionID == "" {
		envelope.SessionID = os.Getenv("RELAY_SESSION_ID")
	}
	if cwd := gjson.GetBytes(payload, "cwd").String(); cwd != "" {
		meta.ProjectDir = cwd
	}
	meta.ToolName = gjson.GetBytes(payload, "tool_name").String()
	if input := gjson.GetBytes(payload, "tool_input"); input.Exists() {
		meta.ToolInput = input.Raw
	}

	switch kind {
	case protocol.KindUserInput:
		envelope.Content = firstString(payload, "prompt", "message", "content")
	case protocol.KindAgentResponse:
		envelope.Content = firstString(payload, "last_assistant_message", "message", "content")
	case protocol.KindToolResult:
		if response := gjson.GetBytes(payload, "tool_response"); response.Exists() {
			envelope.Content = response.String()
		}
	case protocol.KindError:
		envelope.Content = firstString(payload, "error", "message")
	case protocol.KindApprovalRequest:
		envelope.Content = firstString(payload, "permission_request", "message")
		meta.TimeoutSeconds = int(timeout / time.Second)
	}
	return envelope
}

func firstString(payload []byte, keys ...string) string {
	for _, key := range keys {
		if value := gjson.GetBytes(payload, key).String(); value != "" {
			return value
		}
	}
	return ""
}
