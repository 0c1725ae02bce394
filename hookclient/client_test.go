// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package hookclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/relay-foundation/relay/lib/testutil"
	"github.com/relay-foundation/relay/protocol"
)

// fakeDaemon accepts one connection at a time and answers each line
// with respond's result (nil means no reply).
func fakeDaemon(t *testing.T, respond func(envelope *protocol.Envelope) any) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "events.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					envelope, err := protocol.Parse(scanner.Bytes())
					if err != nil {
						continue
					}
					reply := respond(envelope)
					if reply == nil {
						continue
					}
					data, err := json.Marshal(reply)
					if err != nil {
						continue
					}
					conn.Write(append(data, '\n'))
				}
			}()
		}
	}()
	return socketPath
}

func testEnvelope(kind protocol.EventKind, content string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      kind,
		SessionID: "sess-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Content:   content,
	}
}

func TestEmitDelivers(t *testing.T) {
	received := make(chan *protocol.Envelope, 1)
	socketPath := fakeDaemon(t, func(envelope *protocol.Envelope) any {
		received <- envelope
		return nil
	})

	client := New(socketPath, nil)
	if err := client.Emit(context.Background(), testEnvelope(protocol.KindAgentResponse, "done")); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got := testutil.RequireReceive(t, received, 5*time.Second)
	if got.Type != protocol.KindAgentResponse || got.Content != "done" {
		t.Fatalf("daemon received %+v", got)
	}
}

func TestEmitFailsFastWithoutDaemon(t *testing.T) {
	client := New(filepath.Join(testutil.SocketDir(t), "absent.sock"), nil)
	start := time.Now()
	err := client.Emit(context.Background(), testEnvelope(protocol.KindSessionStart, ""))
	if err == nil {
		t.Fatal("Emit succeeded with no daemon")
	}
	if elapsed := time.Since(start); elapsed > dialTimeout {
		t.Fatalf("Emit took %s, want under %s", elapsed, dialTimeout)
	}
}

func TestEmitAndWaitReturnsDecision(t *testing.T) {
	socketPath := fakeDaemon(t, func(envelope *protocol.Envelope) any {
		return protocol.NewApprovalResponse(envelope.SessionID, string(protocol.DecisionReject), time.Now())
	})

	client := New(socketPath, nil)
	response, err := client.EmitAndWait(context.Background(), testEnvelope(protocol.KindApprovalRequest, "run rm?"))
	if err != nil {
		t.Fatalf("EmitAndWait: %v", err)
	}
	if response.Type != protocol.KindApprovalResponse {
		t.Fatalf("response kind %q", response.Type)
	}
	if response.Content != string(protocol.DecisionReject) {
		t.Fatalf("response content %q", response.Content)
	}
}

func TestEmitAndWaitSurfacesErrorLine(t *testing.T) {
	socketPath := fakeDaemon(t, func(envelope *protocol.Envelope) any {
		return map[string]string{"error": "registry unavailable"}
	})

	client := New(socketPath, nil)
	_, err := client.EmitAndWait(context.Background(), testEnvelope(protocol.KindApprovalRequest, ""))
	if err == nil {
		t.Fatal("error line not surfaced")
	}
}

func TestEmitAndWaitHonorsDeadline(t *testing.T) {
	socketPath := fakeDaemon(t, func(envelope *protocol.Envelope) any {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client := New(socketPath, nil)
	start := time.Now()
	_, err := client.EmitAndWait(ctx, testEnvelope(protocol.KindApprovalRequest, ""))
	if err == nil {
		t.Fatal("EmitAndWait returned without a response")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("EmitAndWait took %s past a 100ms deadline", elapsed)
	}
}

func TestHostMetadata(t *testing.T) {
	t.Setenv("TMUX_PANE", "%3")
	meta := HostMetadata()
	if meta.TerminalTarget != "%3" {
		t.Fatalf("TerminalTarget %q", meta.TerminalTarget)
	}
	if meta.ProjectDir == "" {
		t.Fatal("ProjectDir empty")
	}
	if meta.Hostname == "" {
		t.Fatal("Hostname empty")
	}
}
