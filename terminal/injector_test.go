// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relay-foundation/relay/lib/testutil"
)

// newTestServer starts an isolated tmux server with a guard session
// that keeps it alive, and returns an Injector bound to it. A short
// /tmp socket path keeps within the 108-byte Unix socket limit, and
// -f /dev/null prevents loading the user's ~/.tmux.conf.
func newTestServer(t *testing.T) *Injector {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "tmux.sock")
	cmd := exec.Command("tmux", "-f", "/dev/null", "-S", socketPath,
		"new-session", "-d", "-s", "_guard", "sleep", "infinity")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("start tmux test server: %v (%s)", err, strings.TrimSpace(string(output)))
	}
	t.Cleanup(func() {
		exec.Command("tmux", "-S", socketPath, "kill-server").Run()
	})
	return New(socketPath, slog.Default())
}

func newTestPane(t *testing.T, in *Injector, name string) string {
	t.Helper()
	if _, err := in.run("new-session", "-d", "-s", name, "cat"); err != nil {
		t.Fatalf("new-session: %v", err)
	}
	target, err := in.run("display-message", "-t", name, "-p", "#{pane_id}")
	if err != nil {
		t.Fatalf("pane id: %v", err)
	}
	return strings.TrimSpace(target)
}

func capturePane(t *testing.T, in *Injector, target string) string {
	t.Helper()
	output, err := in.run("capture-pane", "-t", target, "-p")
	if err != nil {
		t.Fatalf("capture-pane: %v", err)
	}
	return output
}

func TestSendTextReachesPane(t *testing.T) {
	in := newTestServer(t)
	target := newTestPane(t, in, "inject")

	if err := in.SendText(target, "hello from chat"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// cat echoes the injected line back; poll for it to appear.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if strings.Contains(capturePane(t, in, target), "hello from chat") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("injected text never appeared in pane:\n%s", capturePane(t, in, target))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSendTextIsLiteral(t *testing.T) {
	in := newTestServer(t)
	target := newTestPane(t, in, "literal")

	// "Enter" must arrive as the word, not as the key.
	if err := in.SendText(target, "press Enter to continue"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if strings.Contains(capturePane(t, in, target), "press Enter to continue") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("literal text never appeared:\n%s", capturePane(t, in, target))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSendTextEmptyTarget(t *testing.T) {
	in := New("", slog.Default())
	if err := in.SendText("", "text"); err == nil {
		t.Fatal("SendText accepted an empty target")
	}
}

func TestPaneLiveness(t *testing.T) {
	in := newTestServer(t)
	target := newTestPane(t, in, "live")

	if !in.PaneExists(target) {
		t.Fatalf("PaneExists(%q) = false for a live pane", target)
	}
	if !in.TargetAlive(target) {
		t.Fatalf("TargetAlive(%q) = false for a live pane", target)
	}
	pid, err := in.PanePID(target)
	if err != nil {
		t.Fatalf("PanePID: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("PanePID = %d", pid)
	}

	if _, err := in.run("kill-session", "-t", "live"); err != nil {
		t.Fatalf("kill-session: %v", err)
	}
	if in.PaneExists(target) {
		t.Fatalf("PaneExists(%q) = true after kill", target)
	}
	if in.TargetAlive(target) {
		t.Fatalf("TargetAlive(%q) = true after kill", target)
	}
}

func TestMissingPane(t *testing.T) {
	in := newTestServer(t)
	if in.PaneExists("%999") {
		t.Fatal("PaneExists(%999) = true")
	}
	if in.TargetAlive("%999") {
		t.Fatal("TargetAlive(%999) = true")
	}
}
