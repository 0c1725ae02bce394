// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package format

import (
	"strings"
	"testing"
	"time"

	"github.com/relay-foundation/relay/protocol"
)

func envelope(kind protocol.EventKind, content string, metadata *protocol.Metadata) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      kind,
		SessionID: "sess-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Content:   content,
		Metadata:  metadata,
	}
}

func TestEventSessionStart(t *testing.T) {
	rendered := Event(envelope(protocol.KindSessionStart, "", &protocol.Metadata{
		ProjectDir: "/home/dev/api",
		Hostname:   "workbox",
	}))
	if !strings.Contains(rendered.HTML, "<b>Session started</b>") {
		t.Errorf("HTML: %s", rendered.HTML)
	}
	for _, want := range []string{"/home/dev/api", "on workbox"} {
		if !strings.Contains(rendered.Plain, want) {
			t.Errorf("Plain missing %q: %s", want, rendered.Plain)
		}
	}
}

func TestEventAgentResponseRendersMarkdown(t *testing.T) {
	rendered := Event(envelope(protocol.KindAgentResponse, "done, see `main.go`", nil))
	if !strings.Contains(rendered.HTML, "<code>main.go</code>") {
		t.Errorf("markdown not rendered: %s", rendered.HTML)
	}
	if !strings.HasPrefix(rendered.Plain, "🤖 ") {
		t.Errorf("missing agent prefix: %s", rendered.Plain)
	}
}

func TestEventToolResultEscapesContent(t *testing.T) {
	rendered := Event(envelope(protocol.KindToolResult, "exit 0 && a < b", &protocol.Metadata{
		ToolName: "Bash",
	}))
	if !strings.Contains(rendered.HTML, "<b>Bash</b>") {
		t.Errorf("tool name missing: %s", rendered.HTML)
	}
	if !strings.Contains(rendered.HTML, "<pre>exit 0 &amp;&amp; a &lt; b</pre>") {
		t.Errorf("output not escaped: %s", rendered.HTML)
	}
}

func TestApprovalRequest(t *testing.T) {
	rendered := ApprovalRequest(envelope(protocol.KindApprovalRequest, "Agent wants to run a command", &protocol.Metadata{
		ToolName:  "Bash",
		ToolInput: `{"command":"rm -rf build"}`,
	}), 5*time.Minute)

	for _, want := range []string{"Approval required", "Bash", "rm -rf build", "5m0s", "terminal prompt"} {
		if !strings.Contains(rendered.Plain, want) {
			t.Errorf("Plain missing %q:\n%s", want, rendered.Plain)
		}
	}
	if !strings.Contains(rendered.HTML, "<pre>") {
		t.Errorf("tool input not preformatted: %s", rendered.HTML)
	}
}

func TestApprovalRequestWithoutMetadata(t *testing.T) {
	rendered := ApprovalRequest(envelope(protocol.KindApprovalRequest, "", nil), 0)
	if !strings.Contains(rendered.Plain, "tool call") {
		t.Errorf("generic label missing: %s", rendered.Plain)
	}
	if strings.Contains(rendered.Plain, "terminal prompt") {
		t.Errorf("zero timeout printed a deadline: %s", rendered.Plain)
	}
}

func TestTopicName(t *testing.T) {
	cases := []struct {
		sessionID  string
		projectDir string
		want       string
	}{
		{"0199b2c4-abcdef", "/home/dev/api", "api · 0199b2c4"},
		{"short", "/srv/app/", "app · short"},
		{"0199b2c4-abcdef", "", "session · 0199b2c4"},
	}
	for _, c := range cases {
		if got := TopicName(c.sessionID, c.projectDir); got != c.want {
			t.Errorf("TopicName(%q, %q) = %q, want %q", c.sessionID, c.projectDir, got, c.want)
		}
	}
}

func TestEventOverlongToolResultTruncated(t *testing.T) {
	rendered := Event(envelope(protocol.KindToolResult, strings.Repeat("line\n", 2000), &protocol.Metadata{
		ToolName: "Bash",
	}))
	if len(rendered.HTML) > MaxMessageLength {
		t.Fatalf("HTML length %d exceeds limit", len(rendered.HTML))
	}
	if len(rendered.Plain) > MaxMessageLength {
		t.Fatalf("Plain length %d exceeds limit", len(rendered.Plain))
	}
}
