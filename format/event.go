// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package format

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/relay-foundation/relay/protocol"
)

// Event renders one session event for posting. Agent responses go
// through the markdown renderer; everything else is structured text
// built here.
func Event(envelope *protocol.Envelope) Rendered {
	switch envelope.Type {
	case protocol.KindSessionStart:
		return sessionStart(envelope)
	case protocol.KindSessionEnd:
		return labeled("⏹ Session ended", envelope.Content)
	case protocol.KindUserInput:
		return labeled("👤 User", envelope.Content)
	case protocol.KindAgentResponse:
		return agentResponse(envelope.Content)
	case protocol.KindToolResult:
		return toolResult(envelope)
	case protocol.KindApprovalRequest:
		return ApprovalRequest(envelope, 0)
	case protocol.KindError:
		return labeled("⚠️ Error", envelope.Content)
	default:
		return labeled(string(envelope.Type), envelope.Content)
	}
}

// TopicName builds the forum topic title for a session: the project
// directory's base name plus a session id prefix, enough to tell
// concurrent sessions in the same project apart.
func TopicName(sessionID, projectDir string) string {
	project := "session"
	if projectDir != "" {
		parts := strings.Split(strings.TrimRight(projectDir, "/"), "/")
		if last := parts[len(parts)-1]; last != "" {
			project = last
		}
	}
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return project + " · " + short
}

// ApprovalRequest renders an approval prompt. timeout of zero omits
// the deadline line (the caller resolves the default later).
func ApprovalRequest(envelope *protocol.Envelope, timeout time.Duration) Rendered {
	tool := "tool call"
	input := ""
	if envelope.Metadata != nil {
		if envelope.Metadata.ToolName != "" {
			tool = envelope.Metadata.ToolName
		}
		input = envelope.Metadata.ToolInput
	}

	var htmlBuilder, plainBuilder strings.Builder
	htmlBuilder.WriteString("🔐 <b>Approval required:</b> " + html.EscapeString(tool))
	plainBuilder.WriteString("🔐 Approval required: " + tool)
	if envelope.Content != "" {
		htmlBuilder.WriteString("\n" + html.EscapeString(envelope.Content))
		plainBuilder.WriteString("\n" + envelope.Content)
	}
	if input != "" {
		shown := Truncate(input, 1024)
		htmlBuilder.WriteString("\n<pre>" + html.EscapeString(shown) + "</pre>")
		plainBuilder.WriteString("\n" + shown)
	}
	if timeout > 0 {
		line := fmt.Sprintf("\nNo answer within %s falls back to the terminal prompt.", timeout.Round(time.Second))
		htmlBuilder.WriteString(line)
		plainBuilder.WriteString(line)
	}
	return clamp(Rendered{HTML: htmlBuilder.String(), Plain: plainBuilder.String()})
}

func sessionStart(envelope *protocol.Envelope) Rendered {
	var details []string
	if envelope.Metadata != nil {
		if envelope.Metadata.ProjectDir != "" {
			details = append(details, envelope.Metadata.ProjectDir)
		}
		if envelope.Metadata.Hostname != "" {
			details = append(details, "on "+envelope.Metadata.Hostname)
		}
	}
	suffix := ""
	if len(details) > 0 {
		suffix = "\n" + strings.Join(details, " ")
	}
	return Rendered{
		HTML:  "▶️ <b>Session started</b>" + html.EscapeString(suffix),
		Plain: "▶️ Session started" + suffix,
	}
}

func agentResponse(content string) Rendered {
	rendered := Render(content)
	prefix := "🤖 "
	rendered.HTML = prefix + rendered.HTML
	rendered.Plain = prefix + rendered.Plain
	return clamp(rendered)
}

func toolResult(envelope *protocol.Envelope) Rendered {
	tool := "tool"
	if envelope.Metadata != nil && envelope.Metadata.ToolName != "" {
		tool = envelope.Metadata.ToolName
	}
	body := Truncate(envelope.Content, 2048)
	return clamp(Rendered{
		HTML:  "🔧 <b>" + html.EscapeString(tool) + "</b>\n<pre>" + html.EscapeString(body) + "</pre>",
		Plain: "🔧 " + tool + "\n" + body,
	})
}

// labeled renders a bold label above free-form text content.
func labeled(label, content string) Rendered {
	htmlLabel := "<b>" + html.EscapeString(label) + "</b>"
	if content == "" {
		return Rendered{HTML: htmlLabel, Plain: label}
	}
	return clamp(Rendered{
		HTML:  htmlLabel + "\n" + html.EscapeString(content),
		Plain: label + "\n" + content,
	})
}

