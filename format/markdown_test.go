// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package format

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRenderInlineMarkup(t *testing.T) {
	rendered := Render("some *italic*, some **bold**, some `code`, some ~~gone~~")

	for _, want := range []string{"<i>italic</i>", "<b>bold</b>", "<code>code</code>", "<s>gone</s>"} {
		if !strings.Contains(rendered.HTML, want) {
			t.Errorf("HTML missing %q:\n%s", want, rendered.HTML)
		}
	}
	if want := "some italic, some bold, some code, some gone"; rendered.Plain != want {
		t.Errorf("Plain = %q, want %q", rendered.Plain, want)
	}
}

func TestRenderEscapesEntities(t *testing.T) {
	rendered := Render("compare a < b && c > d")
	if !strings.Contains(rendered.HTML, "a &lt; b &amp;&amp; c &gt; d") {
		t.Errorf("entities not escaped: %s", rendered.HTML)
	}
	if !strings.Contains(rendered.Plain, "a < b && c > d") {
		t.Errorf("plain rendition altered: %s", rendered.Plain)
	}
}

func TestRenderFencedCode(t *testing.T) {
	rendered := Render("before\n\n```go\nif x < 1 {\n\treturn\n}\n```\n\nafter")
	if !strings.Contains(rendered.HTML, `<pre><code class="language-go">`) {
		t.Errorf("missing language code block: %s", rendered.HTML)
	}
	if !strings.Contains(rendered.HTML, "if x &lt; 1 {") {
		t.Errorf("code not escaped: %s", rendered.HTML)
	}
	if !strings.Contains(rendered.Plain, "if x < 1 {") {
		t.Errorf("plain code altered: %s", rendered.Plain)
	}
}

func TestRenderHeadingAndList(t *testing.T) {
	rendered := Render("# Plan\n\n- first\n- second\n\n1. one\n2. two")
	if !strings.Contains(rendered.HTML, "<b>Plan</b>") {
		t.Errorf("heading not bold: %s", rendered.HTML)
	}
	for _, want := range []string{"• first", "• second", "1. one", "2. two"} {
		if !strings.Contains(rendered.HTML, want) {
			t.Errorf("HTML missing %q:\n%s", want, rendered.HTML)
		}
		if !strings.Contains(rendered.Plain, want) {
			t.Errorf("Plain missing %q:\n%s", want, rendered.Plain)
		}
	}
	// No tags Telegram rejects.
	for _, forbidden := range []string{"<p>", "<ul>", "<ol>", "<li>", "<h1>"} {
		if strings.Contains(rendered.HTML, forbidden) {
			t.Errorf("HTML contains unsupported tag %q:\n%s", forbidden, rendered.HTML)
		}
	}
}

func TestRenderLinks(t *testing.T) {
	rendered := Render("see [the docs](https://example.com/a?x=1&y=2)")
	if !strings.Contains(rendered.HTML, `<a href="https://example.com/a?x=1&amp;y=2">the docs</a>`) {
		t.Errorf("link not rendered: %s", rendered.HTML)
	}
	if !strings.Contains(rendered.Plain, "the docs (https://example.com/a?x=1&y=2)") {
		t.Errorf("plain link missing URL: %s", rendered.Plain)
	}
}

func TestRenderBlockquote(t *testing.T) {
	rendered := Render("> quoted line")
	if !strings.Contains(rendered.HTML, "<blockquote>") || !strings.Contains(rendered.HTML, "</blockquote>") {
		t.Errorf("blockquote missing: %s", rendered.HTML)
	}
	if strings.Contains(rendered.Plain, "<blockquote>") {
		t.Errorf("plain rendition carries tags: %s", rendered.Plain)
	}
}

func TestRenderRawHTMLStripped(t *testing.T) {
	rendered := Render("text with <div>an inline block</div> inside")
	if strings.Contains(rendered.HTML, "<div>") {
		t.Errorf("raw HTML leaked: %s", rendered.HTML)
	}
	if !strings.Contains(rendered.Plain, "an inline block") {
		t.Errorf("raw HTML content lost: %s", rendered.Plain)
	}
}

func TestRenderEmpty(t *testing.T) {
	rendered := Render("")
	if rendered.HTML != "" || rendered.Plain != "" {
		t.Errorf("empty input rendered to %q / %q", rendered.HTML, rendered.Plain)
	}
}

func TestRenderOverlongFallsBackToPlain(t *testing.T) {
	// A literal < in plain text survives rendering (raw HTML tags would
	// be stripped), so the escaped fallback must show it as an entity.
	input := "**" + strings.Repeat("size < limit ", 600) + "**"
	rendered := Render(input)
	if len(rendered.HTML) > MaxMessageLength {
		t.Fatalf("HTML length %d exceeds limit", len(rendered.HTML))
	}
	if len(rendered.Plain) > MaxMessageLength {
		t.Fatalf("Plain length %d exceeds limit", len(rendered.Plain))
	}
	if strings.Contains(rendered.HTML, "<b>") {
		t.Errorf("over-length HTML kept markup: %s", rendered.HTML[:80])
	}
	if !strings.Contains(rendered.HTML, "&lt;") {
		t.Errorf("fallback HTML not escaped: %s", rendered.HTML[:120])
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate altered short input: %q", got)
	}
	long := strings.Repeat("é", 100)
	got := Truncate(long, 51)
	if len(got) > 51 {
		t.Errorf("Truncate result %d bytes, limit 51", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("Truncate split a rune: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("Truncate missing ellipsis: %q", got)
	}
}
