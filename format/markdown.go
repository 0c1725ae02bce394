// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package format turns agent output into Telegram messages.
//
// Agents emit markdown; Telegram accepts a small HTML subset (b, i, s,
// u, a, code, pre, blockquote). Render walks the goldmark AST and
// emits that subset directly, because goldmark's stock HTML renderer
// produces tags Telegram rejects (p, ul, h1, ...). The same walk also
// produces a tag-free plain rendition, used when Telegram refuses the
// markup and the message is resent as plain text.
package format

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MaxMessageLength is Telegram's limit on message text.
const MaxMessageLength = 4096

// markdownParserInstance is initialized once and reused. The parser
// configuration never changes and the goldmark Parser is safe to
// share; parsing creates per-call state via Parse(reader).
var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return markdownParserInstance
}

// Rendered holds both renditions of one message body.
type Rendered struct {
	HTML  string
	Plain string
}

// Render parses markdown and produces the Telegram-HTML and plain
// renditions. When the HTML rendition exceeds MaxMessageLength, both
// renditions collapse to truncated plain text: cutting HTML at a byte
// limit would sever tags mid-element.
func Render(input string) Rendered {
	return clamp(Rendered{
		HTML:  renderMarkdown(input, true),
		Plain: renderMarkdown(input, false),
	})
}

// clamp enforces the message length limit on both renditions. An
// over-length HTML rendition is rebuilt from the plain text rather
// than cut, because a byte cut can sever a tag mid-element; the
// rebuilt text is entity-escaped so it stays valid under HTML parse
// mode.
func clamp(rendered Rendered) Rendered {
	if len(rendered.Plain) > MaxMessageLength {
		rendered.Plain = Truncate(rendered.Plain, MaxMessageLength)
	}
	if len(rendered.HTML) > MaxMessageLength {
		rendered.HTML = escapeClamped(rendered.Plain)
	}
	return rendered
}

// escapeClamped escapes plain text for HTML parse mode, shrinking the
// input until the escaped form fits the message limit. Escaping only
// expands text, so the loop terminates.
func escapeClamped(plain string) string {
	cut := MaxMessageLength
	for cut > 0 {
		candidate := html.EscapeString(Truncate(plain, cut))
		if len(candidate) <= MaxMessageLength {
			return candidate
		}
		cut -= len(candidate) - MaxMessageLength
	}
	return ""
}

// Truncate cuts s to at most limit bytes on a rune boundary, appending
// an ellipsis when anything was removed.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	const ellipsis = "…"
	cut := limit - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func renderMarkdown(input string, htmlMode bool) string {
	if input == "" {
		return ""
	}
	source := []byte(input)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	renderer := &messageRenderer{source: source, htmlMode: htmlMode}
	ast.Walk(document, renderer.walk)

	return strings.TrimRight(renderer.output.String(), "\n")
}

// messageRenderer walks a goldmark AST and emits Telegram-safe output.
// A direct ast.Walk, not goldmark's renderer interface: the output has
// no block tags, so blocks are separated by newline management rather
// than wrapping elements, and the HTML and plain renditions share one
// walk with tag emission switched off for plain.
type messageRenderer struct {
	source   []byte
	htmlMode bool

	output strings.Builder

	listStack []listState

	// Trailing newlines at the end of output, for blank line
	// management between blocks.
	trailingNewlines int
}

type listState struct {
	ordered bool
	counter int
}

func (r *messageRenderer) write(s string) {
	if s == "" {
		return
	}
	r.output.WriteString(s)

	trailing := 0
	allNewlines := true
	for index := len(s) - 1; index >= 0; index-- {
		if s[index] == '\n' {
			trailing++
		} else {
			allNewlines = false
			break
		}
	}
	if allNewlines {
		r.trailingNewlines += trailing
	} else {
		r.trailingNewlines = trailing
	}
}

// text escapes s for the current mode.
func (r *messageRenderer) text(s string) string {
	if r.htmlMode {
		return html.EscapeString(s)
	}
	return s
}

// tag emits markup only in HTML mode.
func (r *messageRenderer) tag(s string) {
	if r.htmlMode {
		r.write(s)
	}
}

func (r *messageRenderer) ensureNewline() {
	if r.trailingNewlines < 1 {
		r.write("\n")
	}
}

func (r *messageRenderer) ensureBlankLine() {
	for r.trailingNewlines < 2 {
		r.write("\n")
	}
}

func (r *messageRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {

	case ast.KindDocument:

	case ast.KindParagraph, ast.KindTextBlock:
		if !entering {
			r.ensureNewline()
			if len(r.listStack) == 0 {
				r.ensureBlankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			r.ensureBlankLine()
			r.tag("<b>")
		} else {
			r.tag("</b>")
			r.ensureNewline()
			r.ensureBlankLine()
		}

	case ast.KindFencedCodeBlock:
		if entering {
			r.renderFencedCodeBlock(node.(*ast.FencedCodeBlock))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			r.renderCodeBlock(node.(*ast.CodeBlock))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			r.ensureNewline()
			r.tag("<blockquote>")
		} else {
			r.tag("</blockquote>")
			r.ensureNewline()
			r.ensureBlankLine()
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			start := 0
			if list.IsOrdered() {
				start = list.Start
			}
			r.listStack = append(r.listStack, listState{
				ordered: list.IsOrdered(),
				counter: start,
			})
		} else {
			r.listStack = r.listStack[:len(r.listStack)-1]
			if len(r.listStack) == 0 {
				r.ensureBlankLine()
			}
		}

	case ast.KindListItem:
		if entering {
			r.ensureNewline()
			r.write(r.bullet())
		}

	case ast.KindThematicBreak:
		if entering {
			r.ensureBlankLine()
			r.write("———")
			r.ensureNewline()
			r.ensureBlankLine()
		}

	case ast.KindHTMLBlock:
		if entering {
			r.renderHTMLBlock(node.(*ast.HTMLBlock))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindText:
		if entering {
			r.handleText(node.(*ast.Text))
		}

	case ast.KindString:
		if entering {
			r.write(r.text(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		if node.(*ast.Emphasis).Level >= 2 {
			if entering {
				r.tag("<b>")
			} else {
				r.tag("</b>")
			}
		} else {
			if entering {
				r.tag("<i>")
			} else {
				r.tag("</i>")
			}
		}

	case ast.KindCodeSpan:
		if entering {
			r.renderCodeSpan(node)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			r.renderLink(node.(*ast.Link))
		} else {
			r.leaveLink(node.(*ast.Link))
		}

	case ast.KindAutoLink:
		if entering {
			url := string(node.(*ast.AutoLink).URL(r.source))
			if r.htmlMode {
				escaped := html.EscapeString(url)
				r.write(`<a href="` + escaped + `">` + escaped + `</a>`)
			} else {
				r.write(url)
			}
		}

	case ast.KindImage:
		if entering {
			// Telegram messages cannot embed images; show the alt text
			// and the URL.
			image := node.(*ast.Image)
			r.write(r.text(string(nodeText(image, r.source))))
			if url := string(image.Destination); url != "" {
				r.write(" (" + r.text(url) + ")")
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		if entering {
			raw := node.(*ast.RawHTML)
			var builder strings.Builder
			for index := 0; index < raw.Segments.Len(); index++ {
				segment := raw.Segments.At(index)
				builder.Write(segment.Value(r.source))
			}
			r.write(r.text(stripTags(builder.String())))
		}

	case extast.KindStrikethrough:
		if entering {
			r.tag("<s>")
		} else {
			r.tag("</s>")
		}

	case extast.KindTable:
		if entering {
			r.renderTable(node)
			return ast.WalkSkipChildren, nil
		}

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				r.write("[x] ")
			} else {
				r.write("[ ] ")
			}
		}
	}

	return ast.WalkContinue, nil
}

func (r *messageRenderer) bullet() string {
	if len(r.listStack) == 0 {
		return "• "
	}
	indent := strings.Repeat("  ", len(r.listStack)-1)
	top := &r.listStack[len(r.listStack)-1]
	if top.ordered {
		bullet := fmt.Sprintf("%s%d. ", indent, top.counter)
		top.counter++
		return bullet
	}
	return indent + "• "
}

func (r *messageRenderer) handleText(node *ast.Text) {
	r.write(r.text(string(node.Segment.Value(r.source))))
	if node.SoftLineBreak() || node.HardLineBreak() {
		r.write("\n")
	}
}

func (r *messageRenderer) renderFencedCodeBlock(node *ast.FencedCodeBlock) {
	language := string(node.Language(r.source))
	code := blockLines(node, r.source)
	r.ensureBlankLine()
	if r.htmlMode {
		if language != "" {
			r.write(`<pre><code class="language-` + html.EscapeString(language) + `">`)
		} else {
			r.write("<pre>")
		}
		r.write(html.EscapeString(code))
		if language != "" {
			r.write("</code></pre>")
		} else {
			r.write("</pre>")
		}
	} else {
		r.write(strings.TrimRight(code, "\n"))
	}
	r.ensureNewline()
	r.ensureBlankLine()
}

func (r *messageRenderer) renderCodeBlock(node *ast.CodeBlock) {
	code := blockLines(node, r.source)
	r.ensureBlankLine()
	if r.htmlMode {
		r.write("<pre>" + html.EscapeString(code) + "</pre>")
	} else {
		r.write(strings.TrimRight(code, "\n"))
	}
	r.ensureNewline()
	r.ensureBlankLine()
}

func (r *messageRenderer) renderCodeSpan(node ast.Node) {
	var code strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch typed := child.(type) {
		case *ast.Text:
			code.Write(typed.Segment.Value(r.source))
		case *ast.String:
			code.Write(typed.Value)
		}
	}
	if r.htmlMode {
		r.write("<code>" + html.EscapeString(code.String()) + "</code>")
	} else {
		r.write(code.String())
	}
}

func (r *messageRenderer) renderLink(node *ast.Link) {
	if r.htmlMode {
		r.write(`<a href="` + html.EscapeString(string(node.Destination)) + `">`)
	}
}

func (r *messageRenderer) leaveLink(node *ast.Link) {
	if r.htmlMode {
		r.write("</a>")
	} else if url := string(node.Destination); url != "" {
		r.write(" (" + url + ")")
	}
}

func (r *messageRenderer) renderHTMLBlock(node *ast.HTMLBlock) {
	content := blockLines(node, r.source)
	stripped := strings.TrimSpace(stripTags(content))
	if stripped == "" {
		return
	}
	r.write(r.text(stripped))
	r.ensureNewline()
	r.ensureBlankLine()
}

// renderTable emits rows as pipe-separated lines. Telegram has no
// table markup in either mode.
func (r *messageRenderer) renderTable(node ast.Node) {
	r.ensureBlankLine()
	for row := node.FirstChild(); row != nil; row = row.NextSibling() {
		if row.Kind() != extast.KindTableHeader && row.Kind() != extast.KindTableRow {
			continue
		}
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.TrimSpace(string(nodeText(cell, r.source))))
		}
		line := strings.Join(cells, " | ")
		if row.Kind() == extast.KindTableHeader && r.htmlMode {
			r.write("<b>" + html.EscapeString(line) + "</b>")
		} else {
			r.write(r.text(line))
		}
		r.ensureNewline()
	}
	r.ensureBlankLine()
}

// blockLines collects the raw source lines of a block node.
func blockLines(node ast.Node, source []byte) string {
	var builder strings.Builder
	lines := node.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		builder.Write(segment.Value(source))
	}
	return builder.String()
}

// nodeText collects the plain text under a node, ignoring markup.
func nodeText(node ast.Node, source []byte) []byte {
	var builder strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch typed := child.(type) {
		case *ast.Text:
			builder.Write(typed.Segment.Value(source))
		case *ast.String:
			builder.Write(typed.Value)
		default:
			builder.Write(nodeText(child, source))
		}
	}
	return []byte(builder.String())
}

// stripTags removes HTML tags, keeping only text content.
func stripTags(input string) string {
	var builder strings.Builder
	inTag := false
	for _, character := range input {
		switch {
		case character == '<':
			inTag = true
		case character == '>':
			inTag = false
		case !inTag:
			builder.WriteRune(character)
		}
	}
	return builder.String()
}
