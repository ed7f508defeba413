// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render turns transcript text into HTML for the browser and into
// styled text for the terminal.
package render

import (
	"bytes"
	"html"
	"html/template"
	"io"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"

	"github.com/jeranaias/deepseek-companion/internal/model"
)

// =============================================================================
// HTML RENDERER
// =============================================================================

// DefaultCodeStyle is the chroma style used for fenced code.
const DefaultCodeStyle = "monokai"

// ThinkingSummary labels the collapsible reasoning block.
const ThinkingSummary = "💭 Reasoning"

// HTML renders markdown messages to sanitized HTML. Fenced code is
// highlighted with chroma using CSS classes; call WriteCSS for the sheet.
// An HTML renderer is safe for concurrent use.
type HTML struct {
	md        goldmark.Markdown
	policy    *bluemonday.Policy
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

// NewHTML creates an HTML renderer using the named chroma style. Unknown
// names fall back to the chroma default.
func NewHTML(codeStyle string) *HTML {
	style := styles.Get(codeStyle)
	if style == nil {
		style = styles.Fallback
	}
	formatter := chromahtml.New(
		chromahtml.WithClasses(true),
		chromahtml.TabWidth(4),
	)

	code := &codeBlockRenderer{formatter: formatter, style: style}
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(gmutil.Prioritized(code, 100)),
		),
	)

	return &HTML{
		md:        md,
		policy:    newPolicy(),
		formatter: formatter,
		style:     style,
	}
}

// SECURITY: model output is untrusted; everything goes through bluemonday
func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("div", "span", "pre", "code")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)).
		OnElements("span", "pre", "code", "div")
	p.AllowAttrs("data-lang").Matching(regexp.MustCompile(`^[a-zA-Z0-9+#._-]*$`)).
		OnElements("div")
	return p
}

// Markdown converts markdown source to sanitized HTML.
func (h *HTML) Markdown(source string) template.HTML {
	var buf bytes.Buffer
	if err := h.md.Convert([]byte(source), &buf); err != nil {
		return template.HTML("<p>" + html.EscapeString(source) + "</p>")
	}
	return template.HTML(h.policy.Sanitize(buf.String()))
}

// Message renders one transcript message. Error messages are shown as
// plain text. Reasoning in ai replies is folded into a <details> block
// that stays open while the reasoning is still streaming.
func (h *HTML) Message(msg model.Message) template.HTML {
	if msg.IsError {
		return template.HTML(`<p class="error">` + html.EscapeString(msg.Content) + `</p>`)
	}
	if msg.Role != model.RoleAI {
		return h.Markdown(msg.Content)
	}
	return h.Reply(msg.Content)
}

// Reply renders a possibly partial ai reply.
func (h *HTML) Reply(content string) template.HTML {
	parts := Split(content)
	if !parts.HasThinking {
		return h.Markdown(parts.Answer)
	}

	var b strings.Builder
	if parts.ThinkingOpen {
		b.WriteString(`<details class="thinking" open>`)
	} else {
		b.WriteString(`<details class="thinking">`)
	}
	b.WriteString("<summary>" + html.EscapeString(ThinkingSummary) + "</summary>")
	b.WriteString(string(h.Markdown(parts.Thinking)))
	b.WriteString("</details>")
	b.WriteString(string(h.Markdown(parts.Answer)))
	return template.HTML(b.String())
}

// WriteCSS writes the stylesheet for highlighted code.
func (h *HTML) WriteCSS(w io.Writer) error {
	return h.formatter.WriteCSS(w, h.style)
}

// =============================================================================
// FENCED CODE
// =============================================================================

type codeBlockRenderer struct {
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCode)
}

func (r *codeBlockRenderer) renderFencedCode(w gmutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)
	lang := string(n.Language(source))

	var code strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}

	_, _ = w.WriteString(`<div class="codeblock" data-lang="` + html.EscapeString(lang) + `">`)
	if err := r.highlight(w, lang, code.String()); err != nil {
		_, _ = w.WriteString("<pre><code>" + html.EscapeString(code.String()) + "</code></pre>")
	}
	_, _ = w.WriteString("</div>\n")
	return ast.WalkSkipChildren, nil
}

func (r *codeBlockRenderer) highlight(w io.Writer, lang, code string) error {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return err
	}
	// Buffer so a failed format leaves nothing half-written
	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.style, it); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
