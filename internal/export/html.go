// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/jeranaias/deepseek-companion/internal/render"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter writes a self-contained page with the code stylesheet
// inlined, so the file opens correctly without the server.
type HTMLExporter struct {
	renderer *render.HTML
}

// NewHTMLExporter creates an HTML exporter using the named chroma style.
func NewHTMLExporter(codeStyle string) *HTMLExporter {
	return &HTMLExporter{renderer: render.NewHTML(codeStyle)}
}

type htmlMessage struct {
	Role    string
	Name    string
	Time    string
	IsError bool
	Body    template.HTML
}

type htmlPage struct {
	Title    string
	Model    string
	Date     string
	CodeCSS  template.CSS
	Messages []htmlMessage
}

var pageTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { background: #1e1e1e; color: #ddd; font-family: system-ui, sans-serif; max-width: 860px; margin: 2rem auto; padding: 0 1rem; }
header { border-bottom: 1px solid #444; margin-bottom: 1.5rem; }
header p { color: #999; }
article { margin: 1rem 0; padding: 0.75rem 1rem; border-radius: 8px; background: #2a2a2a; }
article.user { background: #263238; }
article.error { border-left: 3px solid #e57373; }
.meta { color: #999; font-size: 0.85rem; margin-bottom: 0.5rem; }
pre { overflow-x: auto; padding: 0.75rem; border-radius: 6px; }
details.thinking { color: #aaa; border-left: 2px solid #555; padding-left: 0.75rem; margin-bottom: 0.75rem; }
{{.CodeCSS}}
</style>
</head>
<body>
<header>
<h1>{{.Title}}</h1>
<p>{{.Model}} · {{.Date}}</p>
</header>
{{range .Messages}}<article class="{{.Role}}{{if .IsError}} error{{end}}">
<div class="meta">{{.Name}} · {{.Time}}</div>
{{.Body}}
</article>
{{end}}</body>
</html>
`))

// Export renders conv as an HTML document.
func (e *HTMLExporter) Export(conv *Conversation) ([]byte, error) {
	if err := conv.validate(); err != nil {
		return nil, err
	}

	var css bytes.Buffer
	if err := e.renderer.WriteCSS(&css); err != nil {
		return nil, fmt.Errorf("code stylesheet: %w", err)
	}

	page := htmlPage{
		Title:   conv.Title,
		Model:   conv.Model,
		Date:    formatTimestamp(conv.CreatedAt),
		CodeCSS: template.CSS(css.String()),
	}
	for _, msg := range conv.Messages {
		page.Messages = append(page.Messages, htmlMessage{
			Role:    msg.Role.String(),
			Name:    msg.Role.DisplayName(),
			Time:    formatTimestamp(msg.Timestamp),
			IsError: msg.IsError,
			Body:    e.renderer.Message(msg),
		})
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, page); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileExtension returns ".html".
func (e *HTMLExporter) FileExtension() string { return ".html" }

// MimeType returns the HTML MIME type.
func (e *HTMLExporter) MimeType() string { return "text/html; charset=utf-8" }
