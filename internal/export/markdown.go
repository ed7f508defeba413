// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/deepseek-companion/internal/render"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// frontMatter is the YAML header of a markdown export.
type frontMatter struct {
	Title     string `yaml:"title"`
	Model     string `yaml:"model"`
	Date      string `yaml:"date"`
	Messages  int    `yaml:"messages"`
	Questions int    `yaml:"questions"`
	Exported  string `yaml:"exported"`
}

// MarkdownExporter writes a conversation as markdown with YAML front
// matter. Model reasoning is kept in a collapsible <details> block.
type MarkdownExporter struct {
	now func() time.Time
}

// NewMarkdownExporter creates a markdown exporter.
func NewMarkdownExporter() *MarkdownExporter {
	return &MarkdownExporter{now: time.Now}
}

// Export renders conv as markdown.
func (e *MarkdownExporter) Export(conv *Conversation) ([]byte, error) {
	if err := conv.validate(); err != nil {
		return nil, err
	}

	// yaml.v3 quotes values that would otherwise break the header
	header, err := yaml.Marshal(frontMatter{
		Title:     conv.Title,
		Model:     conv.Model,
		Date:      conv.CreatedAt.Format(time.RFC3339),
		Messages:  len(conv.Messages),
		Questions: conv.Questions(),
		Exported:  e.now().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(conv.Title))

	for i, msg := range conv.Messages {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&sb, "### %s\n\n", msg.Role.DisplayName())
		fmt.Fprintf(&sb, "*%s*\n\n", formatTimestamp(msg.Timestamp))

		if msg.IsError || msg.IsUser() {
			sb.WriteString(strings.TrimSpace(msg.Content))
			sb.WriteString("\n")
			continue
		}

		parts := render.Split(msg.Content)
		if parts.HasThinking && parts.Thinking != "" {
			sb.WriteString("<details>\n")
			fmt.Fprintf(&sb, "<summary>%s</summary>\n\n", render.ThinkingSummary)
			sb.WriteString(parts.Thinking)
			sb.WriteString("\n\n</details>\n\n")
		}
		sb.WriteString(parts.Answer)
		sb.WriteString("\n")
	}

	return []byte(sb.String()), nil
}

// FileExtension returns ".md".
func (e *MarkdownExporter) FileExtension() string { return ".md" }

// MimeType returns the markdown MIME type.
func (e *MarkdownExporter) MimeType() string { return "text/markdown; charset=utf-8" }

// escapeMarkdown escapes characters that would turn a heading into
// something else.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		"`", "\\`",
		"*", `\*`,
		"_", `\_`,
		"[", `\[`,
		"]", `\]`,
		"#", `\#`,
		"\n", " ",
	)
	return r.Replace(s)
}
