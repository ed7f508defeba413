// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/session"
	"github.com/jeranaias/deepseek-companion/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter converts a conversation to one output format.
type Exporter interface {
	// Export returns the rendered conversation.
	Export(conv *Conversation) ([]byte, error)

	// FileExtension returns the file extension, including the dot.
	FileExtension() string

	// MimeType returns the MIME type of the rendered output.
	MimeType() string
}

// ErrEmptyConversation is returned when there is nothing to export.
var ErrEmptyConversation = errors.New("conversation has no messages")

// maxTitleWidth bounds titles taken from the first question.
const maxTitleWidth = 60

// =============================================================================
// CONVERSATION SNAPSHOT
// =============================================================================

// Conversation is a point-in-time copy of a session's transcript.
type Conversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Model     string          `json:"model"`
	CreatedAt time.Time       `json:"created_at"`
	Messages  []model.Message `json:"messages"`
}

// FromSession snapshots sess. A pending query has no reply yet and is
// not part of the transcript, so it is not exported.
func FromSession(sess *session.Session) *Conversation {
	transcript := sess.Transcript()
	return &Conversation{
		ID:        sess.ID(),
		Title:     titleFor(transcript),
		Model:     sess.Model(),
		CreatedAt: sess.StartTime(),
		Messages:  transcript,
	}
}

// titleFor names a conversation after its first question.
func titleFor(transcript []model.Message) string {
	for _, msg := range transcript {
		if msg.IsUser() {
			if line := util.FirstLine(msg.Content); line != "" {
				return util.TruncateWidth(line, maxTitleWidth)
			}
		}
	}
	return "New conversation"
}

// Questions returns how many user messages the conversation holds.
func (c *Conversation) Questions() int {
	return model.CountByRole(c.Messages, model.RoleUser)
}

func (c *Conversation) validate() error {
	if c == nil {
		return errors.New("conversation is nil")
	}
	if len(c.Messages) == 0 {
		return ErrEmptyConversation
	}
	return nil
}

// =============================================================================
// FORMATS
// =============================================================================

// Formats lists the accepted format names.
var Formats = []string{"markdown", "json", "html"}

// ForFormat returns the exporter for a format name. "md" and "htm" are
// accepted as aliases.
func ForFormat(name string, codeStyle string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "markdown", "md":
		return NewMarkdownExporter(), nil
	case "json":
		return NewJSONExporter(), nil
	case "html", "htm":
		return NewHTMLExporter(codeStyle), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (%s)", name, strings.Join(Formats, ", "))
	}
}

// Filename returns the file name used for conv in the exporter's format.
func Filename(conv *Conversation, exporter Exporter) string {
	return fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(conv.Title),
		conv.CreatedAt.Format("20060102_150405"),
		exporter.FileExtension(),
	)
}

// WriteFile exports conv into dir and returns the written path.
func WriteFile(conv *Conversation, exporter Exporter, dir string) (string, error) {
	content, err := exporter.Export(conv)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, Filename(conv, exporter))
	if err := util.AtomicWriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in file names on
// any common platform. Names are NFC so the same title always maps to the
// same file name.
func sanitizeFilename(s string) string {
	const maxLen = 50
	s = norm.NFC.String(s)
	if runes := []rune(s); len(runes) > maxLen {
		s = string(runes[:maxLen])
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "conversation"
	}
	return b.String()
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
