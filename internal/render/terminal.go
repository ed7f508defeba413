// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// TERMINAL RENDERER
// =============================================================================

// TerminalOptions configures terminal markdown rendering.
type TerminalOptions struct {
	// Width is the word-wrap column (default: 80)
	Width int

	// Style is a glamour standard style name: "dark", "light", "notty" (default: "dark")
	Style string
}

// DefaultTerminalOptions returns the default terminal options.
func DefaultTerminalOptions() TerminalOptions {
	return TerminalOptions{Width: 80, Style: "dark"}
}

// Terminal renders markdown for a terminal with glamour.
// glamour.TermRenderer is not safe for concurrent Render calls, so
// renderers are pooled rather than shared.
type Terminal struct {
	opts TerminalOptions
	pool sync.Pool

	thinkStyle lipgloss.Style
}

// NewTerminal creates a Terminal renderer. It fails if the style is unknown.
func NewTerminal(opts TerminalOptions) (*Terminal, error) {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	if opts.Style == "" {
		opts.Style = "dark"
	}

	// Build one up front so a bad style is reported here
	first, err := newTermRenderer(opts)
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}

	t := &Terminal{
		opts: opts,
		thinkStyle: lipgloss.NewStyle().
			Faint(true).
			Italic(true).
			PaddingLeft(2),
	}
	t.pool.New = func() any {
		r, err := newTermRenderer(opts)
		if err != nil {
			return nil
		}
		return r
	}
	t.pool.Put(first)
	return t, nil
}

func newTermRenderer(opts TerminalOptions) (*glamour.TermRenderer, error) {
	return glamour.NewTermRenderer(
		glamour.WithStandardStyle(opts.Style),
		glamour.WithWordWrap(opts.Width),
		glamour.WithPreservedNewLines(),
		glamour.WithEmoji(),
	)
}

// Markdown renders markdown source. On renderer failure the source is
// returned unchanged.
func (t *Terminal) Markdown(source string) string {
	r, _ := t.pool.Get().(*glamour.TermRenderer)
	if r == nil {
		return source
	}
	defer t.pool.Put(r)

	out, err := r.Render(source)
	if err != nil {
		return source
	}
	return out
}

// Reply renders an ai reply with any reasoning shown dimmed above the answer.
func (t *Terminal) Reply(content string) string {
	parts := Split(content)
	if !parts.HasThinking {
		return t.Markdown(parts.Answer)
	}

	var b strings.Builder
	if parts.Thinking != "" {
		b.WriteString(t.thinkStyle.Render(parts.Thinking))
		b.WriteString("\n")
	}
	if parts.Answer != "" {
		b.WriteString(t.Markdown(parts.Answer))
	}
	return b.String()
}

// Thinking renders reasoning text in the dimmed style used by Reply.
func (t *Terminal) Thinking(text string) string {
	return t.thinkStyle.Render(text)
}
