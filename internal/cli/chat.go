// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/deepseek-companion/internal/chat"
	"github.com/jeranaias/deepseek-companion/internal/config"
	"github.com/jeranaias/deepseek-companion/internal/export"
	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/render"
	"github.com/jeranaias/deepseek-companion/internal/server"
	"github.com/jeranaias/deepseek-companion/internal/session"
	"github.com/jeranaias/deepseek-companion/internal/util"
)

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close()
}

// historyReader provides line editing and persistent history with liner.
type historyReader struct {
	line        *liner.State
	historyFile string
}

func newHistoryReader() *historyReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &historyReader{line: line, historyFile: filepath.Join(dir, "chat_history")}

	if f, err := os.Open(r.historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *historyReader) ReadLine(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *historyReader) Close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// plainReader reads lines from a non-terminal input such as a pipe.
type plainReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// maxInputLine bounds one line of piped input. Lines past the question
// limit but within this bound are read and rejected without ending the chat.
const maxInputLine = 4 * server.MaxQueryLength

func newPlainReader(in io.Reader, out io.Writer) *plainReader {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInputLine)
	return &plainReader{scanner: scanner, out: out}
}

func (r *plainReader) ReadLine(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *plainReader) Close() {}

// =============================================================================
// CHAT COMMAND
// =============================================================================

func newChatCommand(opts *globalOptions) *cobra.Command {
	var modelID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Long: `Start an interactive chat in the terminal.

Replies stream as they arrive. Type /help for commands, /exit to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, modelID)
		},
	}

	cmd.Flags().StringVarP(&modelID, "model", "m", "", "Model to use ("+strings.Join(model.AllowedIDs(), ", ")+")")
	return cmd
}

// chatREPL is one terminal conversation.
type chatREPL struct {
	engine   *chat.Engine
	sessions *session.Manager
	sess     *session.Session
	term     *render.Terminal
	in       lineReader
	out      io.Writer
	errOut   io.Writer
}

func runChat(cmd *cobra.Command, opts *globalOptions, modelID string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger := opts.interactiveLogger(cfg, cmd.ErrOrStderr())
	defer func() { _ = logger.Sync() }()

	client := newClient(cfg)
	sessions := session.NewManager(sessionConfig(cfg), logger)
	sess := sessions.Start()
	if modelID != "" {
		if err := sess.SetModel(modelID); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	term, err := render.NewTerminal(render.TerminalOptions{Width: renderWidth(out), Style: glamourStyle()})
	if err != nil {
		return err
	}

	var in lineReader
	if isTerminal(cmd.InOrStdin()) && isTerminal(out) {
		in = newHistoryReader()
	} else {
		in = newPlainReader(cmd.InOrStdin(), out)
	}
	defer in.Close()

	repl := &chatREPL{
		engine:   newEngine(cfg, client, logger),
		sessions: sessions,
		sess:     sess,
		term:     term,
		in:       in,
		out:      out,
		errOut:   cmd.ErrOrStderr(),
	}
	defer func() { _ = sessions.End(repl.sess.ID()) }()
	return repl.run(cmd.Context())
}

func (r *chatREPL) run(ctx context.Context) error {
	r.printWelcome()

	for {
		input, err := r.in.ReadLine(PromptStyle.Render("you> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D, or end of piped input
			fmt.Fprintln(r.out)
			r.printExitSummary()
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			if errors.Is(err, bufio.ErrTooLong) {
				return fmt.Errorf("read input: line longer than %d bytes", maxInputLine)
			}
			return fmt.Errorf("read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if len(input) > server.MaxQueryLength {
			fmt.Fprintf(r.errOut, "%s question exceeds %d bytes\n", ErrorStyle.Render("[Error]"), server.MaxQueryLength)
			continue
		}

		if strings.HasPrefix(input, "/") {
			if !r.handleSlashCommand(input) {
				r.printExitSummary()
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			r.printExitSummary()
			return nil
		}

		if err := r.turn(ctx, input); err != nil {
			var turnErr *chat.TurnError
			if errors.As(err, &turnErr) {
				continue
			}
			fmt.Fprintf(r.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	}
}

// turn sends one question and streams the reply. Ctrl+C during the reply
// stops it; the turn is then recorded as failed.
func (r *chatREPL) turn(ctx context.Context, input string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	fmt.Fprintln(r.out, DimStyle.Render(server.ProcessingText))

	printed := 0
	err := r.engine.Turn(ctx, r.sess, input, func(accumulated string) error {
		_, werr := io.WriteString(r.out, accumulated[printed:])
		printed = len(accumulated)
		return werr
	})
	if printed > 0 {
		fmt.Fprintln(r.out)
	}

	var turnErr *chat.TurnError
	if errors.As(err, &turnErr) {
		fmt.Fprintln(r.errOut, ErrorStyle.Render(model.ErrorPrefix+turnErr.Description))
	}
	fmt.Fprintln(r.out)
	return err
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand runs a /command. It returns false to end the chat.
func (r *chatREPL) handleSlashCommand(input string) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/exit", "/quit", "/q":
		return false
	case "/help", "/h", "/?":
		r.printHelp()
	case "/model", "/m":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, RenderLabel("Model:")+ValueStyle.Render(r.sess.Model()))
			r.printModels()
			return true
		}
		if err := r.sess.SetModel(fields[1]); err != nil {
			fmt.Fprintf(r.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			return true
		}
		fmt.Fprintln(r.out, SuccessStyle.Render("Model set to "+fields[1]))
	case "/models":
		r.printModels()
	case "/history":
		r.printHistory()
	case "/save", "/export":
		r.save(fields[1:])
	case "/clear", "/new":
		_ = r.sessions.End(r.sess.ID())
		next := r.sessions.Start()
		_ = next.SetModel(r.sess.Model())
		r.sess = next
		fmt.Fprintln(r.out, DimStyle.Render("Started a new conversation."))
	default:
		fmt.Fprintf(r.errOut, "%s unknown command %s (try /help)\n", WarningStyle.Render("[Warn]"), fields[0])
	}
	return true
}

func (r *chatREPL) printWelcome() {
	fmt.Fprintln(r.out, TitleStyle.Render(server.PageTitle))
	fmt.Fprintln(r.out, DimStyle.Render(server.PageCaption))
	fmt.Fprintln(r.out, RenderSeparator())
	fmt.Fprintln(r.out, RenderLabel("Model:")+ValueStyle.Render(r.sess.Model()))
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands, /exit to quit."))
	fmt.Fprintln(r.out)

	for _, msg := range r.sess.Transcript() {
		fmt.Fprint(r.out, r.term.Reply(msg.Content))
	}
}

func (r *chatREPL) printHelp() {
	fmt.Fprintln(r.out, SectionStyle.Render("Commands"))
	rows := [][2]string{
		{"/model [id]", "Show or change the model"},
		{"/models", "List selectable models"},
		{"/history", "Show the conversation so far"},
		{"/save [fmt] [dir]", "Save the conversation (markdown, json, html)"},
		{"/clear", "Start a new conversation"},
		{"/exit", "Quit"},
	}
	for _, row := range rows {
		fmt.Fprintln(r.out, "  "+RenderLabel(row[0])+row[1])
	}
	fmt.Fprintln(r.out)
}

func (r *chatREPL) printModels() {
	current := r.sess.Model()
	for _, m := range model.Registry {
		marker := "  "
		if m.ID == current {
			marker = SuccessStyle.Render("* ")
		}
		fmt.Fprintf(r.out, "%s%s %s\n", marker, util.PadRight(m.ID, 18), DimStyle.Render(m.Description))
	}
}

func (r *chatREPL) printHistory() {
	for _, msg := range r.sess.Transcript() {
		label := msg.Role.DisplayName()
		switch {
		case msg.IsError:
			fmt.Fprintln(r.out, ErrorStyle.Render(label+":"), msg.Content)
		case msg.IsUser():
			fmt.Fprintln(r.out, PromptStyle.Render(label+":"), msg.Content)
		default:
			fmt.Fprintln(r.out, TitleStyle.Render(label+":"))
			fmt.Fprint(r.out, r.term.Reply(msg.Content))
		}
	}
}

// save writes the transcript to a file. Arguments are an optional format
// and an optional directory, defaulting to markdown in the working
// directory.
func (r *chatREPL) save(args []string) {
	format, dir := "", "."
	if len(args) > 0 {
		format = args[0]
	}
	if len(args) > 1 {
		dir = args[1]
	}

	exporter, err := export.ForFormat(format, render.DefaultCodeStyle)
	if err != nil {
		fmt.Fprintf(r.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		return
	}
	path, err := export.WriteFile(export.FromSession(r.sess), exporter, dir)
	if err != nil {
		fmt.Fprintf(r.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		return
	}
	fmt.Fprintln(r.out, SuccessStyle.Render("Saved")+" "+path)
}

func (r *chatREPL) printExitSummary() {
	transcript := r.sess.Transcript()
	questions := model.CountByRole(transcript, model.RoleUser)
	status := r.sessions.GetStatus(r.sess)
	fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("%d questions in %s. Goodbye!",
		questions, session.FormatDuration(status.Duration))))
}
