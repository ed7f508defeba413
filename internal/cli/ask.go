// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/deepseek-companion/internal/chat"
	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/render"
	"github.com/jeranaias/deepseek-companion/internal/session"
)

type askOptions struct {
	model  string
	stream bool
	raw    bool
}

func newAskCommand(opts *globalOptions) *cobra.Command {
	ao := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question",
		Long: `Ask a single question and print the reply.

The question is taken from the arguments, or from stdin when none are given:
  companion ask "how do I reverse a slice in go?"
  cat main.go | companion ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := readQuestion(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return runAsk(cmd, opts, ao, question)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&ao.model, "model", "m", "", "Model to use ("+strings.Join(model.AllowedIDs(), ", ")+")")
	flags.BoolVarP(&ao.stream, "stream", "s", false, "Print the reply as it arrives instead of rendering it at the end")
	flags.BoolVar(&ao.raw, "raw", false, "Print the reply without markdown rendering")
	return cmd
}

// readQuestion joins the arguments, or reads in when there are none and
// it is not a terminal.
func readQuestion(in io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if isTerminal(in) {
		return "", errors.New("no question given")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("no question given")
	}
	return string(data), nil
}

func runAsk(cmd *cobra.Command, opts *globalOptions, ao *askOptions, question string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger := opts.interactiveLogger(cfg, cmd.ErrOrStderr())
	defer func() { _ = logger.Sync() }()

	client := newClient(cfg)
	sessions := session.NewManager(sessionConfig(cfg), logger)
	sess := sessions.Start()
	defer func() { _ = sessions.End(sess.ID()) }()

	if ao.model != "" {
		if err := sess.SetModel(ao.model); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	var onFragment chat.FragmentFunc
	printed := 0
	if ao.stream {
		onFragment = func(accumulated string) error {
			_, err := io.WriteString(out, accumulated[printed:])
			printed = len(accumulated)
			return err
		}
	}

	engine := newEngine(cfg, client, logger)
	if err := engine.Turn(ctx, sess, question, onFragment); err != nil {
		var turnErr *chat.TurnError
		if errors.As(err, &turnErr) {
			if printed > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), ErrorStyle.Render(model.ErrorPrefix+turnErr.Description))
		}
		return err
	}

	if ao.stream {
		fmt.Fprintln(out)
		return nil
	}

	transcript := sess.Transcript()
	reply := transcript[len(transcript)-1].Content
	if ao.raw || !isTerminal(out) {
		fmt.Fprintln(out, strings.TrimRight(reply, "\n"))
		return nil
	}

	term, err := render.NewTerminal(render.TerminalOptions{Width: renderWidth(out), Style: glamourStyle()})
	if err != nil {
		return err
	}
	fmt.Fprint(out, term.Reply(reply))
	return nil
}
