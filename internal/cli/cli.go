// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/deepseek-companion/internal/chat"
	"github.com/jeranaias/deepseek-companion/internal/config"
	"github.com/jeranaias/deepseek-companion/internal/logging"
	"github.com/jeranaias/deepseek-companion/internal/ollama"
	"github.com/jeranaias/deepseek-companion/internal/prompt"
	"github.com/jeranaias/deepseek-companion/internal/session"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// GLOBAL OPTIONS
// =============================================================================

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	ollamaURL  string
	logLevel   string
	noColor    bool
}

// loadConfig loads the config file and applies flag overrides on top of
// file and environment values.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.ollamaURL != "" {
		cfg.Ollama.URL = o.ollamaURL
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// configFilePath is the file config commands read and write: --config,
// else the first existing file, else the default TOML path.
func (o *globalOptions) configFilePath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	found, err := config.FindConfigFile()
	if err != nil {
		return "", err
	}
	if found != "" {
		return found, nil
	}
	return config.DefaultPath()
}

// interactiveLogger builds the logger for terminal commands. Unless
// --log-level is given only warnings are shown, so logs do not interleave
// with replies.
func (o *globalOptions) interactiveLogger(cfg *config.Config, w io.Writer) *zap.Logger {
	level := "warn"
	if o.logLevel != "" {
		level = cfg.Log.Level
	}
	return logging.Must(logging.Options{Level: level, Format: cfg.Log.Format, Output: w})
}

// =============================================================================
// WIRING
// =============================================================================

func newClient(cfg *config.Config) *ollama.Client {
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Ollama.URL,
		Timeout:      cfg.Ollama.Timeout.Std(),
		DefaultModel: cfg.Chat.DefaultModel,
	})
}

func assemblerFor(c config.ChatConfig) *prompt.Assembler {
	a := prompt.New()
	if c.SystemPrompt != "" {
		a.System = c.SystemPrompt
	}
	a.MaxHistory = c.MaxHistory
	return a
}

func newEngine(cfg *config.Config, client *ollama.Client, logger *zap.Logger) *chat.Engine {
	return chat.NewEngine(client, assemblerFor(cfg.Chat), logger).WithBackendURL(client.BaseURL())
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		IdleTimeout:   cfg.Server.SessionIdleTimeout.Std(),
		SweepInterval: cfg.Server.SweepInterval.Std(),
		Greeting:      cfg.Chat.Greeting,
		DefaultModel:  cfg.Chat.DefaultModel,
	}
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the companion command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "companion",
		Short: "DeepSeek code companion backed by a local Ollama server",
		Long: `companion is a coding assistant that talks to DeepSeek-R1 through a
locally running Ollama server. Replies stream as they are generated.

Examples:
  companion serve                       Start the browser UI
  companion chat                        Chat in the terminal
  companion ask "reverse a list in go"  Ask one question
  companion status                      Check Ollama and installed models
  companion config init                 Write a default config file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				ForceColorsEnabled(false)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.companion/config.toml)")
	flags.StringVar(&opts.ollamaURL, "ollama-url", "", "Ollama base URL (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newAskCommand(opts),
		newStatusCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		var turnErr *chat.TurnError
		if errors.As(err, &turnErr) {
			// Already shown to the user
			return 1
		}
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}

// =============================================================================
// VERSION COMMAND
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "companion %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		},
	}
}
