// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/deepseek-companion/internal/chat"
	"github.com/jeranaias/deepseek-companion/internal/config"
	"github.com/jeranaias/deepseek-companion/internal/logging"
	"github.com/jeranaias/deepseek-companion/internal/ollama"
	"github.com/jeranaias/deepseek-companion/internal/server"
	"github.com/jeranaias/deepseek-companion/internal/session"
)

type serveOptions struct {
	addr        string
	watchConfig bool
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	so := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the browser chat UI",
		Long: `Start the browser chat UI.

The server keeps one conversation per browser session, forwards each
question to Ollama and streams the reply into the page. With
--watch-config, edits to the chat section of the config file (system
prompt, greeting, history cap) and the session idle timeout apply
without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, so)
		},
	}

	cmd.Flags().StringVarP(&so.addr, "addr", "a", "", "Listen address (default 127.0.0.1:8501)")
	cmd.Flags().BoolVar(&so.watchConfig, "watch-config", false, "Reload the chat section when the config file changes")
	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOptions, so *serveOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if so.addr != "" {
		cfg.Server.Addr = so.addr
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newClient(cfg)
	checkOllama(ctx, client, cfg.Chat.DefaultModel, logger)

	sessions := session.NewManager(sessionConfig(cfg), logger)
	engine := newEngine(cfg, client, logger)
	srv := server.NewServer(cfg.Server.Addr, sessions, engine, logger).
		WithHealthChecker(client).
		WithVersion(Version)

	var watcher *config.Watcher
	if so.watchConfig {
		path, err := opts.configFilePath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("--watch-config needs a config file: %w", err)
		}
		watcher = config.NewWatcher(path, logger, reloadChat(engine, sessions))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s\n",
		TitleStyle.Render("companion"),
		ValueStyle.Render("http://"+cfg.Server.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return sessions.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("SERVER_STOPPED")
	return nil
}

// checkOllama warns at startup when Ollama is down or the default model
// is not installed. The server starts either way; turns report the error.
func checkOllama(ctx context.Context, client *ollama.Client, modelID string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.CheckRunning(ctx); err != nil {
		logger.Warn("OLLAMA_UNAVAILABLE",
			zap.String("url", client.BaseURL()),
			zap.Error(err),
		)
		return
	}

	installed, err := client.HasModel(ctx, modelID)
	switch {
	case err != nil:
		logger.Warn("MODEL_CHECK_FAILED", zap.String("model", modelID), zap.Error(err))
	case !installed:
		logger.Warn("MODEL_NOT_INSTALLED",
			zap.String("model", modelID),
			zap.String("hint", "ollama pull "+modelID),
		)
	}
}

// reloadChat applies a reloaded config to turns and sessions that start
// afterwards, and to the next idle sweep.
func reloadChat(engine *chat.Engine, sessions *session.Manager) func(*config.Config) {
	return func(cfg *config.Config) {
		engine.SetAssembler(assemblerFor(cfg.Chat))
		sessions.SetGreeting(cfg.Chat.Greeting)
		sessions.SetIdleTimeout(cfg.Server.SessionIdleTimeout.Std())
	}
}
