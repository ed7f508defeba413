// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/deepseek-companion/internal/config"
	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/ollama"
	"github.com/jeranaias/deepseek-companion/internal/util"
)

// StatusData is the data reported by the status command.
type StatusData struct {
	Version      string        `json:"version"`
	ConfigFile   string        `json:"config_file,omitempty"`
	OllamaURL    string        `json:"ollama_url"`
	OllamaUp     bool          `json:"ollama_running"`
	OllamaError  string        `json:"ollama_error,omitempty"`
	DefaultModel string        `json:"default_model"`
	Models       []ModelStatus `json:"models"`
}

// ModelStatus reports whether a selectable model is installed.
type ModelStatus struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Installed   bool   `json:"installed"`
	Size        string `json:"size,omitempty"`
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check Ollama and the installed models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				if jsonOut {
					_ = NewJSONErrorResponse("status", err).Print(cmd.OutOrStdout())
				}
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			data := collectStatus(ctx, cfg, newClient(cfg))
			data.ConfigFile, _ = config.FindConfigFile()
			if opts.configPath != "" {
				data.ConfigFile = opts.configPath
			}

			if jsonOut {
				return NewJSONResponse("status", data).Print(cmd.OutOrStdout())
			}
			printStatus(cmd.OutOrStdout(), data)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

// collectStatus queries Ollama and matches installed models against the
// selectable ones.
func collectStatus(ctx context.Context, cfg *config.Config, client *ollama.Client) StatusData {
	data := StatusData{
		Version:      Version,
		OllamaURL:    client.BaseURL(),
		DefaultModel: cfg.Chat.DefaultModel,
	}

	var installed []ollama.ModelInfo
	if err := client.CheckRunning(ctx); err != nil {
		data.OllamaError = err.Error()
	} else {
		data.OllamaUp = true
		if installed, err = client.ListModels(ctx); err != nil {
			data.OllamaError = err.Error()
		}
	}

	for _, m := range model.Registry {
		st := ModelStatus{ID: m.ID, Description: m.Description}
		if info, ok := ollama.FindModel(installed, m.ID); ok {
			st.Installed = true
			st.Size = info.FormatSize()
		}
		data.Models = append(data.Models, st)
	}
	return data
}

func printStatus(w io.Writer, data StatusData) {
	fmt.Fprintln(w, TitleStyle.Render("companion status"))
	fmt.Fprintln(w, RenderSeparator())

	fmt.Fprintln(w, RenderLabel("Version")+ValueStyle.Render(data.Version))
	configFile := data.ConfigFile
	if configFile == "" {
		configFile = "(defaults)"
	}
	fmt.Fprintln(w, RenderLabel("Config")+ValueStyle.Render(configFile))

	ollamaState := "ok"
	if !data.OllamaUp {
		ollamaState = "fail"
	}
	fmt.Fprintln(w, RenderLabel("Ollama")+RenderStatus(ollamaState)+" "+ValueStyle.Render(data.OllamaURL))
	if data.OllamaError != "" {
		fmt.Fprintln(w, RenderLabel("")+DimStyle.Render(data.OllamaError))
	}

	fmt.Fprintln(w, SectionStyle.Render("Models"))
	for _, m := range data.Models {
		state := "missing"
		detail := "ollama pull " + m.ID
		if m.Installed {
			state = "installed"
			detail = m.Size
		}
		if !data.OllamaUp {
			state = "unknown"
			detail = ""
		}
		name := m.ID
		if m.ID == data.DefaultModel {
			name += " (default)"
		}
		fmt.Fprintf(w, "  %s %s %s\n", RenderStatus(state), util.PadRight(name, 28), DimStyle.Render(detail))
	}
}
