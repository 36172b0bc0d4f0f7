package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danshapiro/decisiongraph/internal/adapter"
	"github.com/danshapiro/decisiongraph/internal/config"
)

const defaultEngineURL = "http://127.0.0.1:8787"

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath string
	EngineURL  string
	LogLevel   string
	Mode       string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "dgraph",
		Short:         "Client runtime for the decision-graph analysis Engine",
		Long:          "dgraph runs decision graphs against the analysis Engine and prints\nnormalized reports, streaming progress when the Engine supports it.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "run config (YAML or JSON)")
	pf.StringVar(&opts.EngineURL, "engine-url", "", "Engine base URL (overrides config and $"+config.EnvEngineURL+")")
	pf.StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error")
	pf.StringVar(&opts.Mode, "mode", "", "production|development (no config file only)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStreamCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newLimitsCommand(opts))
	cmd.AddCommand(newTemplatesCommand(opts))
	cmd.AddCommand(newShareCommand(opts))
	cmd.AddCommand(newProbeCommand(opts))
	cmd.AddCommand(newMockEngineCommand(opts))
	return cmd
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if o.ConfigPath != "" {
		c, err := config.Load(o.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		url := strings.TrimSpace(os.Getenv(config.EnvEngineURL))
		if url == "" {
			url = defaultEngineURL
		}
		cfg = &config.Config{Mode: config.Mode(o.Mode), Engine: config.EngineConfig{BaseURL: url}}
	}
	if o.EngineURL != "" {
		cfg.Engine.BaseURL = o.EngineURL
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *RootOptions) open() (*adapter.Adapter, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return adapter.New(cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
