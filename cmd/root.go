// Package cmd implements the llmproxy CLI using cobra.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"llmproxy/internal/config"
	"llmproxy/internal/logging"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	logLevel   string
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "llmproxy",
		Short: "Provider-neutral LLM proxy with tool calling",
		Long: `llmproxy talks to OpenAI-compatible and Ollama backends through one
canonical chat model and resolves tool calls against a local tool registry.

Run 'llmproxy serve' to start the HTTP server or 'llmproxy chat' to send a
single prompt from the terminal.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug|info|warn|error), overrides the config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newChatCmd(opts))
	root.AddCommand(newToolsCmd(opts))

	return root
}

// loadConfig reads the configuration and initializes the process logger from it.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Output: os.Stderr,
		Pretty: cfg.Log.Pretty,
	})
	return cfg, nil
}
