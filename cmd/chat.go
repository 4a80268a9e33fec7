package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"llmproxy/internal/models"
)

type chatOptions struct {
	model     string
	system    string
	tools     []string
	noTools   bool
	retries   int
	maxTurns  int
	showUsage bool
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var chat chatOptions

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt through the tool loop and print the answer",
		Long: `Send one prompt to the configured provider, execute any tools the model
requests and print the final answer. The prompt is read from stdin when no
arguments are given.

Examples:
  llmproxy chat "What is 17 + 25?" --tools add_numbers
  echo "Join foo and bar" | llmproxy chat --tools concat_strings`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("model") {
				cfg.Model = chat.model
			}
			if flags.Changed("retries") {
				cfg.Retries = chat.retries
			}
			if flags.Changed("max-turns") {
				cfg.MaxTurns = chat.maxTurns
			}
			if flags.Changed("tools") {
				cfg.Tools = chat.tools
			}
			if chat.noTools {
				cfg.Tools = nil
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			registry, err := toolRegistry()
			if err != nil {
				return err
			}

			tools := registry.ToolsByNames(cfg.Tools...)
			if len(tools) != len(cfg.Tools) {
				var unknown []string
				for _, name := range cfg.Tools {
					if _, ok := registry.Lookup(name); !ok {
						unknown = append(unknown, name)
					}
				}
				return fmt.Errorf("unknown tools %s, available: %s",
					strings.Join(unknown, ", "), strings.Join(toolNames(registry.AllTools()), ", "))
			}

			rt, err := newRunner(cfg, registry)
			if err != nil {
				return err
			}

			var messages []models.ChatMessage
			if chat.system != "" {
				messages = append(messages, models.SystemMessage(chat.system))
			}
			messages = append(messages, models.UserMessage(prompt))

			result, err := rt.Run(cmd.Context(), models.CompletionRequest{
				Model:       cfg.Model,
				Messages:    messages,
				Temperature: cfg.Temperature,
				MaxTokens:   cfg.MaxTokens,
				Tools:       tools,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result.Response.Content)
			if chat.showUsage {
				fmt.Fprintf(cmd.ErrOrStderr(), "turns: %d, prompt tokens: %d, completion tokens: %d, total tokens: %d\n",
					result.Turns, result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&chat.model, "model", "m", "", "Model to use, overrides the config file")
	flags.StringVarP(&chat.system, "system", "s", "", "System prompt")
	flags.StringSliceVarP(&chat.tools, "tools", "t", nil, "Tools to offer the model, overrides the config file")
	flags.BoolVar(&chat.noTools, "no-tools", false, "Offer no tools")
	flags.IntVar(&chat.retries, "retries", 0, "Retries for transient provider failures")
	flags.IntVar(&chat.maxTurns, "max-turns", 0, "Maximum number of completions in the tool loop")
	flags.BoolVar(&chat.showUsage, "usage", false, "Print turn count and token usage to stderr")
	cmd.MarkFlagsMutuallyExclusive("tools", "no-tools")

	return cmd
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}
	return prompt, nil
}

func toolNames(tools []models.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}
