package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"llmproxy/internal/models"
)

func newToolsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and execute registered tools",
	}
	cmd.AddCommand(newToolsListCmd(opts))
	cmd.AddCommand(newToolsExecCmd(opts))
	return cmd
}

func newToolsListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := opts.loadConfig(); err != nil {
				return err
			}
			registry, err := toolRegistry()
			if err != nil {
				return err
			}
			tools := registry.AllTools()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tools)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPARAMETERS\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, formatParameters(t.Parameters), t.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tool definitions as JSON")
	return cmd
}

func newToolsExecCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <name> [args-json]",
		Short: "Execute a tool with JSON arguments and print the JSON result",
		Example: `  llmproxy tools exec add_numbers '{"a":2,"b":3}'
  llmproxy tools exec sum_list '{"values":[1.5,2.5]}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.loadConfig(); err != nil {
				return err
			}
			registry, err := toolRegistry()
			if err != nil {
				return err
			}

			var argsJSON string
			if len(args) == 2 {
				argsJSON = args[1]
			}

			out, err := registry.Execute(cmd.Context(), args[0], argsJSON)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

// formatParameters renders a schema as "name:type" pairs sorted by name.
func formatParameters(schema models.JSONSchema) string {
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		typ := prop.Type
		if prop.Items != nil {
			typ = "[]" + prop.Items.Type
		}
		parts = append(parts, name+":"+typ)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
