package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"llmproxy/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}

			tools, err := toolRegistry()
			if err != nil {
				return err
			}

			rt, err := newRunner(cfg, tools)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg, rt, tools)
			if err != nil {
				return err
			}

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&overridePort, "port", "p", 0, "Override server port from configuration")
	return cmd
}
