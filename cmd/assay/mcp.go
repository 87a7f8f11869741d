// ABOUTME: The mcp subcommand: serves the ask and list_runs tools over stdio.
// ABOUTME: stdout carries the protocol, so run logs stay in each run's app.log.
package main

import (
	"github.com/spf13/cobra"

	"github.com/2389-research/assay/mcpserver"
)

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve assay as an MCP tool server over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			server := mcpserver.New(version, a.service, a.store)
			return mcpserver.Serve(cmd.Context(), server)
		},
	}
}
