package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetchengine/internal/fetch"
)

// newHealthCmd creates the 'health' subcommand, which runs one pool health check.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run a worker pool health check and print the snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fetch.MarshalHealth(appInstance.GetEngine().CheckHealth()))
		},
	}
}
