package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newPostCmd creates the 'post' subcommand, which sends one JSON body.
func newPostCmd() *cobra.Command {
	var (
		data    string
		headers map[string]string
	)
	cmd := &cobra.Command{
		Use:   "post <url>",
		Short: "POST a JSON body and print the parsed response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return errors.New("--data must be valid JSON")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.GetEngine().PostJSON(cmd.Context(), args[0], []byte(data), headers)
			if err != nil {
				return fmt.Errorf("post: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON request body")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "extra request header as name=value")
	return cmd
}
