//go:build unix

package main

import (
	"fmt"

	"github.com/danmuck/probectl/internal/plugins/builtin"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the probectl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "probectl %s (api %.1f)\n", version, builtin.APIVersion)
			return err
		},
	}
}
