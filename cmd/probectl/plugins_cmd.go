//go:build unix

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the request kinds this build understands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			for _, kind := range reg.Kinds() {
				binding, _ := reg.Resolve(kind)
				mode := "sync"
				if binding.Blocking {
					mode = "blocking"
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", kind, mode); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
