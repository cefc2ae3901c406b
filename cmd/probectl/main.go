//go:build unix

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/probectl/internal/logging"
	"github.com/danmuck/probectl/internal/plugins"
	"github.com/danmuck/probectl/internal/plugins/builtin"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "probectl: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:           "probectl",
		Short:         "Debugger API server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if level == "" {
				return nil
			}
			if !logging.SetLevel(level) {
				return fmt.Errorf("unknown log level %q", level)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&level, "log-level", "", "log level (trace|debug|info|warn|error|off)")
	cmd.AddCommand(
		newServeCommand(),
		newRequestCommand(),
		newPluginsCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

// newRegistry returns the plugin set every probectl binary agrees on.
func newRegistry() (*plugins.Registry, error) {
	reg := plugins.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
