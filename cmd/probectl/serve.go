//go:build unix

package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/probectl/internal/config"
	"github.com/danmuck/probectl/internal/debugger"
	"github.com/danmuck/probectl/internal/logging"
	"github.com/danmuck/probectl/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type serveOptions struct {
	configPath string
	domain     string
	tcp        string
	http       string
	staticDir  string
	workers    int
	queue      int
}

func bindServeFlags(fs *pflag.FlagSet, opts *serveOptions) {
	fs.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	fs.StringVar(&opts.domain, "domain", config.DefaultDomainSocket, `domain socket path ("" disables)`)
	fs.StringVar(&opts.tcp, "tcp", "", "TCP listen address host:port")
	fs.StringVar(&opts.http, "http", "", "HTTP listen address host:port")
	fs.StringVar(&opts.staticDir, "static-dir", "", "directory served under /static")
	fs.IntVar(&opts.workers, "wait-workers", 0, "workers serving blocking requests")
	fs.IntVar(&opts.queue, "wait-queue", 0, "blocking requests queued before rejecting")
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with the demo debugger host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveServeConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				logging.SetLevel(cfg.LogLevel)
			}

			reg, err := newRegistry()
			if err != nil {
				return err
			}
			dbg := debugger.NewHandle()
			dbg.Attach(debugger.NewStatic("probectl-demo " + version))

			srv := server.New(serverConfig(cfg), reg, dbg)
			if err := srv.Start(); err != nil {
				return err
			}
			for label, addr := range srv.Addrs() {
				log.Info().Str("transport", label).Str("addr", addr).Msg("listening")
			}

			<-cmd.Context().Done()
			log.Info().Msg("shutdown requested")
			return srv.Stop()
		},
	}
	bindServeFlags(cmd.Flags(), opts)
	return cmd
}

// resolveServeConfig layers explicitly set flags over the config file, or
// over the defaults when no file is given.
func resolveServeConfig(fs *pflag.FlagSet, opts *serveOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if fs.Changed("domain") {
		cfg.DomainSocket = strings.TrimSpace(opts.domain)
	}
	if fs.Changed("tcp") {
		cfg.TCP = strings.TrimSpace(opts.tcp)
	}
	if fs.Changed("http") {
		cfg.HTTP = strings.TrimSpace(opts.http)
	}
	if fs.Changed("static-dir") {
		cfg.StaticDir = strings.TrimSpace(opts.staticDir)
	}
	if fs.Changed("wait-workers") {
		cfg.WaitWorkers = opts.workers
	}
	if fs.Changed("wait-queue") {
		cfg.WaitQueue = opts.queue
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid serve config: %w", err)
	}
	return cfg, nil
}

func serverConfig(cfg config.Config) server.Config {
	return server.Config{
		Domain:      cfg.DomainSocket,
		TCP:         cfg.TCP,
		HTTP:        cfg.HTTP,
		StaticDir:   cfg.StaticDir,
		CORSOrigins: cfg.CORSOrigins,
		StopTimeout: cfg.StopTimeout,
		WaitWorkers: cfg.WaitWorkers,
		WaitQueue:   cfg.WaitQueue,
	}
}
