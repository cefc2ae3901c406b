package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/probectl/internal/logging"
)

const DefaultDomainSocket = "/tmp/probectl.sock"

// Config is the resolved server configuration. An empty address disables
// that transport.
type Config struct {
	DomainSocket string
	TCP          string
	HTTP         string
	StaticDir    string
	StopTimeout  time.Duration
	WaitWorkers  int
	WaitQueue    int
	LogLevel     string
	CORSOrigins  []string
}

func Default() Config {
	return Config{
		DomainSocket: DefaultDomainSocket,
		StopTimeout:  10 * time.Second,
		WaitWorkers:  8,
		WaitQueue:    64,
		LogLevel:     "info",
	}
}

type fileConfig struct {
	DomainSocket string   `toml:"domain_socket"`
	TCP          string   `toml:"tcp"`
	HTTP         string   `toml:"http"`
	StaticDir    string   `toml:"static_dir"`
	StopTimeout  string   `toml:"stop_timeout"`
	WaitWorkers  int      `toml:"wait_workers"`
	WaitQueue    int      `toml:"wait_queue"`
	LogLevel     string   `toml:"log_level"`
	CORSOrigins  []string `toml:"cors_origins"`
}

// Load reads path over the defaults. Only keys present in the file override;
// an explicitly empty address disables that transport.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("domain_socket") {
		cfg.DomainSocket = strings.TrimSpace(raw.DomainSocket)
	}
	if meta.IsDefined("tcp") {
		cfg.TCP = strings.TrimSpace(raw.TCP)
	}
	if meta.IsDefined("http") {
		cfg.HTTP = strings.TrimSpace(raw.HTTP)
	}
	if meta.IsDefined("static_dir") {
		cfg.StaticDir = strings.TrimSpace(raw.StaticDir)
	}
	if meta.IsDefined("stop_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StopTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse stop_timeout: %w", err)
		}
		cfg.StopTimeout = d
	}
	if meta.IsDefined("wait_workers") {
		cfg.WaitWorkers = raw.WaitWorkers
	}
	if meta.IsDefined("wait_queue") {
		cfg.WaitQueue = raw.WaitQueue
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.DomainSocket == "" && cfg.TCP == "" && cfg.HTTP == "" {
		return fmt.Errorf("at least one of domain_socket, tcp or http is required")
	}
	if cfg.TCP != "" && strings.ContainsRune(cfg.TCP, '/') {
		return fmt.Errorf("tcp must be host:port, got %q", cfg.TCP)
	}
	if cfg.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}
	if cfg.WaitWorkers <= 0 {
		return fmt.Errorf("wait_workers must be positive")
	}
	if cfg.WaitQueue <= 0 {
		return fmt.Errorf("wait_queue must be positive")
	}
	if cfg.LogLevel != "" {
		if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
		}
	}
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
