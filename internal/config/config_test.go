package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/probectl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probectl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
tcp = "127.0.0.1:7000"
stop_timeout = "3s"
wait_workers = 2
cors_origins = [" http://a.test ", ""]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DomainSocket != DefaultDomainSocket {
		t.Fatalf("expected default domain socket, got %q", cfg.DomainSocket)
	}
	if cfg.TCP != "127.0.0.1:7000" || cfg.HTTP != "" {
		t.Fatalf("unexpected listeners tcp=%q http=%q", cfg.TCP, cfg.HTTP)
	}
	if cfg.StopTimeout != 3*time.Second {
		t.Fatalf("unexpected stop timeout %v", cfg.StopTimeout)
	}
	if cfg.WaitWorkers != 2 || cfg.WaitQueue != 64 {
		t.Fatalf("unexpected pool sizing workers=%d queue=%d", cfg.WaitWorkers, cfg.WaitQueue)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://a.test" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestLoadEmptyAddressDisablesTransport(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, "domain_socket = \"\"\nhttp = \"127.0.0.1:0\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DomainSocket != "" {
		t.Fatalf("expected domain socket disabled, got %q", cfg.DomainSocket)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"no listeners":  "domain_socket = \"\"\n",
		"bad duration":  "stop_timeout = \"soon\"\n",
		"zero workers":  "wait_workers = 0\n",
		"unknown key":   "listen = \"x\"\n",
		"bad log level": "log_level = \"loud\"\n",
		"tcp is a path": "tcp = \"/tmp/x.sock\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTemplateLoadsAndRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "probectl.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("template should load cleanly: %v", err)
	}
	if cfg.TCP == "" || cfg.HTTP == "" || cfg.DomainSocket == "" {
		t.Fatalf("template should enable every transport, got %+v", cfg)
	}

	err = WriteTemplate(path, false)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}
