package config

import (
	"fmt"
	"os"
)

func Template() string {
	return serverTemplate
}

// WriteTemplate writes the annotated default config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(serverTemplate), 0o600)
}

const serverTemplate = `# Unix domain socket path. Set to "" to disable.
domain_socket = "/tmp/probectl.sock"

# TCP listener, host:port. Empty disables.
tcp = "127.0.0.1:5555"

# HTTP front end, host:port. Empty disables.
http = "127.0.0.1:5556"
static_dir = ""
cors_origins = ["http://localhost:3000"]

stop_timeout = "10s"
wait_workers = 8
wait_queue = 64
log_level = "info"
`
