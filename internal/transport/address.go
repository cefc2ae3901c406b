package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

// Address is either a filesystem path (domain socket) or a host/port pair.
type Address struct {
	Network string
	Path    string
	Host    string
	Port    int
}

// ParseAddress accepts "unix:/path", any value containing a path separator,
// or "host:port".
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, fmt.Errorf("transport: empty address")
	}
	if path, ok := strings.CutPrefix(raw, "unix:"); ok {
		if strings.TrimSpace(path) == "" {
			return Address{}, fmt.Errorf("transport: empty socket path")
		}
		return Address{Network: NetworkUnix, Path: path}, nil
	}
	if path, ok := strings.CutPrefix(raw, "tcp:"); ok {
		raw = path
	} else if strings.ContainsRune(raw, '/') {
		return Address{Network: NetworkUnix, Path: raw}, nil
	}
	host, portRaw, err := net.SplitHostPort(raw)
	if err != nil {
		return Address{}, fmt.Errorf("transport: parse address %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("transport: invalid port in %q", raw)
	}
	return Address{Network: NetworkTCP, Host: host, Port: port}, nil
}

// UnixAddress builds a domain-socket address.
func UnixAddress(path string) Address {
	return Address{Network: NetworkUnix, Path: path}
}

// TCPAddress builds a TCP address.
func TCPAddress(host string, port int) Address {
	return Address{Network: NetworkTCP, Host: host, Port: port}
}

func (a Address) IsUnix() bool {
	return a.Network == NetworkUnix
}

func (a Address) String() string {
	if a.IsUnix() {
		return a.Path
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// DialTarget returns the network and address for net.Dial.
func (a Address) DialTarget() (string, string) {
	if a.IsUnix() {
		return NetworkUnix, a.Path
	}
	host := a.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return NetworkTCP, net.JoinHostPort(host, strconv.Itoa(a.Port))
}
