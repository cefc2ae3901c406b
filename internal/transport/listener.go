//go:build unix

package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// listenBacklog admits one pending connection at a time. The loop accepts
// promptly, so this is a simplification rather than a capacity limit.
const listenBacklog = 1

// Listener is a bound, listening socket exposed as a pollable descriptor.
type Listener struct {
	addr      Address
	bound     Address
	fd        int
	closeOnce sync.Once
}

// Listen creates, binds and listens on addr. A stale domain-socket file at
// the path is removed first.
func Listen(addr Address) (*Listener, error) {
	var (
		family int
		sa     unix.Sockaddr
		err    error
	)
	switch addr.Network {
	case NetworkUnix:
		if addr.Path == "" {
			return nil, fmt.Errorf("%w: empty socket path", ErrBind)
		}
		RemoveStale(addr)
		family, sa = unix.AF_UNIX, &unix.SockaddrUnix{Name: addr.Path}
	case NetworkTCP:
		family, sa, err = tcpSockaddr(addr.Host, addr.Port)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrBind, addr.Network)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrBind, err)
	}
	unix.CloseOnExec(fd)
	fail := func(op string, err error) (*Listener, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s %s: %v", ErrBind, op, addr, err)
	}
	if addr.Network == NetworkTCP {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fail("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	// Non-blocking so a connection aborted between poll and accept cannot
	// stall the loop.
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("nonblock", err)
	}

	l := &Listener{addr: addr, bound: addr, fd: fd}
	if addr.Network == NetworkTCP {
		if name, err := unix.Getsockname(fd); err == nil {
			if port := sockaddrPort(name); port > 0 {
				l.bound.Port = port
			}
		}
	}
	return l, nil
}

// Fd is the pollable descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Addr is the bound address. For TCP port 0 it carries the assigned port.
func (l *Listener) Addr() Address {
	return l.bound
}

// Accept returns the next pending connection.
func (l *Listener) Accept() (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAccept, err)
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, false); err != nil {
			_ = unix.Close(nfd)
			return nil, fmt.Errorf("%w: %v", ErrAccept, err)
		}
		tv := unix.NsecToTimeval(writeTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(nfd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			log.Debug().Err(err).Int("fd", nfd).Msg("transport: send timeout not applied")
		}
		peer := peerString(sa)
		if l.addr.IsUnix() && (peer == "" || peer == "@") {
			peer = "unix:" + l.addr.Path
		}
		return newConn(nfd, l.addr.Network, peer), nil
	}
}

// Close is idempotent and never fails.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		_ = unix.Close(l.fd)
	})
	return nil
}

// Cleanup removes the on-disk socket artifact, if any.
func (l *Listener) Cleanup() {
	RemoveStale(l.addr)
}

// RemoveStale removes a leftover domain-socket file at addr. It is a no-op for TCP.
func RemoveStale(addr Address) {
	if !addr.IsUnix() || addr.Path == "" {
		return
	}
	if err := os.Remove(addr.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", addr.Path).Msg("transport: stale socket not removed")
	}
}

func tcpSockaddr(host string, port int) (int, unix.Sockaddr, error) {
	if host == "" || host == "0.0.0.0" {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return 0, nil, err
		}
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
		if ip == nil && len(ips) > 0 {
			ip = ips[0]
		}
		if ip == nil {
			return 0, nil, fmt.Errorf("no addresses for %q", host)
		}
	}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa, nil
}

func sockaddrPort(sa unix.Sockaddr) int {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return v.Port
	case *unix.SockaddrInet6:
		return v.Port
	default:
		return 0
	}
}

func peerString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrUnix:
		return v.Name
	default:
		return ""
	}
}
