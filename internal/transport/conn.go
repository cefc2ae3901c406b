//go:build unix

package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/danmuck/probectl/internal/api"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// writeTimeout bounds how long a write may block on a peer that stopped reading.
const writeTimeout = 5 * time.Second

// Conn is one accepted client connection.
type Conn struct {
	id          string
	fd          int
	network     string
	peer        string
	connectedAt time.Time

	// mu serialises writes and close; wait workers write concurrently with the loop.
	mu     sync.Mutex
	closed bool

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	requests atomic.Uint64
}

// ConnStats is a point-in-time view of a connection's traffic counters.
type ConnStats struct {
	BytesIn  uint64
	BytesOut uint64
	Requests uint64
}

func newConn(fd int, network, peer string) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		fd:          fd,
		network:     network,
		peer:        peer,
		connectedAt: time.Now(),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Fd is the pollable descriptor. It identifies the connection while it is open.
func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) Network() string {
	return c.network
}

func (c *Conn) Peer() string {
	return c.peer
}

func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Conn) Stats() ConnStats {
	return ConnStats{
		BytesIn:  c.bytesIn.Load(),
		BytesOut: c.bytesOut.Load(),
		Requests: c.requests.Load(),
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn(id=%s network=%s peer=%s fd=%d)", c.id, c.network, c.peer, c.fd)
}

// ReadRequest performs exactly one read of up to api.MaxMessageSize bytes and
// returns it with trailing whitespace removed. There is no reassembly across
// reads.
func (c *Conn) ReadRequest() ([]byte, error) {
	buf := make([]byte, api.MaxMessageSize)
	var (
		n   int
		err error
	)
	for {
		n, err = unix.Read(c.fd, buf)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		if isPeerGone(err) {
			return nil, fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
		}
		return nil, fmt.Errorf("transport: read %s: %w", c.id, err)
	}
	if n <= 0 {
		return nil, ErrPeerDisconnected
	}
	c.bytesIn.Add(uint64(n))
	data := buf[:n]
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrMalformedRequest)
	}
	trimmed := strings.TrimRightFunc(string(data), unicode.IsSpace)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedRequest)
	}
	c.requests.Add(1)
	return []byte(trimmed), nil
}

// WriteResponse writes data fully, retrying partial writes and interrupts.
func (c *Conn) WriteResponse(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, ErrClosed)
	}
	for len(data) > 0 {
		n, err := unix.Write(c.fd, data)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if isPeerGone(err) || errors.Is(err, unix.EAGAIN) {
				return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
			}
			return fmt.Errorf("transport: write %s: %w", c.id, err)
		}
		if n <= 0 {
			return ErrPeerDisconnected
		}
		c.bytesOut.Add(uint64(n))
		data = data[n:]
	}
	return nil
}

// Close is idempotent and never fails.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = unix.Close(c.fd)
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func isPeerGone(err error) bool {
	return errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.ENOTCONN) ||
		errors.Is(err, unix.EBADF)
}
