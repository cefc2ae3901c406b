// Package client is the consumer side of the socket API: it connects, sends
// one request envelope at a time and materializes typed responses through the
// plugin registry.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/config"
	"github.com/danmuck/probectl/internal/plugins"
	"github.com/danmuck/probectl/internal/transport"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 5 * time.Second

var (
	ErrConnection         = errors.New("client: connection failed")
	ErrSocketDisconnected = errors.New("client: socket disconnected")
	ErrNotConnected       = errors.New("client: not connected")
	ErrUnknownKind        = errors.New("client: unknown request kind")
)

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Result is one response. Value holds the kind's concrete response type when
// the registry knows it; Error is set for error envelopes.
type Result struct {
	Response api.Response
	Value    any
	Error    *api.ErrorBody
}

// Err returns the error envelope as a Go error, or nil on success.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return &ErrorResponse{Body: *r.Error}
}

type ErrorResponse struct {
	Body api.ErrorBody
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s (0x%04x): %s", e.Body.Kind, e.Body.Code, e.Body.Message)
}

type Option func(*Client)

// WithTimeout bounds dialing and each request's write and read. Zero disables.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

type Client struct {
	addr    string
	plugins *plugins.Registry
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// New builds a disconnected client. An empty addr means the default domain
// socket. reg may be nil, in which case every result stays generic.
func New(addr string, reg *plugins.Registry, opts ...Option) *Client {
	c := &Client{addr: addr, plugins: reg, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Disconnected
	}
	return Connected
}

// Connect dials the server. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	raw := c.addr
	if raw == "" {
		raw = "unix:" + config.DefaultDomainSocket
	}
	addr, err := transport.ParseAddress(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	network, target := addr.DialTarget()
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.conn = conn
	log.Debug().Str("addr", addr.String()).Str("network", network).Msg("client connected")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// CreateRequest builds a request for kind, checking it against the registry
// when one was given.
func (c *Client) CreateRequest(kind string, fields map[string]any) (api.Request, error) {
	if c.plugins != nil {
		if _, ok := c.plugins.Resolve(kind); !ok {
			return api.Request{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
	}
	return api.NewRequest(kind, fields), nil
}

// PerformRequest connects if needed, then creates and sends one request.
func (c *Client) PerformRequest(ctx context.Context, kind string, fields map[string]any) (Result, error) {
	req, err := c.CreateRequest(kind, fields)
	if err != nil {
		return Result{}, err
	}
	if err := c.Connect(ctx); err != nil {
		return Result{}, err
	}
	return c.SendRequest(req)
}

// SendRequest writes req and reads exactly one response. A failed write or
// read drops the connection. Error envelopes are not Go errors: they
// come back in Result.Error.
func (c *Client) SendRequest(req api.Request) (Result, error) {
	raw, err := req.Encode()
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Result{}, ErrNotConnected
	}

	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := writeFull(c.conn, raw); err != nil {
		_ = c.dropLocked()
		return Result{}, fmt.Errorf("client: write %s: %w", req.Kind, err)
	}

	// Any read failure leaves the stream out of step with our requests.
	data, err := readMessage(c.conn)
	if err != nil {
		_ = c.dropLocked()
		return Result{}, err
	}
	return c.materialize(req.Kind, data)
}

func (c *Client) materialize(kind string, data []byte) (Result, error) {
	res, err := api.ParseResponse(data)
	if err != nil {
		return Result{}, err
	}
	out := Result{Response: res}
	if body, ok := res.Err(); ok {
		out.Error = &body
		return out, nil
	}
	if c.plugins == nil {
		return out, nil
	}
	binding, ok := c.plugins.Resolve(kind)
	if !ok || binding.NewResponse == nil {
		return out, nil
	}
	value := binding.NewResponse()
	if err := res.Decode(value); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("typed response decode failed, keeping generic envelope")
		return out, nil
	}
	out.Value = value
	return out, nil
}

func writeFull(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		data = data[n:]
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

// readMessage performs the single read that carries one response.
func readMessage(conn net.Conn) ([]byte, error) {
	buf := make([]byte, api.MaxMessageSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if isClosed(err) {
			return nil, ErrSocketDisconnected
		}
		return nil, fmt.Errorf("client: read: %w", err)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF)
}
