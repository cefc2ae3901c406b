//go:build unix

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/observability"
	"github.com/danmuck/probectl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// pollRetries is how many interrupted poll calls in a row a loop tolerates
// before treating the interruption as fatal.
const pollRetries = 3

var (
	ErrPollInterrupted = errors.New("server: poll interrupted too many times")
	ErrStopTimeout     = errors.New("server: loop did not stop in time")
	ErrLoopStarted     = errors.New("server: loop already started")
)

type LoopState int32

const (
	LoopCreated LoopState = iota
	LoopRunning
	LoopDraining
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopCreated:
		return "created"
	case LoopRunning:
		return "running"
	case LoopDraining:
		return "draining"
	case LoopStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RequestHandler receives every request read by a loop.
type RequestHandler interface {
	HandleRequest(ctx context.Context, data []byte, conn *transport.Conn) (api.Response, bool)
}

// EventLoop owns one listener, its exit signal and its connection registry,
// and multiplexes readiness across all of them on a single goroutine.
type EventLoop struct {
	label    string
	addr     transport.Address
	handler  RequestHandler
	clients  *ConnRegistry
	exit     *exitSignal
	listener *transport.Listener
	poll     func(fds []unix.PollFd, timeout int) (int, error)

	state atomic.Int32
	ready chan struct{}
	done  chan struct{}
	bound transport.Address
	err   error
}

// NewEventLoop prepares a loop; Run binds and serves.
func NewEventLoop(label string, addr transport.Address, handler RequestHandler) (*EventLoop, error) {
	exit, err := newExitSignal()
	if err != nil {
		return nil, err
	}
	return &EventLoop{
		label:   label,
		addr:    addr,
		handler: handler,
		clients: NewConnRegistry(label),
		exit:    exit,
		poll:    unix.Poll,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (l *EventLoop) Label() string {
	return l.label
}

func (l *EventLoop) State() LoopState {
	return LoopState(l.state.Load())
}

func (l *EventLoop) Clients() *ConnRegistry {
	return l.clients
}

// Ready is closed once the loop has bound its listener or failed to.
func (l *EventLoop) Ready() <-chan struct{} {
	return l.ready
}

// Done is closed when the loop reaches LoopStopped.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Addr is the bound address. Valid after Ready.
func (l *EventLoop) Addr() transport.Address {
	return l.bound
}

// Err is the error that ended the loop, if any. Valid after Ready or Done.
func (l *EventLoop) Err() error {
	return l.err
}

// Run serves until Stop is called or the loop hits a fatal error.
func (l *EventLoop) Run() error {
	if !l.state.CompareAndSwap(int32(LoopCreated), int32(LoopRunning)) {
		return ErrLoopStarted
	}
	defer close(l.done)

	transport.RemoveStale(l.addr)
	ln, err := transport.Listen(l.addr)
	if err != nil {
		l.err = err
		l.exit.Close()
		l.state.Store(int32(LoopStopped))
		close(l.ready)
		log.Error().Err(err).Str("loop", l.label).Str("addr", l.addr.String()).Msg("loop bind failed")
		return err
	}
	l.listener = ln
	l.bound = ln.Addr()
	close(l.ready)
	log.Info().Str("loop", l.label).Str("addr", l.bound.String()).Msg("loop running")

	l.err = l.serve()
	if l.err != nil {
		log.Error().Err(l.err).Str("loop", l.label).Msg("loop failed")
	}
	l.drain()
	return l.err
}

func (l *EventLoop) serve() error {
	for {
		conns := l.clients.All()
		fds := make([]unix.PollFd, 0, len(conns)+2)
		fds = append(fds,
			unix.PollFd{Fd: int32(l.listener.Fd()), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(l.exit.Fd()), Events: unix.POLLIN},
		)
		for _, c := range conns {
			fds = append(fds, unix.PollFd{Fd: int32(c.Fd()), Events: unix.POLLIN})
		}

		if err := l.waitReady(fds); err != nil {
			return err
		}

		if fds[0].Revents != 0 {
			l.accept()
		}
		if fds[1].Revents != 0 {
			l.exit.Drain()
			log.Debug().Str("loop", l.label).Msg("exit signal received")
			return nil
		}
		for i, c := range conns {
			revents := fds[i+2].Revents
			if revents == 0 {
				continue
			}
			if revents&unix.POLLNVAL != 0 {
				l.purge(c, "invalid descriptor")
				continue
			}
			l.serveConn(c)
		}
	}
}

// waitReady blocks until at least one descriptor is ready. EINTR is retried
// up to pollRetries attempts; signals reach this thread routinely.
func (l *EventLoop) waitReady(fds []unix.PollFd) error {
	var err error
	for attempt := 1; attempt <= pollRetries; attempt++ {
		_, err = l.poll(fds, -1)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("server: poll: %w", err)
		}
		log.Debug().Str("loop", l.label).Int("attempt", attempt).Msg("poll interrupted")
	}
	return fmt.Errorf("%w: %v", ErrPollInterrupted, err)
}

func (l *EventLoop) accept() {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		log.Warn().Err(err).Str("loop", l.label).Msg("accept failed")
		return
	}
	l.clients.Add(conn)
	observability.ConnectionOpened(l.label)
	log.Debug().Str("loop", l.label).Str("conn", conn.ID()).Str("peer", conn.Peer()).Int("clients", l.clients.Len()).Msg("client connected")
}

// serveConn reads and dispatches one request. Any failure purges only c.
func (l *EventLoop) serveConn(c *transport.Conn) {
	data, err := c.ReadRequest()
	if err != nil {
		if errors.Is(err, transport.ErrPeerDisconnected) {
			l.purge(c, "peer disconnected")
		} else {
			log.Warn().Err(err).Str("loop", l.label).Str("conn", c.ID()).Msg("read failed")
			l.purge(c, "read failed")
		}
		return
	}
	log.Trace().Str("loop", l.label).Str("conn", c.ID()).Bytes("data", data).Msg("request received")

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("loop", l.label).Str("conn", c.ID()).Msg("request handling panicked")
			l.purge(c, "handler panic")
		}
	}()
	l.handler.HandleRequest(context.Background(), data, c)
}

func (l *EventLoop) purge(c *transport.Conn, reason string) {
	_ = c.Close()
	if l.clients.Remove(c) {
		observability.ConnectionClosed(l.label)
	}
	log.Debug().Str("loop", l.label).Str("conn", c.ID()).Str("reason", reason).Int("clients", l.clients.Len()).Msg("client purged")
}

func (l *EventLoop) drain() {
	l.state.Store(int32(LoopDraining))
	for _, c := range l.clients.All() {
		l.purge(c, "shutdown")
	}
	_ = l.listener.Close()
	l.exit.Close()
	l.listener.Cleanup()
	l.state.Store(int32(LoopStopped))
	log.Info().Str("loop", l.label).Msg("loop stopped")
}

// Stop signals the loop and waits up to timeout for it to reach LoopStopped.
// A loop that does not stop in time is abandoned and ErrStopTimeout returned.
func (l *EventLoop) Stop(timeout time.Duration) error {
	if l.state.CompareAndSwap(int32(LoopCreated), int32(LoopStopped)) {
		l.exit.Close()
		close(l.ready)
		close(l.done)
		return nil
	}
	l.exit.Signal()
	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s after %s", ErrStopTimeout, l.label, timeout)
	}
}

// exitSignal is the pipe a loop polls to learn it should stop.
type exitSignal struct {
	mu     sync.Mutex
	r, w   int
	closed bool
}

func newExitSignal() (*exitSignal, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("server: exit pipe: %w", err)
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	return &exitSignal{r: p[0], w: p[1]}, nil
}

func (e *exitSignal) Fd() int {
	return e.r
}

func (e *exitSignal) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for {
		_, err := unix.Write(e.w, []byte{0})
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (e *exitSignal) Drain() {
	var buf [1]byte
	_, _ = unix.Read(e.r, buf[:])
}

func (e *exitSignal) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	_ = unix.Close(e.r)
	_ = unix.Close(e.w)
}
