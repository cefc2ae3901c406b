//go:build unix

// Package server coordinates the socket event loops, the HTTP front end and
// the request dispatcher they share.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/debugger"
	"github.com/danmuck/probectl/internal/httpapi"
	"github.com/danmuck/probectl/internal/plugins"
	"github.com/danmuck/probectl/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const (
	LabelDomain = "domain"
	LabelTCP    = "tcp"
	LabelHTTP   = "http"

	DefaultStopTimeout = 10 * time.Second
	DefaultWaitWorkers = 8
	DefaultWaitQueue   = 64
)

var (
	ErrNoListeners    = errors.New("server: no listeners configured")
	ErrAlreadyStarted = errors.New("server: already started")
)

// Config selects which transports run. An empty address disables that transport.
type Config struct {
	Domain      string
	TCP         string
	HTTP        string
	StaticDir   string
	CORSOrigins []string
	StopTimeout time.Duration
	WaitWorkers int
	WaitQueue   int
}

func DefaultConfig() Config {
	return Config{
		StopTimeout: DefaultStopTimeout,
		WaitWorkers: DefaultWaitWorkers,
		WaitQueue:   DefaultWaitQueue,
	}
}

type Server struct {
	cfg      Config
	plugins  *plugins.Registry
	debugger *debugger.Handle
	pool     *WaitPool
	dispatch *Dispatcher

	mu       sync.Mutex
	started  bool
	loops    []*EventLoop
	frontend *httpapi.Frontend
}

var _ RequestHandler = (*Server)(nil)
var _ httpapi.Backend = (*Server)(nil)

func New(cfg Config, reg *plugins.Registry, dbg *debugger.Handle) *Server {
	defaults := DefaultConfig()
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if cfg.WaitWorkers <= 0 {
		cfg.WaitWorkers = defaults.WaitWorkers
	}
	if cfg.WaitQueue <= 0 {
		cfg.WaitQueue = defaults.WaitQueue
	}
	if reg == nil {
		reg = plugins.NewRegistry()
	}
	if dbg == nil {
		dbg = debugger.NewHandle()
	}
	pool := NewWaitPool(cfg.WaitWorkers, cfg.WaitQueue)
	return &Server{
		cfg:      cfg,
		plugins:  reg,
		debugger: dbg,
		pool:     pool,
		dispatch: NewDispatcher(reg, dbg, pool),
	}
}

func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) Plugins() *plugins.Registry {
	return s.plugins
}

func (s *Server) Debugger() *debugger.Handle {
	return s.debugger
}

// Start launches every configured transport. It returns once each loop has
// bound its listener, so clients may connect immediately. On any bind failure
// the transports already started are stopped again.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.cfg.Domain == "" && s.cfg.TCP == "" && s.cfg.HTTP == "" {
		return ErrNoListeners
	}

	var specs []listenerSpec
	if s.cfg.Domain != "" {
		path := strings.TrimPrefix(s.cfg.Domain, "unix:")
		specs = append(specs, listenerSpec{LabelDomain, transport.UnixAddress(path)})
	}
	if s.cfg.TCP != "" {
		addr, err := transport.ParseAddress(s.cfg.TCP)
		if err != nil {
			return err
		}
		if addr.IsUnix() {
			return fmt.Errorf("server: tcp listener given a socket path %q", s.cfg.TCP)
		}
		specs = append(specs, listenerSpec{LabelTCP, addr})
	}

	for _, entry := range specs {
		loop, err := NewEventLoop(entry.label, entry.addr, s)
		if err != nil {
			s.abortStart()
			return err
		}
		go func() {
			_ = loop.Run()
		}()
		<-loop.Ready()
		if err := loop.Err(); err != nil {
			s.abortStart()
			return err
		}
		s.loops = append(s.loops, loop)
	}

	if s.cfg.HTTP != "" {
		frontend := httpapi.New(httpapi.Config{
			StaticDir:   s.cfg.StaticDir,
			CORSOrigins: s.cfg.CORSOrigins,
		}, s, s.plugins)
		if err := frontend.Start(s.cfg.HTTP); err != nil {
			s.abortStart()
			return err
		}
		s.frontend = frontend
	}

	s.started = true
	log.Info().Strs("plugins", s.plugins.Kinds()).Int("loops", len(s.loops)).Bool("http", s.frontend != nil).Msg("server started")
	return nil
}

type listenerSpec struct {
	label string
	addr  transport.Address
}

func (s *Server) abortStart() {
	for _, loop := range s.loops {
		if err := loop.Stop(s.cfg.StopTimeout); err != nil {
			log.Warn().Err(err).Str("loop", loop.Label()).Msg("loop stop during aborted start")
		}
	}
	s.loops = nil
}

// Stop shuts every transport down, best effort: each loop gets StopTimeout
// to reach Stopped, and every step runs even if an earlier one failed.
// Outstanding blocking requests are not awaited. A stopped Server cannot be
// started again.
func (s *Server) Stop() error {
	s.mu.Lock()
	loops := s.loops
	frontend := s.frontend
	s.loops = nil
	s.frontend = nil
	s.mu.Unlock()

	var errs []error
	for _, loop := range loops {
		if err := loop.Stop(s.cfg.StopTimeout); err != nil {
			log.Warn().Err(err).Str("loop", loop.Label()).Msg("loop abandoned")
			errs = append(errs, err)
		}
	}
	if frontend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		if err := frontend.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	s.pool.Close()
	log.Info().Int("pending_waits", s.pool.Pending()).Msg("server stopped")
	return errors.Join(errs...)
}

// HandleRequest is the entry point for the socket loops.
func (s *Server) HandleRequest(ctx context.Context, data []byte, conn *transport.Conn) (api.Response, bool) {
	return s.dispatch.Handle(ctx, data, conn)
}

// Request serves a connectionless caller. Blocking kinds run inline.
func (s *Server) Request(ctx context.Context, data []byte) api.Response {
	res, _ := s.dispatch.Handle(ctx, data, nil)
	return res
}

// Clients returns a snapshot across every loop registry. It may be slightly
// stale relative to the loops.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	loops := append([]*EventLoop(nil), s.loops...)
	s.mu.Unlock()

	var out []ClientInfo
	for _, loop := range loops {
		out = append(out, loop.Clients().Snapshot()...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// ClientSummary renders Clients as one human-readable line each.
func (s *Server) ClientSummary() []string {
	clients := s.Clients()
	lines := make([]string, 0, len(clients))
	for _, c := range clients {
		lines = append(lines, fmt.Sprintf("%s %s connected %s, %d requests, %s in / %s out",
			c.Transport,
			c.Peer,
			humanize.Time(c.ConnectedAt),
			c.Requests,
			humanize.Bytes(c.BytesIn),
			humanize.Bytes(c.BytesOut),
		))
	}
	return lines
}

// Addrs maps each running transport label to an address a client can dial.
func (s *Server) Addrs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.loops)+1)
	for _, loop := range s.loops {
		addr := loop.Addr()
		if addr.IsUnix() {
			out[loop.Label()] = "unix:" + addr.Path
			continue
		}
		_, target := addr.DialTarget()
		out[loop.Label()] = target
	}
	if s.frontend != nil {
		out[LabelHTTP] = s.frontend.Addr()
	}
	return out
}

// PendingWaits counts blocking requests queued or running.
func (s *Server) PendingWaits() int {
	return s.pool.Pending()
}
