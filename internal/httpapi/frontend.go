// Package httpapi is the HTTP front end: stateless request/response access to
// the same dispatcher the socket loops use, plus diagnostics and web views.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/observability"
	"github.com/danmuck/probectl/internal/plugins"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

var ErrFrontendRunning = errors.New("httpapi: front end already running")

// Backend answers requests that arrive without a persistent connection.
type Backend interface {
	Request(ctx context.Context, data []byte) api.Response
	ClientSummary() []string
}

type Config struct {
	StaticDir   string
	CORSOrigins []string
}

type Frontend struct {
	backend Backend
	plugins *plugins.Registry
	router  *gin.Engine
	started time.Time

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

func New(cfg Config, backend Backend, reg *plugins.Registry) *Frontend {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPTelemetry(observability.Logger("http")))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	f := &Frontend{backend: backend, plugins: reg, router: r, started: time.Now()}
	f.registerRoutes(cfg)
	return f
}

// Handler exposes the router, mainly for httptest.
func (f *Frontend) Handler() http.Handler {
	return f.router
}

func (f *Frontend) registerRoutes(cfg Config) {
	r := f.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(f.started).String(),
			"service": "probectl",
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	apiGroup.POST("/request", f.handleRaw)
	apiGroup.GET("/plugins", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plugins": f.plugins.Kinds()})
	})
	apiGroup.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": f.backend.ClientSummary()})
	})
	apiGroup.GET("/:kind", f.handleKind)
	apiGroup.POST("/:kind", f.handleKind)

	if cfg.StaticDir != "" {
		r.Static("/static", cfg.StaticDir)
	}
	for _, p := range f.plugins.WebPlugins() {
		f.mountWeb(p)
	}
}

func (f *Frontend) mountWeb(p plugins.WebPlugin) {
	base := "/view/" + p.Name
	switch {
	case p.App != nil:
		handler := p.App
		if p.StaticDir != "" {
			mux := http.NewServeMux()
			mux.Handle("/static/", http.StripPrefix("/static", http.FileServer(http.Dir(p.StaticDir))))
			mux.Handle("/", p.App)
			handler = mux
		}
		f.router.Any(base+"/*path", gin.WrapH(http.StripPrefix(base, handler)))
	case p.StaticDir != "":
		f.router.Static(base, p.StaticDir)
	default:
		return
	}
	log.Debug().Str("view", p.Name).Str("path", base).Msg("web plugin mounted")
}

// handleRaw forwards a complete request envelope.
func (f *Frontend) handleRaw(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, api.MaxMessageSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > api.MaxMessageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("request exceeds %d bytes", api.MaxMessageSize)})
		return
	}
	f.respond(c, f.backend.Request(c.Request.Context(), body))
}

// handleKind builds the envelope from the path kind plus query parameters
// (GET) or a JSON object body (POST).
func (f *Frontend) handleKind(c *gin.Context) {
	kind := c.Param("kind")
	fields := map[string]any{}
	block := false

	if c.Request.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, api.MaxMessageSize+1))
		if err != nil || len(body) > api.MaxMessageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &fields); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object: " + err.Error()})
				return
			}
		}
	}
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "block" {
			block = values[0] == "1" || strings.EqualFold(values[0], "true")
			continue
		}
		fields[key] = values[len(values)-1]
	}

	raw, err := api.NewRequest(kind, fields).WithBlock(block).Encode()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f.respond(c, f.backend.Request(c.Request.Context(), raw))
}

// respond always uses 200: the envelope itself says whether the call failed.
func (f *Frontend) respond(c *gin.Context, res api.Response) {
	raw, err := res.Encode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// Start binds addr synchronously and serves in the background.
func (f *Frontend) Start(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv != nil {
		return ErrFrontendRunning
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           f.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	f.srv = srv
	f.listener = ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("http front end failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("http front end running")
	return nil
}

// Addr is the bound address, or "" before Start.
func (f *Frontend) Addr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

func (f *Frontend) Stop(ctx context.Context) error {
	f.mu.Lock()
	srv := f.srv
	f.srv = nil
	f.listener = nil
	f.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	log.Info().Msg("http front end stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
