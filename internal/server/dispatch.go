//go:build unix

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/debugger"
	"github.com/danmuck/probectl/internal/observability"
	"github.com/danmuck/probectl/internal/plugins"
	"github.com/danmuck/probectl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

const transportHTTP = "http"

// Dispatcher turns raw request bytes into a response: preflight, parse,
// resolve, then validate and execute either inline or on the wait pool.
type Dispatcher struct {
	plugins  *plugins.Registry
	debugger *debugger.Handle
	pool     *WaitPool
}

func NewDispatcher(reg *plugins.Registry, dbg *debugger.Handle, pool *WaitPool) *Dispatcher {
	return &Dispatcher{plugins: reg, debugger: dbg, pool: pool}
}

// Handle dispatches data. With a conn the response is written to it as well
// as returned. The bool is false when the request was handed to the wait
// pool, in which case the response is delivered to conn later.
func (d *Dispatcher) Handle(ctx context.Context, data []byte, conn *transport.Conn) (api.Response, bool) {
	start := time.Now()
	label := transportLabel(conn)

	host, attached := d.debugger.Host()
	if !attached {
		res := api.Error(api.KindDebuggerNotPresent, "")
		d.finish(conn, label, "", res, start)
		return res, true
	}

	req, err := api.ParseRequest(data)
	if err != nil {
		log.Debug().Err(err).Str("transport", label).Msg("request parse failed")
		res := api.Error(api.KindInvalidRequest, err.Error())
		d.finish(conn, label, "", res, start)
		return res, true
	}

	binding, ok := d.plugins.Resolve(req.Kind)
	if !ok {
		log.Debug().Str("kind", req.Kind).Str("transport", label).Msg("no plugin for request kind")
		res := api.Error(api.KindPluginNotFound, fmt.Sprintf("no plugin for request kind %q", req.Kind))
		// Unregistered kinds are caller-controlled; keep them out of metric labels.
		d.finish(conn, label, "", res, start)
		return res, true
	}

	if (binding.Blocking || req.Block) && conn != nil {
		err := d.pool.Submit(func() {
			res := d.Dispatch(context.Background(), host, binding, req)
			d.finish(conn, label, req.Kind, res, start)
		})
		if err == nil {
			log.Debug().Str("kind", req.Kind).Str("conn", conn.ID()).Msg("blocking request queued")
			return api.Response{}, false
		}
		log.Warn().Err(err).Str("kind", req.Kind).Str("conn", conn.ID()).Msg("blocking request rejected")
		res := poolRejection(err)
		d.finish(conn, label, req.Kind, res, start)
		return res, true
	}

	res := d.Dispatch(ctx, host, binding, req)
	d.finish(conn, label, req.Kind, res, start)
	return res, true
}

// Dispatch decodes, validates and executes req. It never panics and never
// returns an error: every failure becomes an error response.
func (d *Dispatcher) Dispatch(ctx context.Context, host debugger.Host, binding plugins.Binding, req api.Request) api.Response {
	log.Debug().Str("kind", req.Kind).Msg("dispatching request")

	var res api.Response
	if r := panics.Try(func() { res = execute(ctx, host, binding, req) }); r != nil {
		log.Error().Str("kind", req.Kind).Str("panic", r.String()).Msg("request handler panicked")
		return api.Error(api.KindGeneric, fmt.Sprintf("panic while dispatching %s: %v", req.Kind, r.Value))
	}
	return res
}

func execute(ctx context.Context, host debugger.Host, binding plugins.Binding, req api.Request) api.Response {
	handler, err := binding.Decode(req)
	if err != nil {
		return api.ErrorFrom(fmt.Errorf("decode %s: %w", req.Kind, err))
	}
	if err := handler.Validate(); err != nil {
		return api.ErrorFrom(err)
	}
	payload, err := handler.Execute(ctx, host)
	if err != nil {
		log.Debug().Err(err).Str("kind", req.Kind).Msg("request execution failed")
		return api.ErrorFrom(err)
	}
	res, err := api.Success(payload)
	if err != nil {
		return api.Error(api.KindGeneric, err.Error())
	}
	return res
}

// poolRejection maps a failed Submit onto the response the caller sees. Only
// a full queue is too_many_pending; a closed pool means we are shutting down.
func poolRejection(err error) api.Response {
	if errors.Is(err, ErrPoolFull) {
		return api.Error(api.KindTooManyPending, "")
	}
	if errors.Is(err, ErrPoolClosed) {
		return api.Error(api.KindGeneric, "server is shutting down")
	}
	return api.Error(api.KindGeneric, err.Error())
}

// finish records metrics and, when conn is set, delivers res. Delivery
// failures mean the peer is gone; they are logged and dropped.
func (d *Dispatcher) finish(conn *transport.Conn, label, kind string, res api.Response, start time.Time) {
	observability.RecordRequest(label, kind, res.Status, time.Since(start))
	if conn == nil {
		return
	}
	raw, err := res.Encode()
	if err != nil {
		log.Error().Err(err).Str("conn", conn.ID()).Msg("response encode failed")
		return
	}
	if err := conn.WriteResponse(raw); err != nil {
		if errors.Is(err, transport.ErrPeerDisconnected) {
			log.Warn().Str("conn", conn.ID()).Str("kind", kind).Msg("client closed before we could respond")
			return
		}
		log.Error().Err(err).Str("conn", conn.ID()).Msg("response delivery failed")
	}
}

func transportLabel(conn *transport.Conn) string {
	if conn == nil {
		return transportHTTP
	}
	return conn.Network()
}
