//go:build unix

package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/debugger"
	"github.com/danmuck/probectl/internal/plugins"
	"github.com/danmuck/probectl/internal/plugins/builtin"
	"github.com/danmuck/probectl/internal/server"
	"github.com/danmuck/probectl/internal/testutil/testlog"
)

func newRegistry(t *testing.T) *plugins.Registry {
	t.Helper()
	reg := plugins.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return reg
}

func startServer(t *testing.T) (*server.Server, *plugins.Registry) {
	t.Helper()
	reg := newRegistry(t)
	dbg := debugger.NewHandle()
	dbg.Attach(debugger.NewStatic("lldb-client-test"))
	srv := server.New(server.Config{
		Domain: filepath.Join(t.TempDir(), "client.sock"),
		TCP:    "127.0.0.1:0",
	}, reg, dbg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, reg
}

func TestPerformRequestReturnsTypedValues(t *testing.T) {
	testlog.Start(t)
	srv, reg := startServer(t)

	for label, addr := range map[string]string{
		server.LabelDomain: srv.Addrs()[server.LabelDomain],
		server.LabelTCP:    srv.Addrs()[server.LabelTCP],
	} {
		c := New(addr, reg)
		res, err := c.PerformRequest(context.Background(), builtin.KindVersion, nil)
		if err != nil {
			t.Fatalf("%s: perform version: %v", label, err)
		}
		version, ok := res.Value.(*builtin.VersionResponse)
		if !ok {
			t.Fatalf("%s: expected *VersionResponse, got %T", label, res.Value)
		}
		if version.HostVersion != "lldb-client-test" {
			t.Fatalf("%s: unexpected host version %q", label, version.HostVersion)
		}
		if c.State() != Connected {
			t.Fatalf("%s: expected connected state", label)
		}

		res, err = c.PerformRequest(context.Background(), builtin.KindMemory, map[string]any{"address": "0x1000"})
		if err != nil {
			t.Fatalf("%s: perform memory: %v", label, err)
		}
		if res.Error == nil || res.Error.Kind != api.KindMissingField {
			t.Fatalf("%s: expected missing_field error envelope, got %+v", label, res.Error)
		}
		var errResp *ErrorResponse
		if !errors.As(res.Err(), &errResp) || errResp.Body.Code != api.KindMissingField.Code() {
			t.Fatalf("%s: expected ErrorResponse with code, got %v", label, res.Err())
		}
		if err := c.Close(); err != nil {
			t.Fatalf("%s: close: %v", label, err)
		}
		if c.State() != Disconnected {
			t.Fatalf("%s: expected disconnected after close", label)
		}
	}
}

func TestUnknownKindStaysGenericWithoutRegistry(t *testing.T) {
	testlog.Start(t)
	srv, _ := startServer(t)

	c := New(srv.Addrs()[server.LabelTCP], nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	res, err := c.SendRequest(api.NewRequest(builtin.KindTargets, nil))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Value != nil || !res.Response.IsSuccess() {
		t.Fatalf("expected generic success without registry, got %+v", res)
	}

	res, err = c.SendRequest(api.NewRequest("nope", nil))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Error == nil || res.Error.Kind != api.KindPluginNotFound {
		t.Fatalf("expected plugin_not_found, got %+v", res)
	}
}

func TestCreateRequestChecksRegistry(t *testing.T) {
	testlog.Start(t)
	c := New("127.0.0.1:1", newRegistry(t))
	if _, err := c.CreateRequest("nope", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	req, err := c.CreateRequest(builtin.KindState, map[string]any{"target_id": 0})
	if err != nil || req.Kind != builtin.KindState || !req.Has("target_id") {
		t.Fatalf("unexpected request %s err=%v", req, err)
	}
}

func TestConnectFailureLeavesClientDisconnected(t *testing.T) {
	testlog.Start(t)
	c := New("unix:"+filepath.Join(t.TempDir(), "absent.sock"), nil, WithTimeout(time.Second))
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected after failed connect")
	}
	if _, err := c.SendRequest(api.NewRequest(builtin.KindVersion, nil)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPeerCloseReportsSocketDisconnected(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 512)
		_, _ = conn.Read(buf)
		_ = conn.Close()
	}()

	c := New(ln.Addr().String(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.SendRequest(api.NewRequest(builtin.KindVersion, nil)); !errors.Is(err, ErrSocketDisconnected) {
		t.Fatalf("expected ErrSocketDisconnected, got %v", err)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected after peer close")
	}
}

func TestTypedDecodeFailureFallsBackToEnvelope(t *testing.T) {
	testlog.Start(t)
	reg := plugins.NewRegistry()
	reg.MustRegister(plugins.Binding{
		Kind:        builtin.KindVersion,
		Decode:      func(api.Request) (plugins.Handler, error) { return nil, nil },
		NewResponse: func() any { return new(int) },
	})
	c := New("", reg)

	res, err := c.materialize(builtin.KindVersion, []byte(`{"type":"response","status":"success","data":{"api_version":1.1}}`))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Value != nil || !res.Response.IsSuccess() {
		t.Fatalf("expected generic envelope fallback, got %+v", res)
	}
}
