//go:build unix

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/debugger"
	"github.com/danmuck/probectl/internal/plugins"
	"github.com/danmuck/probectl/internal/plugins/builtin"
	"github.com/danmuck/probectl/internal/testutil/testlog"
	"github.com/danmuck/probectl/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"
)

type explodingRequest struct{}

func (explodingRequest) Validate() error { return nil }

func (explodingRequest) Execute(context.Context, debugger.Host) (any, error) {
	panic("boom")
}

type countingRequest struct {
	name  string
	calls *int
}

func (r countingRequest) Validate() error {
	if r.name == "" {
		return &api.MissingFieldError{Field: "name"}
	}
	return nil
}

func (r countingRequest) Execute(context.Context, debugger.Host) (any, error) {
	*r.calls++
	return map[string]string{"name": r.name}, nil
}

func newTestRegistry(t *testing.T, calls *int) *plugins.Registry {
	t.Helper()
	reg := plugins.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	reg.MustRegister(
		plugins.Binding{
			Kind:   "explode",
			Decode: func(api.Request) (plugins.Handler, error) { return explodingRequest{}, nil },
		},
		plugins.Binding{
			Kind: "count",
			Decode: func(req api.Request) (plugins.Handler, error) {
				name, _ := req.Str("name")
				return countingRequest{name: name, calls: calls}, nil
			},
		},
	)
	return reg
}

func encode(t *testing.T, req api.Request) []byte {
	t.Helper()
	raw, err := req.Encode()
	if err != nil {
		t.Fatalf("encode %s: %v", req.Kind, err)
	}
	return raw
}

func errKind(t *testing.T, res api.Response) api.ErrorKind {
	t.Helper()
	body, ok := res.Err()
	if !ok {
		t.Fatalf("expected error response, got %s", res)
	}
	return body.Kind
}

func TestDispatcherErrorPaths(t *testing.T) {
	testlog.Start(t)
	calls := 0
	reg := newTestRegistry(t, &calls)
	dbg := debugger.NewHandle()
	pool := NewWaitPool(1, 1)
	defer pool.Close()
	d := NewDispatcher(reg, dbg, pool)
	ctx := context.Background()

	res, delivered := d.Handle(ctx, encode(t, api.NewRequest(builtin.KindVersion, nil)), nil)
	if !delivered || errKind(t, res) != api.KindDebuggerNotPresent {
		t.Fatalf("expected debugger_not_present before attach, got %s", res)
	}

	dbg.Attach(debugger.NewStatic("test-host"))

	res, _ = d.Handle(ctx, []byte(`{"type":"request"`), nil)
	if errKind(t, res) != api.KindInvalidRequest {
		t.Fatalf("expected invalid_request for truncated envelope, got %s", res)
	}

	res, _ = d.Handle(ctx, []byte(`{"request":"version"} this is not json`), nil)
	if errKind(t, res) != api.KindInvalidRequest {
		t.Fatalf("expected invalid_request for trailing bytes, got %s", res)
	}

	joined := append(encode(t, api.NewRequest("count", map[string]any{"name": "a"})),
		encode(t, api.NewRequest("count", map[string]any{"name": "b"}))...)
	res, _ = d.Handle(ctx, joined, nil)
	if errKind(t, res) != api.KindInvalidRequest || calls != 0 {
		t.Fatalf("expected invalid_request for two envelopes in one read, got %s calls=%d", res, calls)
	}

	res, _ = d.Handle(ctx, encode(t, api.NewRequest("bogus", nil)), nil)
	if errKind(t, res) != api.KindPluginNotFound {
		t.Fatalf("expected plugin_not_found, got %s", res)
	}
	if body, _ := res.Err(); !strings.Contains(body.Message, "bogus") {
		t.Fatalf("expected message naming the kind, got %q", body.Message)
	}

	res, _ = d.Handle(ctx, encode(t, api.NewRequest("count", nil)), nil)
	if errKind(t, res) != api.KindMissingField {
		t.Fatalf("expected missing_field, got %s", res)
	}
	if calls != 0 {
		t.Fatalf("validation failure must not execute, calls=%d", calls)
	}

	res, _ = d.Handle(ctx, encode(t, api.NewRequest("explode", nil)), nil)
	if errKind(t, res) != api.KindGeneric {
		t.Fatalf("expected generic error from panic, got %s", res)
	}

	res, _ = d.Handle(ctx, encode(t, api.NewRequest("count", map[string]any{"name": "x"})), nil)
	if !res.IsSuccess() || calls != 1 {
		t.Fatalf("expected success and one call, got %s calls=%d", res, calls)
	}
}

func TestDispatcherVersionAndInlineBlocking(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, new(int))
	dbg := debugger.NewHandle()
	host := debugger.NewStatic("lldb-test")
	dbg.Attach(host)
	pool := NewWaitPool(1, 1)
	defer pool.Close()
	d := NewDispatcher(reg, dbg, pool)

	res, _ := d.Handle(context.Background(), encode(t, api.NewRequest(builtin.KindVersion, nil)), nil)
	var version builtin.VersionResponse
	if err := res.Decode(&version); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if version.HostVersion != "lldb-test" || version.APIVersion != builtin.APIVersion {
		t.Fatalf("unexpected version payload %+v", version)
	}

	// Without a connection a blocking request runs on the caller.
	go func() {
		time.Sleep(50 * time.Millisecond)
		host.SetState(debugger.StateRunning)
	}()
	res, delivered := d.Handle(context.Background(), encode(t, api.NewRequest(builtin.KindWait, map[string]any{"timeout": 5})), nil)
	if !delivered || !res.IsSuccess() {
		t.Fatalf("expected inline wait result, got %s delivered=%v", res, delivered)
	}
}

func TestWaitReadyRetriesInterruptedPoll(t *testing.T) {
	testlog.Start(t)
	loop, err := NewEventLoop("test", transport.UnixAddress(filepath.Join(t.TempDir(), "loop.sock")), nil)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	defer loop.Stop(time.Second)

	failures := 2
	loop.poll = func([]unix.PollFd, int) (int, error) {
		if failures > 0 {
			failures--
			return 0, unix.EINTR
		}
		return 1, nil
	}
	if err := loop.waitReady(nil); err != nil {
		t.Fatalf("two interrupts should be tolerated, got %v", err)
	}

	loop.poll = func([]unix.PollFd, int) (int, error) { return 0, unix.EINTR }
	if err := loop.waitReady(nil); !errors.Is(err, ErrPollInterrupted) {
		t.Fatalf("expected ErrPollInterrupted, got %v", err)
	}

	loop.poll = func([]unix.PollFd, int) (int, error) { return 0, unix.EBADF }
	if err := loop.waitReady(nil); err == nil || errors.Is(err, ErrPollInterrupted) {
		t.Fatalf("expected a plain poll failure, got %v", err)
	}
}

func TestWaitPoolRejectsWhenFull(t *testing.T) {
	testlog.Start(t)
	pool := NewWaitPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	if err := pool.Submit(func() { close(started); <-release }); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := pool.Submit(func() { <-release }); err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if err := pool.Submit(func() {}); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
	if got := pool.Pending(); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}

	close(release)
	pool.Close()
	pool.Wait()
	if got := pool.Pending(); got != 0 {
		t.Fatalf("expected 0 pending after drain, got %d", got)
	}
	if err := pool.Submit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestUnknownKindsDoNotGrowMetricSeries(t *testing.T) {
	testlog.Start(t)
	dbg := debugger.NewHandle()
	dbg.Attach(debugger.NewStatic("test-host"))
	pool := NewWaitPool(1, 1)
	defer pool.Close()
	d := NewDispatcher(newTestRegistry(t, new(int)), dbg, pool)
	ctx := context.Background()

	d.Handle(ctx, encode(t, api.NewRequest("warmup-unknown", nil)), nil)
	before, err := promtest.GatherAndCount(prometheus.DefaultGatherer, "probectl_rpc_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for i := 0; i < 200; i++ {
		res, _ := d.Handle(ctx, encode(t, api.NewRequest(fmt.Sprintf("bogus-%d", i), nil)), nil)
		if errKind(t, res) != api.KindPluginNotFound {
			t.Fatalf("expected plugin_not_found, got %s", res)
		}
	}
	after, err := promtest.GatherAndCount(prometheus.DefaultGatherer, "probectl_rpc_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if after != before {
		t.Fatalf("unknown kinds added metric series: %d -> %d", before, after)
	}
}

func TestPoolRejectionMatchesCause(t *testing.T) {
	testlog.Start(t)
	pool := NewWaitPool(1, 0)
	pool.Close()
	err := pool.Submit(func() {})

	body, ok := poolRejection(err).Err()
	if !ok || body.Kind != api.KindGeneric || !strings.Contains(body.Message, "shutting down") {
		t.Fatalf("closed pool should report shutdown as generic, got %+v", body)
	}
	body, ok = poolRejection(ErrPoolFull).Err()
	if !ok || body.Kind != api.KindTooManyPending {
		t.Fatalf("full pool should report too_many_pending, got %+v", body)
	}
}

type testServer struct {
	*Server
	host *debugger.Static
}

func startServer(t *testing.T, cfg Config) testServer {
	t.Helper()
	reg := newTestRegistry(t, new(int))
	dbg := debugger.NewHandle()
	host := debugger.NewStatic("lldb-test")
	dbg.Attach(host)
	srv := New(cfg, reg, dbg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return testServer{Server: srv, host: host}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	network, target := "tcp", addr
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, target = "unix", path
	}
	conn, err := net.DialTimeout(network, target, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, req api.Request) {
	t.Helper()
	if _, err := conn.Write(encode(t, req)); err != nil {
		t.Fatalf("write %s: %v", req.Kind, err)
	}
}

func receive(t *testing.T, conn net.Conn) api.Response {
	t.Helper()
	res, err := readResponse(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return res
}

func readResponse(conn net.Conn, timeout time.Duration) (api.Response, error) {
	buf := make([]byte, api.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return api.Response{}, err
	}
	return api.ParseResponse(buf[:n])
}

func TestServerServesBothSocketTransports(t *testing.T) {
	testlog.Start(t)
	sock := filepath.Join(t.TempDir(), "probectl.sock")
	srv := startServer(t, Config{Domain: sock, TCP: "127.0.0.1:0"})

	addrs := srv.Addrs()
	for _, label := range []string{LabelDomain, LabelTCP} {
		conn := dial(t, addrs[label])
		send(t, conn, api.NewRequest(builtin.KindVersion, nil))
		if res := receive(t, conn); !res.IsSuccess() {
			t.Fatalf("%s: expected success, got %s", label, res)
		}
		send(t, conn, api.NewRequest("bogus", nil))
		if kind := errKind(t, receive(t, conn)); kind != api.KindPluginNotFound {
			t.Fatalf("%s: expected plugin_not_found, got %s", label, kind)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Clients()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	summary := srv.ClientSummary()
	if len(summary) != 2 {
		t.Fatalf("expected two clients in summary, got %v", summary)
	}
	for _, line := range summary {
		if !strings.Contains(line, "2 requests") {
			t.Fatalf("expected request count in %q", line)
		}
	}
}

func TestBlockingRequestDoesNotStallOtherClients(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, Config{TCP: "127.0.0.1:0"})
	addr := srv.Addrs()[LabelTCP]

	waiter := dial(t, addr)
	send(t, waiter, api.NewRequest(builtin.KindWait, map[string]any{"timeout": 10}))

	other := dial(t, addr)
	send(t, other, api.NewRequest(builtin.KindState, nil))
	res := receive(t, other)
	var state builtin.StateResponse
	if err := res.Decode(&state); err != nil || state.State != debugger.StateStopped {
		t.Fatalf("expected stopped state while wait is pending, got %s err=%v", res, err)
	}

	got := make(chan api.Response, 1)
	go func() {
		res, err := readResponse(waiter, 10*time.Second)
		if err == nil {
			got <- res
		}
		close(got)
	}()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case res, ok := <-got:
			if !ok {
				t.Fatalf("waiter connection failed before a response arrived")
			}
			if err := res.Decode(&state); err != nil || state.State != debugger.StateRunning {
				t.Fatalf("expected running state from wait, got %s err=%v", res, err)
			}
			return
		case <-ticker.C:
			srv.host.SetState(debugger.StateRunning)
		case <-timeout:
			t.Fatalf("wait response never arrived")
		}
	}
}

func TestDisconnectedClientIsPurgedAlone(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, Config{Domain: filepath.Join(t.TempDir(), "p.sock")})
	addr := srv.Addrs()[LabelDomain]

	gone := dial(t, addr)
	stays := dial(t, addr)
	send(t, stays, api.NewRequest(builtin.KindVersion, nil))
	receive(t, stays)

	_ = gone.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Clients()) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(srv.Clients()); n != 1 {
		t.Fatalf("expected one remaining client, got %d", n)
	}

	send(t, stays, api.NewRequest(builtin.KindTargets, nil))
	if res := receive(t, stays); !res.IsSuccess() {
		t.Fatalf("surviving client should still be served, got %s", res)
	}
}

func TestMalformedRequestGetsErrorAndKeepsConnection(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, Config{TCP: "127.0.0.1:0"})
	conn := dial(t, srv.Addrs()[LabelTCP])

	if _, err := conn.Write([]byte(`{"type":"request","request":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if kind := errKind(t, receive(t, conn)); kind != api.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %s", kind)
	}

	send(t, conn, api.NewRequest(builtin.KindVersion, nil))
	if res := receive(t, conn); !res.IsSuccess() {
		t.Fatalf("expected connection to stay usable, got %s", res)
	}
}

func TestStopRemovesSocketAndRefusesRestart(t *testing.T) {
	testlog.Start(t)
	sock := filepath.Join(t.TempDir(), "stop.sock")
	srv := New(Config{Domain: sock, StopTimeout: 2 * time.Second}, newTestRegistry(t, new(int)), nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := dial(t, srv.Addrs()[LabelDomain])
	send(t, conn, api.NewRequest(builtin.KindVersion, nil))
	if kind := errKind(t, receive(t, conn)); kind != api.KindDebuggerNotPresent {
		t.Fatalf("expected debugger_not_present without a host, got %s", kind)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("expected socket file removed, stat err=%v", err)
	}
	if err := srv.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted on restart, got %v", err)
	}
}

func TestStartRequiresAListener(t *testing.T) {
	testlog.Start(t)
	srv := New(Config{}, nil, nil)
	if err := srv.Start(); !errors.Is(err, ErrNoListeners) {
		t.Fatalf("expected ErrNoListeners, got %v", err)
	}
}

func TestStartFailsWhenAddressInUse(t *testing.T) {
	testlog.Start(t)
	first := startServer(t, Config{TCP: "127.0.0.1:0"})
	taken := first.Addrs()[LabelTCP]

	second := New(Config{Domain: filepath.Join(t.TempDir(), "second.sock"), TCP: taken}, nil, nil)
	if err := second.Start(); err == nil {
		_ = second.Stop()
		t.Fatalf("expected bind failure on %s", taken)
	}
	if addrs := second.Addrs(); len(addrs) != 0 {
		t.Fatalf("expected no running transports after failed start, got %v", addrs)
	}
}
