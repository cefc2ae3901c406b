// Package builtin provides the API plugins every probectl server ships with.
package builtin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/debugger"
	"github.com/danmuck/probectl/internal/plugins"
)

// APIVersion is reported by the version plugin.
const APIVersion = 1.1

const (
	KindVersion   = "version"
	KindTargets   = "targets"
	KindState     = "state"
	KindRegisters = "registers"
	KindMemory    = "memory"
	KindWait      = "wait"
)

// maxMemoryRead keeps a memory response inside one wire message once hex encoded.
const maxMemoryRead = (api.MaxMessageSize - 512) / 2

// Register installs all built-in bindings into reg.
func Register(reg *plugins.Registry) error {
	for _, b := range Bindings() {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func Bindings() []plugins.Binding {
	return []plugins.Binding{
		{
			Kind:        KindVersion,
			Decode:      func(api.Request) (plugins.Handler, error) { return versionRequest{}, nil },
			NewResponse: func() any { return &VersionResponse{} },
		},
		{
			Kind:        KindTargets,
			Decode:      func(api.Request) (plugins.Handler, error) { return targetsRequest{}, nil },
			NewResponse: func() any { return &TargetsResponse{} },
		},
		{
			Kind:        KindState,
			Decode:      decodeState,
			NewResponse: func() any { return &StateResponse{} },
		},
		{
			Kind:        KindRegisters,
			Decode:      decodeRegisters,
			NewResponse: func() any { return &RegistersResponse{} },
		},
		{
			Kind:        KindMemory,
			Decode:      decodeMemory,
			NewResponse: func() any { return &MemoryResponse{} },
		},
		{
			Kind:        KindWait,
			Blocking:    true,
			Decode:      decodeWait,
			NewResponse: func() any { return &StateResponse{} },
		},
	}
}

type VersionResponse struct {
	APIVersion   float64  `json:"api_version"`
	HostVersion  string   `json:"host_version"`
	Capabilities []string `json:"capabilities"`
}

type TargetsResponse struct {
	Targets []debugger.Target `json:"targets"`
}

type StateResponse struct {
	State string `json:"state"`
}

type RegistersResponse struct {
	Registers map[string]uint64 `json:"registers"`
}

type MemoryResponse struct {
	Address uint64 `json:"address"`
	Length  int    `json:"length"`
	Memory  string `json:"memory"`
}

type versionRequest struct{}

func (versionRequest) Validate() error { return nil }

func (versionRequest) Execute(_ context.Context, host debugger.Host) (any, error) {
	return VersionResponse{
		APIVersion:   APIVersion,
		HostVersion:  host.Version(),
		Capabilities: []string{"async"},
	}, nil
}

type targetsRequest struct{}

func (targetsRequest) Validate() error { return nil }

func (targetsRequest) Execute(_ context.Context, host debugger.Host) (any, error) {
	targets, err := host.Targets()
	if err != nil {
		return nil, err
	}
	return TargetsResponse{Targets: targets}, nil
}

type stateRequest struct {
	targetID int
}

func decodeState(req api.Request) (plugins.Handler, error) {
	id, _, err := req.Int("target_id")
	if err != nil {
		return nil, err
	}
	return stateRequest{targetID: int(id)}, nil
}

func (stateRequest) Validate() error { return nil }

func (r stateRequest) Execute(_ context.Context, host debugger.Host) (any, error) {
	state, err := host.State(r.targetID)
	if err != nil {
		return nil, err
	}
	return StateResponse{State: state}, nil
}

type registersRequest struct {
	targetID int
	threadID int
	names    []string
}

func decodeRegisters(req api.Request) (plugins.Handler, error) {
	target, _, err := req.Int("target_id")
	if err != nil {
		return nil, err
	}
	thread, _, err := req.Int("thread_id")
	if err != nil {
		return nil, err
	}
	names, _ := req.Strings("registers")
	return registersRequest{targetID: int(target), threadID: int(thread), names: names}, nil
}

func (registersRequest) Validate() error { return nil }

func (r registersRequest) Execute(_ context.Context, host debugger.Host) (any, error) {
	regs, err := host.Registers(r.targetID, r.threadID, r.names)
	if err != nil {
		return nil, err
	}
	return RegistersResponse{Registers: regs}, nil
}

type memoryRequest struct {
	targetID   int
	address    uint64
	hasAddress bool
	length     int64
	hasLength  bool
}

func decodeMemory(req api.Request) (plugins.Handler, error) {
	out := memoryRequest{}
	var err error
	if out.address, out.hasAddress, err = req.Uint("address"); err != nil {
		return nil, err
	}
	if out.length, out.hasLength, err = req.Int("length"); err != nil {
		return nil, err
	}
	target, _, err := req.Int("target_id")
	if err != nil {
		return nil, err
	}
	out.targetID = int(target)
	return out, nil
}

func (r memoryRequest) Validate() error {
	if !r.hasAddress {
		return &api.MissingFieldError{Field: "address"}
	}
	if !r.hasLength {
		return &api.MissingFieldError{Field: "length"}
	}
	return nil
}

func (r memoryRequest) Execute(_ context.Context, host debugger.Host) (any, error) {
	if r.length < 0 || r.length > maxMemoryRead {
		return nil, fmt.Errorf("length %d out of range [0, %d]", r.length, maxMemoryRead)
	}
	data, err := host.Memory(r.targetID, r.address, int(r.length))
	if err != nil {
		return nil, err
	}
	return MemoryResponse{Address: r.address, Length: len(data), Memory: hex.EncodeToString(data)}, nil
}

type waitRequest struct {
	timeout time.Duration
}

func decodeWait(req api.Request) (plugins.Handler, error) {
	secs, _, err := req.Int("timeout")
	if err != nil {
		return nil, err
	}
	if secs < 0 {
		secs = 0
	}
	return waitRequest{timeout: time.Duration(secs) * time.Second}, nil
}

func (waitRequest) Validate() error { return nil }

func (r waitRequest) Execute(ctx context.Context, host debugger.Host) (any, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	state, err := host.WaitStateChange(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, api.NewKindError(api.KindTimedOut, "no state change within %s", r.timeout)
		}
		return nil, err
	}
	return StateResponse{State: state}, nil
}
