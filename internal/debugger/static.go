package debugger

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
)

const (
	StateStopped = "stopped"
	StateRunning = "running"
	StateExited  = "exited"
	StateInvalid = "invalid"
)

// regAliases maps the generic pc/sp names onto per-arch register names.
var regAliases = map[string]map[string]string{
	"x86_64":  {"pc": "rip", "sp": "rsp"},
	"x86":     {"pc": "eip", "sp": "esp"},
	"arm64":   {"pc": "pc", "sp": "sp"},
	"aarch64": {"pc": "pc", "sp": "sp"},
	"armv7":   {"pc": "pc", "sp": "sp"},
}

// Static is an in-memory Host. It backs the demo server and tests.
type Static struct {
	mu        sync.RWMutex
	version   string
	targets   []Target
	registers map[int]map[string]uint64
	memory    map[uint64][]byte
	changed   chan struct{}
}

// NewStatic builds a Static host with a single stopped x86_64 target.
func NewStatic(version string) *Static {
	return &Static{
		version: version,
		targets: []Target{{
			ID:        0,
			File:      "/bin/true",
			Arch:      "x86_64",
			State:     StateStopped,
			ByteOrder: "little",
			AddrSize:  8,
		}},
		registers: map[int]map[string]uint64{
			1: {"rip": 0x401000, "rsp": 0x7ffc0000, "rax": 0, "rbx": 0},
		},
		memory:  make(map[uint64][]byte),
		changed: make(chan struct{}),
	}
}

func (s *Static) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Static) Targets() ([]Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Target, len(s.targets))
	copy(out, s.targets)
	return out, nil
}

func (s *Static) State(targetID int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.target(targetID)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNoSuchTarget, targetID)
	}
	return t.State, nil
}

// Registers returns the requested registers of threadID (0 selects the first
// thread). An empty names list returns all of them.
func (s *Static) Registers(targetID, threadID int, names []string) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.target(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTarget, targetID)
	}
	if t.State == StateRunning {
		return nil, ErrTargetBusy
	}
	if threadID == 0 {
		threadID = s.firstThread()
	}
	regs, ok := s.registers[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchThread, threadID)
	}
	if len(names) == 0 {
		return maps.Clone(regs), nil
	}
	out := make(map[string]uint64, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if alias, ok := regAliases[t.Arch][name]; ok {
			name = alias
		}
		v, ok := regs[name]
		if !ok {
			return nil, fmt.Errorf("debugger: unknown register %q for arch %s", name, t.Arch)
		}
		out[name] = v
	}
	return out, nil
}

// Memory returns length bytes at addr. Unmapped bytes read as zero.
func (s *Static) Memory(targetID int, addr uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("debugger: negative length %d", length)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.target(targetID); !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTarget, targetID)
	}
	if length > 0 && addr+uint64(length-1) < addr {
		return nil, fmt.Errorf("debugger: range 0x%x+%d wraps the address space", addr, length)
	}
	out := make([]byte, length)
	for base, chunk := range s.memory {
		for i, b := range chunk {
			at := base + uint64(i)
			if at >= addr && at-addr < uint64(length) {
				out[at-addr] = b
			}
		}
	}
	return out, nil
}

func (s *Static) WaitStateChange(ctx context.Context) (string, error) {
	s.mu.RLock()
	ch := s.changed
	s.mu.RUnlock()
	select {
	case <-ch:
		return s.State(0)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetState moves target 0 to state and wakes every WaitStateChange caller.
func (s *Static) SetState(state string) {
	s.mu.Lock()
	if len(s.targets) > 0 {
		s.targets[0].State = state
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// SetRegisters replaces the register file of threadID.
func (s *Static) SetRegisters(threadID int, regs map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[threadID] = maps.Clone(regs)
}

// WriteMemory stores data at addr.
func (s *Static) WriteMemory(addr uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[addr] = append([]byte(nil), data...)
}

func (s *Static) target(id int) (Target, bool) {
	for _, t := range s.targets {
		if t.ID == id {
			return t, true
		}
	}
	return Target{}, false
}

func (s *Static) firstThread() int {
	first := 0
	for id := range s.registers {
		if first == 0 || id < first {
			first = id
		}
	}
	return first
}
