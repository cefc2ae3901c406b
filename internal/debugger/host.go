// Package debugger defines the debugger-backend boundary the API plugins read
// through, and the Handle the dispatcher consults to decide whether a backend
// is attached at all.
package debugger

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	ErrNoSuchTarget = errors.New("debugger: no such target")
	ErrNoSuchThread = errors.New("debugger: no such thread")
	ErrTargetBusy   = errors.New("debugger: target is running")
)

// Target describes one debugger target.
type Target struct {
	ID        int    `json:"id"`
	File      string `json:"file"`
	Arch      string `json:"arch"`
	State     string `json:"state"`
	ByteOrder string `json:"byte_order"`
	AddrSize  int    `json:"addr_size"`
}

// Host is a debugger backend adapter.
type Host interface {
	Version() string
	Targets() ([]Target, error)
	State(targetID int) (string, error)
	Registers(targetID, threadID int, names []string) (map[string]uint64, error)
	Memory(targetID int, addr uint64, length int) ([]byte, error)
	// WaitStateChange blocks until the host reports a state transition or ctx ends.
	WaitStateChange(ctx context.Context) (string, error)
}

// Handle is the swappable reference to the attached Host. The host lifecycle
// attaches and detaches; the dispatcher only reads.
type Handle struct {
	host atomic.Pointer[hostRef]
}

type hostRef struct {
	Host
}

func NewHandle() *Handle {
	return &Handle{}
}

// Attach installs h. A nil h detaches.
func (d *Handle) Attach(h Host) {
	if h == nil {
		d.host.Store(nil)
		return
	}
	d.host.Store(&hostRef{Host: h})
}

func (d *Handle) Detach() {
	d.host.Store(nil)
}

func (d *Handle) Attached() bool {
	return d != nil && d.host.Load() != nil
}

func (d *Handle) Host() (Host, bool) {
	if d == nil {
		return nil, false
	}
	ref := d.host.Load()
	if ref == nil {
		return nil, false
	}
	return ref.Host, true
}
