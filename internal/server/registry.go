//go:build unix

package server

import (
	"slices"
	"sync"
	"time"

	"github.com/danmuck/probectl/internal/transport"
)

// ClientInfo is a diagnostic snapshot of one connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	Peer        string    `json:"peer"`
	Fd          int       `json:"fd"`
	ConnectedAt time.Time `json:"connected_at"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Requests    uint64    `json:"requests"`
}

// ConnRegistry is the ordered set of live connections owned by one EventLoop.
// Only the owning loop adds and removes. Snapshot may be called from anywhere.
type ConnRegistry struct {
	label string
	mu    sync.RWMutex
	conns []*transport.Conn
}

func NewConnRegistry(label string) *ConnRegistry {
	return &ConnRegistry{label: label}
}

func (r *ConnRegistry) Add(c *transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.conns, c) {
		return
	}
	r.conns = append(r.conns, c)
}

// Remove reports whether c was present.
func (r *ConnRegistry) Remove(c *transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.conns, c)
	if i < 0 {
		return false
	}
	r.conns = slices.Delete(r.conns, i, i+1)
	return true
}

// All returns the live connections in accept order.
func (r *ConnRegistry) All() []*transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.conns)
}

func (r *ConnRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *ConnRegistry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientInfo, 0, len(r.conns))
	for _, c := range r.conns {
		stats := c.Stats()
		out = append(out, ClientInfo{
			ID:          c.ID(),
			Transport:   r.label,
			Peer:        c.Peer(),
			Fd:          c.Fd(),
			ConnectedAt: c.ConnectedAt(),
			BytesIn:     stats.BytesIn,
			BytesOut:    stats.BytesOut,
			Requests:    stats.Requests,
		})
	}
	return out
}
