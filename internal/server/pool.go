package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/probectl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

var (
	ErrPoolFull   = errors.New("server: wait pool queue full")
	ErrPoolClosed = errors.New("server: wait pool closed")
)

// WaitPool runs blocking requests on a fixed set of workers fed by a bounded
// queue. Submit never blocks the caller.
type WaitPool struct {
	mu      sync.RWMutex
	closed  bool
	tasks   chan func()
	pending atomic.Int64
	workers sync.WaitGroup
}

func NewWaitPool(workers, queue int) *WaitPool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &WaitPool{tasks: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

func (p *WaitPool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.pending.Add(1)
		observability.WaitQueued()
		return nil
	default:
		return ErrPoolFull
	}
}

// Pending counts tasks queued or running.
func (p *WaitPool) Pending() int {
	return int(p.pending.Load())
}

// Close stops accepting tasks. Queued and running tasks still complete in
// the background; Close does not wait for them.
func (p *WaitPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Wait blocks until every worker has exited. Only meaningful after Close.
func (p *WaitPool) Wait() {
	p.workers.Wait()
}

func (p *WaitPool) work() {
	defer p.workers.Done()
	for task := range p.tasks {
		if r := panics.Try(task); r != nil {
			log.Error().Str("panic", r.String()).Msg("wait task panicked")
		}
		p.pending.Add(-1)
		observability.WaitFinished()
	}
}
