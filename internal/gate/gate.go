// Package gate bounds the number of utterances interpreted concurrently.
// Admission is strict FIFO: a caller that arrived earlier is always granted
// a slot before a later one, regardless of goroutine scheduling.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a caller could not be admitted before its
// queue timeout elapsed or its context was cancelled while waiting.
var ErrBusy = errors.New("gate: all slots busy")

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Gate admits at most Capacity callers at a time and queues the rest
// in arrival order.
type Gate struct {
	capacity int
	timeout  time.Duration

	mu    sync.Mutex
	inUse int
	queue []*waiter
}

// New returns a gate with the given capacity and queue timeout.
// Capacity values below one are treated as one.
func New(capacity int, timeout time.Duration) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{capacity: capacity, timeout: timeout}
}

// Ticket represents one admitted slot. Release returns the slot and is
// safe to call more than once; only the first call has effect.
type Ticket struct {
	g    *Gate
	once sync.Once
}

// Release hands the slot to the oldest queued waiter, or frees it when
// the queue is empty.
func (t *Ticket) Release() {
	if t == nil || t.g == nil {
		return
	}
	t.once.Do(t.g.release)
}

// Acquire blocks until a slot is free, the queue timeout elapses, or ctx
// is done. On success the caller owns the returned ticket and must
// release it.
func (g *Gate) Acquire(ctx context.Context) (*Ticket, error) {
	g.mu.Lock()
	if len(g.queue) == 0 && g.inUse < g.capacity {
		g.inUse++
		g.mu.Unlock()
		return &Ticket{g: g}, nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return &Ticket{g: g}, nil
	case <-timer.C:
		return nil, g.abandon(w, ErrBusy)
	case <-ctx.Done():
		return nil, g.abandon(w, ctx.Err())
	}
}

// abandon removes w from the queue. If the slot was already handed to w
// in the meantime, the slot moves on to the next waiter so it is never
// lost.
func (g *Gate) abandon(w *waiter, cause error) error {
	g.mu.Lock()
	if w.granted {
		g.grantNextLocked()
		g.mu.Unlock()
		return cause
	}
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	return cause
}

func (g *Gate) release() {
	g.mu.Lock()
	g.grantNextLocked()
	g.mu.Unlock()
}

// grantNextLocked hands the freed slot to the head of the queue, keeping
// inUse unchanged, or decrements inUse when nobody is waiting.
func (g *Gate) grantNextLocked() {
	if len(g.queue) > 0 {
		w := g.queue[0]
		g.queue = g.queue[1:]
		w.granted = true
		close(w.ready)
		return
	}
	g.inUse--
}

// Snapshot reports current occupancy for health endpoints.
func (g *Gate) Snapshot() (inUse, queued, capacity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse, len(g.queue), g.capacity
}
