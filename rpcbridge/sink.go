package rpcbridge

import (
	"fmt"
	"log/slog"
	"sync"
)

// dispatcher runs user callbacks on its own goroutine, in the order they
// were pushed. The queue is unbounded so the event loop never blocks on a
// slow handler.
type dispatcher struct {
	logger *slog.Logger
	cond   *sync.Cond
	done   chan struct{}
	queue  []func()
	mu     sync.Mutex
	closed bool
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{logger: logger, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// close lets the dispatcher deliver what is already queued and then exit.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.invoke(fn)
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// handlers holds the user callbacks. They may be replaced at any time.
type handlers struct {
	notification func(Notification)
	fault        func(FaultEvent)
	line         func(string)
	state        func(State)
	mu           sync.RWMutex
}

func (h *handlers) get() (func(Notification), func(FaultEvent), func(string), func(State)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.notification, h.fault, h.line, h.state
}
