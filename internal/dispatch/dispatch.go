// Package dispatch runs callbacks on a single goroutine in submission order.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
)

// Dispatcher owns the goroutine on which every download callback runs.
// Submissions never block; the queue is unbounded.
type Dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a Dispatcher. Call Run to start delivering.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Run starts the delivery loop.
func (d *Dispatcher) Run() {
	d.once.Do(func() { go d.loop() })
}

// Submit queues fn for execution. It reports false once Stop has been called.
func (d *Dispatcher) Submit(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop rejects further submissions, runs what is already queued and waits
// for the loop to exit. Run must have been called.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	<-d.stopped
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
