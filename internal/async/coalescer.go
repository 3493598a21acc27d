// Package async provides the scheduling primitives of the reconciliation
// engine: a single-flight coalescer, a bounded FIFO admission queue and
// scan progress tracking.
package async

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Coalescer runs one idempotent unit of work with at most one execution in
// flight. Triggers that arrive while the work runs collapse into a single
// rerun that starts as soon as the current run returns.
type Coalescer struct {
	name string
	work func()

	mu      sync.Mutex
	idle    *sync.Cond
	running bool
	pending bool
	stopped bool

	runs atomic.Int64
}

// NewCoalescer creates a coalescer for work. name appears in logs.
func NewCoalescer(name string, work func()) *Coalescer {
	c := &Coalescer{name: name, work: work}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Name returns the coalescer name.
func (c *Coalescer) Name() string {
	return c.name
}

// Trigger requests a run of the work. The work is guaranteed to start at
// least once after Trigger is called. Trigger never blocks.
func (c *Coalescer) Trigger() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.running {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.loop()
}

func (c *Coalescer) loop() {
	for {
		c.runOnce()

		c.mu.Lock()
		if c.pending && !c.stopped {
			c.pending = false
			c.mu.Unlock()
			continue
		}
		c.pending = false
		c.running = false
		c.idle.Broadcast()
		c.mu.Unlock()
		return
	}
}

func (c *Coalescer) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coalescer_work_panic",
				slog.String("name", c.name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	c.runs.Add(1)
	c.work()
}

// Running reports whether the work is executing or about to rerun.
func (c *Coalescer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Runs returns how many times the work has started.
func (c *Coalescer) Runs() int64 {
	return c.runs.Load()
}

// Wait blocks until no run is in flight or pending.
func (c *Coalescer) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.running {
		c.idle.Wait()
	}
}

// Stop suppresses the pending rerun and all later triggers. An in-flight
// run is allowed to finish; call Wait to block until it has.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = false
}
