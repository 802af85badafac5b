// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements the CPU / thread pool from spec section
// 4.3: one worker goroutine per enabled CPU, a state machine governing
// each CPU's availability, and the idle-admission race avoidance that
// keeps a ready task from being lost between "queue looked empty" and
// "mark idle".
package worker

import (
	"sync"

	"github.com/grailbio/base/status"
)

// State is a CPU's position in the state machine from spec section
// 4.3. The zero value is Uninitialized.
type State int32

const (
	Uninitialized State = iota
	Enabled
	AcquiredRunning
	AcquiredIdle
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Enabled:
		return "enabled"
	case AcquiredRunning:
		return "acquired_running"
	case AcquiredIdle:
		return "acquired_idle"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CPU is one schedulable execution context: a NUMA-placed slot a
// worker goroutine runs against.
type CPU struct {
	ID     int
	NUMANode int

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	// Status surfaces the CPU's current activity the way the teacher
	// surfaces per-task progress lines (exec/eval.go's task.Status),
	// generalized to a per-CPU line.
	Status *status.Task
}

// NewCPU constructs a CPU in state Uninitialized.
func NewCPU(id, numaNode int) *CPU {
	c := &CPU{ID: id, NUMANode: numaNode}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Enable transitions Uninitialized -> Enabled. It is a programming
// error to call it twice.
func (c *CPU) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Uninitialized {
		panic("taskrt/worker: CPU enabled twice")
	}
	c.state = Enabled
}

// AcquireRunning transitions Enabled or AcquiredIdle -> AcquiredRunning:
// the worker goroutine is about to execute a task.
func (c *CPU) AcquireRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Enabled, AcquiredIdle:
		c.state = AcquiredRunning
	default:
		panic("taskrt/worker: invalid transition to acquired_running from " + c.state.String())
	}
	c.cond.Broadcast()
}

// BecomeIdle performs the idle-admission check and transition from
// spec section 4.3: under the CPU's own lock (the "idle-set lock"),
// it calls hasWork once more; if hasWork is now true, BecomeIdle
// returns false without changing state, and the caller must loop and
// retry rather than park. This prevents the race where a task is
// enqueued between the worker's last "queue empty" observation and
// this call.
func (c *CPU) BecomeIdle(hasWork func() bool) (becameIdle bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hasWork() {
		return false
	}
	c.state = AcquiredIdle
	c.cond.Broadcast()
	return true
}

// ResumeIdle transitions AcquiredIdle -> AcquiredRunning when a new
// ready task is added for this CPU, waking any goroutine parked in
// WaitWhileIdle.
func (c *CPU) ResumeIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == AcquiredIdle {
		c.state = AcquiredRunning
	}
	c.cond.Broadcast()
}

// WaitWhileIdle blocks the calling goroutine (the CPU's worker) while
// the CPU remains in AcquiredIdle, returning once it has been resumed
// or moved to ShuttingDown.
func (c *CPU) WaitWhileIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == AcquiredIdle {
		c.cond.Wait()
	}
}

// Shutdown transitions any state to ShuttingDown, waking a parked
// worker so it can observe the transition and exit.
func (c *CPU) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ShuttingDown
	c.cond.Broadcast()
}

// MarkTerminated records that the worker goroutine has returned.
func (c *CPU) MarkTerminated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Terminated
	c.cond.Broadcast()
}

// State returns the CPU's current state.
func (c *CPU) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ShuttingDownOrTerminated is a convenience check workers use to break
// out of their run loop.
func (c *CPU) ShuttingDownOrTerminated() bool {
	s := c.State()
	return s == ShuttingDown || s == Terminated
}
