// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package taskrt implements the core of a task-parallel dependency
// runtime: tasks declare memory-region accesses, the dependency engine
// discovers the concurrency those accesses permit, and workers pinned
// to CPUs execute ready tasks until the graph drains.
//
// Per the design notes against process-wide singletons, every piece of
// mutable runtime state lives inside a *Runtime value created by New;
// nothing here uses a package-level variable.
package taskrt

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// SchedulingPolicy selects the inner unsynchronized scheduler's
// ordering discipline (spec section 4.2).
type SchedulingPolicy int

const (
	// FIFO runs ready tasks in enqueue order, ignoring Priority.
	FIFO SchedulingPolicy = iota
	// PriorityQueue orders by descending Priority, FIFO within ties.
	PriorityQueue
)

// Config holds the configuration the embedding process supplies at
// startup. Per spec section 6, parsing a config file or CLI flags
// into a Config is explicitly outside the core's scope.
type Config struct {
	// CPUs is the list of CPU ids the pool should bind one worker
	// thread to each of, in NUMA-directory order.
	CPUs []int
	// NUMAOfCPU maps a CPU id to its NUMA node, as supplied by the
	// (out of scope) topology-discovery collaborator.
	NUMAOfCPU map[int]int
	Policy    SchedulingPolicy
	// ThrottleLimit bounds in-flight nested task creation (spec
	// section 5); zero means unlimited.
	ThrottleLimit int
	// WisdomPath, if non-empty, is the JSON file persisted
	// per-tasktype execution statistics are loaded from and saved to.
	WisdomPath string
	// ClusterEnabled turns on the offload/cluster layer (spec section
	// 4.6). NodeID and NumNodes are meaningless otherwise.
	ClusterEnabled bool
	NodeID         int
	NumNodes       int
}

// Validate checks a Config for the invalid-API-use class of error
// from spec section 7 (negative indices, empty CPU lists).
func (c *Config) Validate() error {
	if len(c.CPUs) == 0 {
		return errors.E(errors.Invalid, "taskrt: config has no usable CPUs")
	}
	seen := make(map[int]bool, len(c.CPUs))
	for _, cpu := range c.CPUs {
		if cpu < 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("taskrt: negative CPU id %d", cpu))
		}
		if seen[cpu] {
			return errors.E(errors.Invalid, fmt.Sprintf("taskrt: duplicate CPU id %d", cpu))
		}
		seen[cpu] = true
	}
	if c.ClusterEnabled && (c.NodeID < 0 || c.NumNodes <= 0 || c.NodeID >= c.NumNodes) {
		return errors.E(errors.Invalid, "taskrt: invalid cluster node configuration")
	}
	return nil
}

// Runtime is the context handle the design notes require in place of
// the source's singletons (Scheduler::_instance, NUMAManager::_directory,
// ThreadManager::_idleThreads). One Runtime is created per process at
// init and threaded through (or stashed in a worker-local slot) for the
// lifetime of the run.
type Runtime struct {
	Config Config

	ctx    context.Context
	cancel context.CancelFunc

	root *Task
}

// New validates cfg and constructs a Runtime. It does not start worker
// threads; callers assemble the scheduler, worker pool and dependency
// engine around the returned Runtime (see the sched, worker and dep
// packages; engine.New does this) and start them (Engine.Start).
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	rt := &Runtime{Config: cfg, ctx: ctx, cancel: cancel}
	log.Printf("taskrt: runtime initialized with %d CPUs, policy=%v", len(cfg.CPUs), cfg.Policy)
	return rt, nil
}

// Context returns the runtime's root context. It is canceled by
// Shutdown.
func (rt *Runtime) Context() context.Context { return rt.ctx }

// Shutdown sets the cooperative shutdown flag (spec section 5): it
// cancels the runtime's root context. A worker loop that then finds
// the ready queue empty returns instead of parking, so workers run what
// is still queued and terminate; the node-namespace task stops polling
// for messages.
func (rt *Runtime) Shutdown() { rt.cancel() }

// ShuttingDown reports whether Shutdown has been called.
func (rt *Runtime) ShuttingDown() bool {
	select {
	case <-rt.ctx.Done():
		return true
	default:
		return false
	}
}
