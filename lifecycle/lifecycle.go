// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lifecycle ties the dependency engine's unregistration
// batches to the scheduler and to task disposal, implementing spec
// section 4.5: a task's release counter reaching zero triggers access
// unregistration; the resulting CPU-local batch of satisfied
// originators and removable tasks is drained outside the dependency
// engine's critical section.
package lifecycle

import (
	"golang.org/x/sync/errgroup"

	"github.com/grailbio/base/sync/once"
	taskrt "github.com/parallex/taskrt"
	"github.com/parallex/taskrt/dep"
	"github.com/parallex/taskrt/sched"
)

// Coordinator drives a task's release-counter-to-disposal sequence.
// It holds no per-task state beyond the once.Map used to make
// workflow construction idempotent; everything else is derived from
// the task and engine passed to each call.
type Coordinator struct {
	engine    *dep.Engine
	scheduler *sched.Scheduler

	workflowOnce once.Map
}

// NewCoordinator builds a Coordinator over engine and scheduler.
func NewCoordinator(engine *dep.Engine, scheduler *sched.Scheduler) *Coordinator {
	return &Coordinator{engine: engine, scheduler: scheduler}
}

// EnsureWorkflow runs build exactly once for task, regardless of how
// many workers race to dispatch it for the first time, and stores the
// result on task.Workflow.
func (c *Coordinator) EnsureWorkflow(task *taskrt.Task, build func() interface{}) interface{} {
	_ = c.workflowOnce.Do(task, func() error {
		task.Workflow = build()
		return nil
	})
	return task.Workflow
}

// ReleaseEvent implements spec section 4.5's event decrement: n pending
// events (e.g. a completed data transfer) are removed from task's
// release counter. If that reaches zero, ReleaseEvent unregisters
// task's accesses and drains the resulting batch.
func (c *Coordinator) ReleaseEvent(task *taskrt.Task, n int64) error {
	if !task.DecEvents(n) {
		return nil
	}
	return c.finalize(task)
}

// finalize unregisters task's accesses, drains the CPU-local batch
// concurrently (posting newly-ready tasks to the scheduler in
// parallel with disposing newly-removable ones, per spec section
// 4.5's "keeps the critical section short" framing extended to the
// drain itself), and attempts to dispose task.
func (c *Coordinator) finalize(task *taskrt.Task) error {
	var batch dep.CPUDependencyData
	if err := c.engine.UnregisterAccesses(task, &batch); err != nil {
		return err
	}
	g := new(errgroup.Group)
	g.Go(func() error {
		for _, ready := range batch.SatisfiedOriginators {
			c.postReady(ready)
		}
		return nil
	})
	g.Go(func() error {
		for _, removable := range batch.Removable {
			c.Dispose(removable)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return c.Dispose(task)
}

// postReady adds task to the scheduler, preferring its
// immediate-successor CPU slot if one was assigned when it was
// released (spec section 4.2). A task offloaded to a cluster node is
// never posted here: its workflow already has a cluster-offload step
// pending the remote node's TaskFinished, dispatched once at
// submission regardless of when the task's own accesses become ready
// (spec section 4.6).
func (c *Coordinator) postReady(task *taskrt.Task) {
	if task.IsOffloaded() {
		return
	}
	if task.ImmediateSuccessorCPU >= 0 {
		c.scheduler.AddReadyTask(task, task.ImmediateSuccessorCPU, sched.HintImmediateSuccessor, sched.Host)
		return
	}
	c.scheduler.AddReadyTask(task, 0, sched.HintUnblocked, sched.Host)
}

// Dispose implements spec section 4.5's mark_as_released CAS:
// MarkReleased lets only the first call for task proceed, and that call
// disposes task only if it has no pending children. Dispose does not
// read the release counter itself; finalize calls it once the counter
// has reached zero. On success, task transitions to StateDisposed and,
// if it has a parent, decrements the parent's pending-children count.
func (c *Coordinator) Dispose(task *taskrt.Task) error {
	if !task.MarkReleased() {
		return nil
	}
	finalized := task.PendingChildren() == 0
	if !task.Disposable(finalized) {
		return nil
	}
	task.Lock()
	task.Set(taskrt.StateDisposed)
	task.Unlock()

	if task.Parent != nil {
		if task.Parent.AddPendingChildren(-1) == 0 {
			task.Parent.MarkChildrenFinished()
		}
	}
	return nil
}
