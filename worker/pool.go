// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"sync"

	"github.com/grailbio/base/status"
	taskrt "github.com/parallex/taskrt"
	"github.com/parallex/taskrt/sched"
)

// Execute runs a task's body on the CPU it was dispatched to. The
// pool calls it once per dispatched task; Execute is responsible for
// driving the task through the execution workflow (package
// taskrt/workflow) and reporting completion back to the scheduler.
type Execute func(ctx context.Context, cpu *CPU, task *taskrt.Task)

// Pool is the thread pool from spec section 4.3: one goroutine per
// enabled CPU, pulling ready work from a shared Scheduler and parking
// under the idle-admission protocol when none is available. CPUs are
// also indexed by NUMA node (see CPUsOnNode); the pool itself wakes
// either the hinted CPU or every idle CPU (see NotifyReady), without
// regard to node, and parking is per-CPU (see CPU.WaitWhileIdle).
type Pool struct {
	scheduler *sched.Scheduler
	cpus      []*CPU

	mu         sync.Mutex
	byNode     map[int][]*CPU
	blocked    map[*taskrt.Task]*CPU // tasks parked via BlockCurrentTask

	wg sync.WaitGroup
}

// NewPool constructs a Pool over cpus, all initially Uninitialized.
func NewPool(scheduler *sched.Scheduler, cpus []*CPU) *Pool {
	p := &Pool{
		scheduler: scheduler,
		cpus:      cpus,
		byNode:    make(map[int][]*CPU),
		blocked:   make(map[*taskrt.Task]*CPU),
	}
	for _, c := range cpus {
		p.byNode[c.NUMANode] = append(p.byNode[c.NUMANode], c)
	}
	return p
}

// Start enables every CPU and launches its worker goroutine. group, if
// non-nil, receives a per-CPU status line the way exec/eval.go
// surfaces one per task (here, one per worker instead).
func (p *Pool) Start(ctx context.Context, group *status.Group, exec Execute) {
	for _, c := range p.cpus {
		c.Enable()
		if group != nil {
			c.Status = group.Startf("cpu[%d]", c.ID)
		}
		p.wg.Add(1)
		go p.run(ctx, c, exec)
	}
}

// Wait blocks until every worker goroutine has returned (normally
// after Shutdown).
func (p *Pool) Wait() { p.wg.Wait() }

// Shutdown transitions every CPU to ShuttingDown and waits for their
// worker goroutines to observe it and return.
func (p *Pool) Shutdown() {
	for _, c := range p.cpus {
		c.Shutdown()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, c *CPU, exec Execute) {
	defer p.wg.Done()
	defer c.MarkTerminated()
	defer func() {
		if c.Status != nil {
			c.Status.Done()
		}
	}()

	for {
		if c.ShuttingDownOrTerminated() {
			return
		}
		task, ok := p.scheduler.GetReadyTask(c.ID)
		if !ok {
			if ctx.Err() != nil {
				// Shutting down and the ready queue is drained: stop
				// instead of parking.
				return
			}
			if !c.BecomeIdle(func() bool { return p.scheduler.HasAvailableWork(c.ID) }) {
				// Lost the idle-admission race: work appeared between
				// our GetReadyTask miss and BecomeIdle's recheck. Loop
				// and try again rather than parking.
				continue
			}
			c.WaitWhileIdle()
			continue
		}
		c.AcquireRunning()
		exec(ctx, c, task)
	}
}

// BlockCurrentTask implements spec section 4.3's block_current_task:
// it records that task has parked on cpu and releases the worker to
// continue with other ready work. The caller (normally the workflow
// package, from within a task's body) must not touch cpu again until
// Unblock is called.
func (p *Pool) BlockCurrentTask(task *taskrt.Task, cpu *CPU) {
	p.mu.Lock()
	p.blocked[task] = cpu
	p.mu.Unlock()
}

// Unblock re-enqueues a previously blocked task with the "unblocked"
// hint, per spec section 4.3.
func (p *Pool) Unblock(task *taskrt.Task) {
	p.mu.Lock()
	cpu, ok := p.blocked[task]
	delete(p.blocked, task)
	p.mu.Unlock()
	if !ok {
		return
	}
	cpuHint := -1
	if cpu != nil {
		cpuHint = cpu.ID
	}
	p.scheduler.AddReadyTask(task, cpuHint, sched.HintUnblocked, sched.Host)
	// Wake any CPU parked idle that might serve this task; ResumeIdle
	// on the hinted CPU specifically keeps the task close to where it
	// last ran, per spec section 4.3's locality-preserving resumption.
	if cpu != nil {
		cpu.ResumeIdle()
	}
}

// NotifyReady wakes idle CPUs after new ready work has been posted to
// the scheduler. cpuHint, if >= 0, wakes only that CPU (the
// immediate-successor case); otherwise every idle CPU is resumed so
// whichever wakes first can race the scheduler for the new work.
func (p *Pool) NotifyReady(cpuHint int) {
	if cpuHint >= 0 {
		for _, c := range p.cpus {
			if c.ID == cpuHint {
				c.ResumeIdle()
				return
			}
		}
		return
	}
	for _, c := range p.cpus {
		c.ResumeIdle()
	}
}

// CPUsOnNode returns the CPUs assigned to a NUMA node, for callers
// building locality-aware dispatch decisions.
func (p *Pool) CPUsOnNode(node int) []*CPU {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CPU(nil), p.byNode[node]...)
}
