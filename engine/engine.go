// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine wires the dependency engine, scheduler, worker pool,
// lifecycle coordinator and the optional NUMA/throttle/cluster/wisdom
// collaborators together into the runnable create_task/submit_task
// surface spec section 6 describes. It is its own package, separate
// from the root taskrt package, because dep/sched/worker/workflow/
// lifecycle/cluster all import taskrt -- a single package combining
// them with *taskrt.Task would be an import cycle.
package engine

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"

	taskrt "github.com/parallex/taskrt"
	"github.com/parallex/taskrt/cluster"
	"github.com/parallex/taskrt/dep"
	"github.com/parallex/taskrt/lifecycle"
	"github.com/parallex/taskrt/sched"
	"github.com/parallex/taskrt/throttle"
	"github.com/parallex/taskrt/wisdom"
	"github.com/parallex/taskrt/worker"
	"github.com/parallex/taskrt/workflow"
)

// Encoder serializes a local task's implementation into the opaque
// bytes a TaskNew message carries, so it can be reconstructed on a
// remote node by the matching BodyFactory. A nil Encoder disables
// offload entirely: this core has no compilation step of its own
// (spec section 1's non-goals), so without an embedding-supplied
// encoding there is nothing sendable to ship.
type Encoder func(task *taskrt.Task) (implementation, args []byte)

// Options augments taskrt.Config with the collaborators SubmitTask
// needs but spec section 6 leaves as out-of-scope, externally supplied
// interfaces: NUMA/locality, the cluster transport, and how a task
// body is serialized for offload.
type Options struct {
	// Placer, when non-nil, enables cluster offload placement
	// decisions (spec section 4.2). Typically built over a
	// taskrt/numa.Directory.
	Placer *sched.Placer
	// Messenger and BodyFactory, together with Encoder, enable the
	// cluster offload protocol (spec section 4.6). All three must be
	// set for offload to actually occur; any missing one degrades to
	// "every task runs locally."
	Messenger   cluster.Messenger
	BodyFactory cluster.BodyFactory
	Encoder     Encoder
}

// Engine is the orchestration layer: one per process, built by New
// over a *taskrt.Runtime and started with Start.
type Engine struct {
	rt        *taskrt.Runtime
	depEngine *dep.Engine
	scheduler *sched.Scheduler
	pool      *worker.Pool
	life      *lifecycle.Coordinator
	gate      *throttle.Gate

	placer    *sched.Placer
	namespace *cluster.Namespace
	encode    Encoder
	book      *wisdom.Book

	localNode int

	mu        sync.Mutex
	inFlight  int
	finishers map[*taskrt.Task]func()
}

// taskWorkflow is what EnsureWorkflow stores on task.Workflow: the
// chain's entry point (a trivial Start step, advanced once at build
// time) and the step a redispatching worker must resume -- either a
// local Execute step or a cluster Offload step, decided once at
// submission time.
type taskWorkflow struct {
	start *workflow.Step
	mid   *workflow.Step
	// link is non-nil only for an offloaded task: the cluster data-link
	// step forwarding this task's own satisfiability transitions to the
	// offload target as they happen (spec section 4.4, 4.6).
	link *workflow.DataLinkStep
}

// New builds an Engine over rt's configuration. It does not start
// worker goroutines; call Start for that.
func New(rt *taskrt.Runtime, opts Options) (*Engine, error) {
	cfg := rt.Config
	cpuIDs := append([]int(nil), cfg.CPUs...)
	cpus := make([]*worker.CPU, len(cpuIDs))
	for i, id := range cpuIDs {
		cpus[i] = worker.NewCPU(id, cfg.NUMAOfCPU[id])
	}

	policy := sched.FIFO
	if cfg.Policy == taskrt.PriorityQueue {
		policy = sched.Priority
	}

	s := sched.New(policy, cpuIDs)
	depEngine := dep.NewEngine()
	life := lifecycle.NewCoordinator(depEngine, s)
	pool := worker.NewPool(s, cpus)

	e := &Engine{
		rt:        rt,
		depEngine: depEngine,
		scheduler: s,
		pool:      pool,
		life:      life,
		gate:      throttle.NewGate(cfg.ThrottleLimit),
		placer:    opts.Placer,
		encode:    opts.Encoder,
		localNode: cfg.NodeID,
		book:      wisdom.NewBook(cfg.WisdomPath),
		finishers: make(map[*taskrt.Task]func()),
	}

	if cfg.ClusterEnabled && opts.Messenger != nil && opts.BodyFactory != nil {
		e.namespace = cluster.NewNamespace(cfg.NodeID, opts.Messenger, opts.BodyFactory, depEngine, s, life)
	}
	return e, nil
}

// Start loads the wisdom file and launches the worker pool. group, if
// non-nil, receives a per-CPU status line (worker.Pool.Start's own
// convention). Once ctx is canceled, a worker goroutine that finds the
// ready queue empty returns instead of parking (a parked one returns at
// Shutdown), and the node-namespace service, if clustering is enabled,
// stops.
func (e *Engine) Start(ctx context.Context, group *status.Group) error {
	if err := e.book.Load(); err != nil {
		return err
	}
	e.pool.Start(ctx, group, e.execute)
	if e.namespace != nil {
		go func() {
			if err := e.namespace.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error.Printf("taskrt/engine: node-namespace service exited: %v", err)
			}
		}()
	}
	return nil
}

// Shutdown drains the worker pool, waits (via the cluster namespace)
// for outstanding offloads this node is responsible for, and persists
// the wisdom file. Callers normally cancel rt's context first.
func (e *Engine) Shutdown() error {
	e.pool.Shutdown()
	if e.namespace != nil {
		e.namespace.Stop()
	}
	return e.book.Save()
}

// SubmitTask implements spec section 6's submit_task: it registers
// task's declared accesses with the dependency engine, builds its
// execution workflow (local or cluster-offloaded, decided once here),
// attempts the if0 inline fast path, and otherwise posts the task to
// the scheduler if it is already ready. A task that is not yet ready
// is picked up later, when whatever it depends on finishes and the
// lifecycle coordinator posts it (spec section 4.5) -- execute still
// finds task.Workflow already built at that point.
//
// Nested task creation is throttled (spec section 5): SubmitTask
// reserves an in-flight slot from the admission gate before doing
// anything else, cooperatively draining one unit of ready work via the
// scheduler while waiting for room rather than blocking idle. The
// slot is registered for release against task's eventual completion
// immediately on acquisition, before any dispatch can occur, so a
// task that finishes concurrently with SubmitTask's own remaining work
// can never race past an unregistered release.
func (e *Engine) SubmitTask(ctx context.Context, task *taskrt.Task) error {
	release, err := e.gate.Reserve(ctx, e.drainOne)
	if err != nil {
		return err
	}
	e.addInFlight(1)
	e.setFinisher(task, func() { release(); e.addInFlight(-1) })

	task.Lock()
	task.Set(taskrt.StateSubmitted)
	task.Unlock()

	if err := e.depEngine.RegisterAccesses(task); err != nil {
		e.runFinisher(task)
		return err
	}

	target := e.offloadTarget(task)
	task.SetOffloaded(target >= 0)
	wf := e.buildWorkflow(task, target)

	if task.If0 && target < 0 && workflow.TryInline(ctx, task, wf.mid) {
		return nil
	}
	if task.Ready() {
		e.postReady(task, target)
	}
	return nil
}

// setFinisher records the cleanup to run once task's release step
// actually executes (see releaseRun).
func (e *Engine) setFinisher(task *taskrt.Task, fn func()) {
	e.mu.Lock()
	e.finishers[task] = fn
	e.mu.Unlock()
}

// runFinisher runs and forgets task's registered cleanup, if any. It
// is a no-op if called twice (release steps only run once per task).
func (e *Engine) runFinisher(task *taskrt.Task) {
	e.mu.Lock()
	fn := e.finishers[task]
	delete(e.finishers, task)
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *Engine) addInFlight(n int) {
	e.mu.Lock()
	e.inFlight += n
	e.mu.Unlock()
}

// InFlight returns the number of tasks currently admitted through
// SubmitTask that have not yet finished.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// drainOne is the throttle gate's DrainFunc: it executes one ready
// task inline on the calling goroutine, so a caller blocked waiting
// for an admission slot makes progress instead of idling (spec section
// 5). CPU id -1 routes to the host device's shared queue regardless
// of which goroutine is calling.
func (e *Engine) drainOne() bool {
	task, ok := e.scheduler.GetReadyTask(-1)
	if !ok {
		return false
	}
	e.execute(workflow.WithWorkerContext(e.rt.Context()), nil, task)
	return true
}

// offloadTarget decides whether task should run on a remote node,
// returning -1 to run it locally. A task need not be fully data-ready
// yet: buildWorkflow's data-link step forwards each access's
// satisfiability as the dependency engine applies it locally, so an
// offload decided before every predecessor has finished (spec section
// 8's "offload before all write-satisfiability events arrive"
// scenario) still reaches the remote node correctly, just over more
// than one message.
func (e *Engine) offloadTarget(task *taskrt.Task) int {
	if e.placer == nil || e.namespace == nil || e.encode == nil {
		return -1
	}
	res := e.placer.Place(task.Accesses)
	if !res.Offloadable || res.Node == e.localNode {
		return -1
	}
	return res.Node
}

func noopStep(context.Context, *workflow.Step) error { return nil }

// buildWorkflow constructs (once, via EnsureWorkflow) task's step
// chain: a trivial Start step, advanced immediately since it has no
// real work of its own, followed by either a local Execute step or a
// cluster Offload step (decided by target), followed by a Release
// step that returns task's self event to the lifecycle coordinator.
// When task is offloaded, the DataLinkStep Offload also returns is
// wired into task's own accesses (see wireDataLink) so satisfiability
// the dependency engine applies locally, after the offload, is still
// reported to the remote node.
func (e *Engine) buildWorkflow(task *taskrt.Task, target int) *taskWorkflow {
	v := e.life.EnsureWorkflow(task, func() interface{} {
		start := workflow.NewStep(workflow.Start, task, noopStep)

		var mid *workflow.Step
		var link *workflow.DataLinkStep
		if target >= 0 {
			implementation, args := e.encode(task)
			offload, dl, err := e.namespace.Offload(e.rt.Context(), task, target, implementation, args)
			if err != nil {
				log.Error.Printf("taskrt/engine: offload of %q to node %d failed, running locally: %v", task.Label, target, err)
				mid = e.executeStep(task)
			} else {
				mid = offload
				link = dl
			}
		} else {
			mid = e.executeStep(task)
		}

		release := workflow.NewStep(workflow.Release, task, e.releaseRun(task))
		workflow.Chain(start, mid, release)
		start.Advance(context.Background(), nil)
		if link != nil {
			e.wireDataLink(task, link)
		}
		return &taskWorkflow{start: start, mid: mid, link: link}
	})
	return v.(*taskWorkflow)
}

// wireDataLink hooks every one of task's own accesses so that any
// future satisfiability transition the dependency engine propagates
// into it (spec section 4.1) is also reported to link, which relays it
// to the offload target as a Satisfiability message (spec section
// 4.6). It then advances link itself: an access that was already
// satisfied by the time Offload captured its initial state has no
// transition left to wait for, so link's own emptiness check must run
// once up front rather than only in response to a propagate that will
// never come.
func (e *Engine) wireDataLink(task *taskrt.Task, link *workflow.DataLinkStep) {
	for _, a := range task.Accesses {
		a := a
		a.OnPropagate = func(read, write bool) {
			link.OnPropagate(e.rt.Context(), nil, a, read, write)
		}
	}
	link.Advance(context.Background(), nil)
}

func (e *Engine) executeStep(task *taskrt.Task) *workflow.Step {
	return workflow.NewStep(workflow.Execute, task, func(ctx context.Context, s *workflow.Step) error {
		if err := task.Body(task); err != nil {
			task.Lock()
			task.Error(err)
			task.Unlock()
			return err
		}
		return nil
	})
}

func (e *Engine) releaseRun(task *taskrt.Task) workflow.RunFunc {
	return func(ctx context.Context, s *workflow.Step) error {
		err := e.life.ReleaseEvent(task, 1)
		e.runFinisher(task)
		return err
	}
}

// postReady posts task to the host scheduler, preferring its
// immediate-successor CPU slot if it has one (spec section 4.2). It
// does nothing for an offloaded task (target >= 0): the Offload step, already
// advanced as part of buildWorkflow's chain, is what is actually
// pending in that case, waiting on a remote TaskFinished.
func (e *Engine) postReady(task *taskrt.Task, target int) {
	if target >= 0 {
		return
	}
	if task.ImmediateSuccessorCPU >= 0 {
		e.scheduler.AddReadyTask(task, task.ImmediateSuccessorCPU, sched.HintImmediateSuccessor, sched.Host)
	} else {
		e.scheduler.AddReadyTask(task, 0, sched.HintNone, sched.Host)
	}
	e.pool.NotifyReady(task.ImmediateSuccessorCPU)
}

// execute is the worker.Execute callback driving every CPU's run
// loop. A remote-offloaded wrapper task (spawned by this node's
// cluster.Namespace on behalf of another node) runs its body directly
// and reports back through FinishWrapper; an ordinary task resumes
// its pre-built workflow chain at the step a previous dispatch left
// pending (the chain's own Advance/Ready bookkeeping makes resuming at
// mid, rather than restarting from start, always correct).
func (e *Engine) execute(ctx context.Context, cpu *worker.CPU, task *taskrt.Task) {
	if task.Remote {
		id, _ := task.Args.(uint64)
		err := task.Body(task)
		if ferr := e.namespace.FinishWrapper(id, err); ferr != nil {
			log.Error.Printf("taskrt/engine: FinishWrapper %d: %v", id, ferr)
		}
		return
	}

	task.Lock()
	task.Set(taskrt.StateRunning)
	task.Unlock()

	wf, ok := task.Workflow.(*taskWorkflow)
	if !ok {
		log.Error.Printf("taskrt/engine: dispatched task %q with no workflow built", task.Label)
		return
	}
	cpuID := -1
	if cpu != nil {
		cpuID = cpu.ID
	}
	reenqueue := func(t *taskrt.Task) { e.scheduler.AddReadyTask(t, cpuID, sched.HintUnblocked, sched.Host) }
	if err := wf.mid.Advance(workflow.WithWorkerContext(ctx), reenqueue); err != nil {
		log.Error.Printf("taskrt/engine: task %q: %v", task.Label, err)
	}
}

// BlockCurrentTask and Unblock pass through to the worker pool, per
// spec section 6's block_current_task/unblock_task.
func (e *Engine) BlockCurrentTask(task *taskrt.Task, cpu *worker.CPU) { e.pool.BlockCurrentTask(task, cpu) }
func (e *Engine) Unblock(task *taskrt.Task)                          { e.pool.Unblock(task) }

// SpawnFunction implements spec section 6's spawn_function: a
// fire-and-forget top-level task with no declared accesses, invoking
// completion with its error once done.
func (e *Engine) SpawnFunction(ctx context.Context, label string, fn func() error, completion func(error)) error {
	body := func(t *taskrt.Task) error {
		err := fn()
		if completion != nil {
			completion(err)
		}
		return err
	}
	task, err := taskrt.CreateTask(taskrt.TaskInfo{Label: label, Body: body}, nil, taskrt.CreateOptions{Main: true})
	if err != nil {
		return err
	}
	return e.SubmitTask(ctx, task)
}

// Wisdom exposes the engine's wisdom book so a task body can consult a
// prior run's per-tasktype statistics for scheduling predictions (spec
// section 6); it is purely advisory and never consulted internally.
func (e *Engine) Wisdom() *wisdom.Book { return e.book }
