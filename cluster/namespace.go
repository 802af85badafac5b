// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"golang.org/x/sync/errgroup"

	taskrt "github.com/parallex/taskrt"
	"github.com/parallex/taskrt/dep"
	"github.com/parallex/taskrt/lifecycle"
	"github.com/parallex/taskrt/sched"
	"github.com/parallex/taskrt/workflow"
)

// retryPolicy mirrors the teacher's machine-call backoff
// (exec/bigmachine.go's retryPolicy) for transient transport errors on
// send/fetch.
var retryPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// fatalErr is used with errors.Match to distinguish a fatal transport
// failure from one that should simply be retried, the same pattern
// the teacher uses for RetryCall results.
var fatalErr = errors.E(errors.Fatal)

// BodyFactory builds the Body a wrapper task runs from the opaque
// implementation/argument blocks a TaskNew message carries. Providing
// the actual interpretation of those bytes is explicitly outside this
// core's scope (spec section 1's non-goals: "compiling the
// application"); the embedding process supplies this collaborator.
type BodyFactory func(implementation, args []byte) taskrt.Body

// offloadRecord is what the offloading node remembers about a task it
// shipped elsewhere: enough to finish its cluster-offload step when
// TaskFinished arrives, and to forward a RemoteAccessRelease into the
// task's surviving local access chain.
type offloadRecord struct {
	task       *taskrt.Task
	targetNode int
	step       *workflow.Step
}

// wrapperRecord is what an offloadee remembers about a locally-spawned
// wrapper task: which node to report back to, and which of its
// accesses (by region) correspond to incoming Satisfiability messages.
type wrapperRecord struct {
	task       *taskrt.Task
	originNode int
	byRegion   map[taskrt.Region]*taskrt.DataAccess
}

// Namespace is spec section 4.6's node-namespace task: a long-running
// per-node service that dequeues TaskNew messages, spawns local
// wrapper tasks for remote work, and routes Satisfiability /
// TaskFinished / RemoteAccessRelease traffic to the right local state.
// Implemented directly against dep.Engine/sched.Scheduler/
// lifecycle.Coordinator rather than through the teacher's
// bigmachineExecutor, since this core's offload path works in terms of
// regions and accesses rather than bigslice's task-and-invocation
// model -- see DESIGN.md.
type Namespace struct {
	node      int
	messenger Messenger
	factory   BodyFactory
	ids       *idGenerator

	engine      *dep.Engine
	scheduler   *sched.Scheduler
	coordinator *lifecycle.Coordinator

	// root is a dedicated scope-root task that every wrapper task is
	// parented under, so wrapper accesses never fragment against real
	// local application accesses.
	root *taskrt.Task

	mu        sync.Mutex
	outbound  map[int]chan outboundMsg
	offloads  map[uint64]*offloadRecord // by TaskID, on the offloading side
	wrappers  map[uint64]*wrapperRecord // by TaskID, on the offloadee side

	wg       sync.WaitGroup // outstanding remote work this node is responsible for
	stopOnce sync.Once
	stop     chan struct{}
}

type outboundMsg struct {
	msg      interface{}
	blocking bool
	done     chan error
}

// NewNamespace constructs a Namespace for the local node.
func NewNamespace(node int, messenger Messenger, factory BodyFactory, engine *dep.Engine, scheduler *sched.Scheduler, coordinator *lifecycle.Coordinator) *Namespace {
	return &Namespace{
		node:        node,
		messenger:   messenger,
		factory:     factory,
		ids:         newIDGenerator(node),
		engine:      engine,
		scheduler:   scheduler,
		coordinator: coordinator,
		root:        taskrt.NewTask("cluster-namespace-root", nil, nil, 0),
		outbound:    make(map[int]chan outboundMsg),
		offloads:    make(map[uint64]*offloadRecord),
		wrappers:    make(map[uint64]*wrapperRecord),
		stop:        make(chan struct{}),
	}
}

// outboxFor returns (creating if needed) the ordered per-target
// outbound channel, spec section 4.6's ordering guarantee: "between
// any two messages A then B sent to the same target ... B is
// delivered after A." One goroutine drains each target's channel, so
// sends to the same target are serialized in submission order.
func (n *Namespace) outboxFor(target int) chan outboundMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.outbound[target]
	if ok {
		return ch
	}
	ch = make(chan outboundMsg, 64)
	n.outbound[target] = ch
	go n.drain(target, ch)
	return ch
}

func (n *Namespace) drain(target int, ch chan outboundMsg) {
	for {
		select {
		case <-n.stop:
			return
		case m := <-ch:
			err := n.sendWithRetry(target, m.msg, m.blocking)
			if m.done != nil {
				m.done <- err
			} else if err != nil {
				log.Error.Printf("taskrt/cluster: message to node %d failed after retries: %v", target, err)
			}
		}
	}
}

// sendWithRetry wraps Messenger.SendMessage with the teacher's retry
// policy, stopping early on a fatal (non-retryable) error.
func (n *Namespace) sendWithRetry(target int, msg interface{}, blocking bool) error {
	ctx := context.Background()
	var retries int
	for {
		err := n.messenger.SendMessage(ctx, msg, target, blocking)
		if err == nil {
			return nil
		}
		if errors.Match(fatalErr, err) {
			return err
		}
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return err
		}
		retries++
	}
}

// send enqueues msg for target and blocks until it has been accepted
// by the retry loop (not necessarily acknowledged by the peer, unless
// blocking is also true at the transport level).
func (n *Namespace) send(target int, msg interface{}) error {
	done := make(chan error, 1)
	n.outboxFor(target) <- outboundMsg{msg: msg, done: done}
	return <-done
}

// Offload implements spec section 4.6's offload protocol, steps 1-3:
// task has already been created and had its accesses registered
// locally by the caller. Offload computes a TaskNew from task's
// current accesses, sends it to targetNode, and returns the
// cluster-offload *workflow.Step that the task's execution workflow
// should splice in place of its Execute step. The step finishes when
// this node later receives a matching TaskFinished.
func (n *Namespace) Offload(ctx context.Context, task *taskrt.Task, targetNode int, implementation, args []byte) (*workflow.Step, *workflow.DataLinkStep, error) {
	id := n.ids.Next()

	initial := make([]AccessSatisfiability, len(task.Accesses))
	for i, a := range task.Accesses {
		initial[i] = AccessSatisfiability{
			Region: a.Region,
			Type:   a.Type,
			Read:   a.ReadSatisfied(),
			Write:  a.WriteSatisfied(),
		}
	}

	rec := &offloadRecord{task: task, targetNode: targetNode}
	step := workflow.NewStep(workflow.Offload, task, func(context.Context, *workflow.Step) error { return nil })
	step.Async = true
	rec.step = step

	link := workflow.NewDataLinkStep(task, task.Accesses, func(a *taskrt.DataAccess, read, write bool) error {
		return n.send(targetNode, Satisfiability{TaskID: id, Region: a.Region, Read: read, Write: write})
	})

	n.mu.Lock()
	n.offloads[id] = rec
	n.mu.Unlock()

	n.wg.Add(1)
	msg := TaskNew{
		TaskID:          id,
		OriginNode:      n.node,
		Label:           task.Label,
		Priority:        task.Priority,
		Implementation:  implementation,
		Args:            args,
		InitialAccesses: initial,
	}
	if err := n.send(targetNode, msg); err != nil {
		n.wg.Done()
		n.mu.Lock()
		delete(n.offloads, id)
		n.mu.Unlock()
		return nil, nil, err
	}
	return step, link, nil
}

// Run drives the node-namespace service loop: it polls CheckMail and
// dispatches each message until ctx is done, at which point it stops
// accepting new mail but still waits (via Stop) for in-flight remote
// work this node is responsible for.
func (n *Namespace) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stop:
			return nil
		default:
		}
		msg, ok, err := n.messenger.CheckMail(ctx)
		if err != nil {
			if errors.Match(fatalErr, err) {
				return err
			}
			continue
		}
		if !ok {
			continue
		}
		n.dispatch(ctx, msg)
	}
}

func (n *Namespace) dispatch(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case TaskNew:
		n.handleTaskNew(ctx, m)
	case TaskFinished:
		n.handleTaskFinished(m)
	case Satisfiability:
		n.handleSatisfiability(ctx, m)
	case RemoteAccessRelease:
		n.handleRemoteAccessRelease(m)
	default:
		log.Printf("taskrt/cluster: node %d: unrecognized message type %T", n.node, msg)
	}
}

// handleTaskNew implements step 4: spawn a local wrapper task whose
// accesses carry the offloader-provided initial satisfiability.
//
// Wrapper accesses are built directly rather than through
// engine.RegisterAccesses: that path fragments a declared access
// against sibling accesses already registered in a shared parent
// scope and, finding none, falls back to "nothing upstream
// constrains it" and marks the fragment fully satisfied immediately
// (dep/scope.go's inheritFromParent). A remote wrapper's accesses have
// no such siblings -- their satisfiability is supposed to come
// exclusively from the TaskNew snapshot and later Satisfiability
// messages -- so they are constructed with a zero satBits value
// (nothing satisfied) and only the bits InitialAccesses reports are
// set, exactly mirroring what engine.accountAndMaybeForward does for
// a freshly registered access.
func (n *Namespace) handleTaskNew(ctx context.Context, m TaskNew) {
	wrapper := taskrt.NewTask(m.Label, n.factory(m.Implementation, m.Args), n.root, 0)
	wrapper.Priority = m.Priority
	wrapper.Remote = true
	// Args carries this wrapper's TaskID so the dispatching worker can
	// report completion back through FinishWrapper without needing its
	// own side table from *taskrt.Task to message id.
	wrapper.Args = m.TaskID

	byRegion := make(map[taskrt.Region]*taskrt.DataAccess, len(m.InitialAccesses))
	for _, ia := range m.InitialAccesses {
		a := &taskrt.DataAccess{
			Region:   ia.Region,
			Type:     ia.Type,
			Owner:    wrapper,
			Location: taskrt.MemoryPlace{NodeID: -1},
		}
		if ia.Read {
			a.MarkReadSatisfied()
		}
		if ia.Write {
			a.MarkWriteSatisfied()
		}
		wrapper.Accesses = append(wrapper.Accesses, a)
		byRegion[a.Region] = a
		if !a.Satisfied() {
			a.Counted = 1
			wrapper.IncRemainingPredecessors(1)
		}
	}

	n.mu.Lock()
	n.wrappers[m.TaskID] = &wrapperRecord{task: wrapper, originNode: m.OriginNode, byRegion: byRegion}
	n.mu.Unlock()

	n.wg.Add(1)
	if wrapper.Ready() {
		n.scheduler.AddReadyTask(wrapper, 0, sched.HintNone, sched.Host)
	}
}

// FinishWrapper is called by the worker loop once a wrapper task's
// body returns (successfully or not). It unregisters the wrapper's
// accesses (propagating RemoteAccessRelease to the offloader for
// every one of them, since the wrapper has no local successors of its
// own) and reports TaskFinished to the origin node.
func (n *Namespace) FinishWrapper(id uint64, runErr error) error {
	n.mu.Lock()
	rec, ok := n.wrappers[id]
	delete(n.wrappers, id)
	n.mu.Unlock()
	if !ok {
		return errors.E(errors.Precondition, "taskrt/cluster: FinishWrapper for unknown task")
	}
	defer n.wg.Done()

	var batch dep.CPUDependencyData
	if err := n.engine.UnregisterAccesses(rec.task, &batch); err != nil {
		return err
	}
	g := new(errgroup.Group)
	for region := range rec.byRegion {
		region := region
		g.Go(func() error {
			return n.send(rec.originNode, RemoteAccessRelease{TaskID: id, Region: region})
		})
	}
	for _, ready := range batch.SatisfiedOriginators {
		n.scheduler.AddReadyTask(ready, 0, sched.HintNone, sched.Host)
	}
	for _, removable := range batch.Removable {
		n.coordinator.Dispose(removable)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	return n.send(rec.originNode, TaskFinished{TaskID: id, Err: errMsg})
}

// handleTaskFinished implements step 5: release the offloader's local
// representation's execute step.
func (n *Namespace) handleTaskFinished(m TaskFinished) {
	n.mu.Lock()
	rec, ok := n.offloads[m.TaskID]
	delete(n.offloads, m.TaskID)
	n.mu.Unlock()
	if !ok {
		log.Error.Printf("taskrt/cluster: node %d: TaskFinished for unknown task %d", n.node, m.TaskID)
		return
	}
	defer n.wg.Done()
	var err error
	if m.Err != "" {
		err = errors.E(errors.Fatal, m.Err)
		rec.task.Lock()
		rec.task.Error(err)
		rec.task.Unlock()
	}
	rec.step.Finish(context.Background(), nil)
}

// handleSatisfiability updates the remote wrapper's matching access
// directly (not through the dependency engine's scope machinery --
// see handleTaskNew's comment) and posts the wrapper to the scheduler
// once every one of its accesses has reached the satisfiability its
// type demands.
func (n *Namespace) handleSatisfiability(ctx context.Context, m Satisfiability) {
	n.mu.Lock()
	rec, ok := n.wrappers[m.TaskID]
	n.mu.Unlock()
	if !ok {
		log.Error.Printf("taskrt/cluster: node %d: Satisfiability for unknown task %d", n.node, m.TaskID)
		return
	}
	a, ok := rec.byRegion[m.Region]
	if !ok {
		log.Error.Printf("taskrt/cluster: node %d: Satisfiability for unknown region %v on task %d", n.node, m.Region, m.TaskID)
		return
	}
	wasSatisfied := a.Satisfied()
	if m.Read {
		a.MarkReadSatisfied()
	}
	if m.Write {
		a.MarkWriteSatisfied()
	}
	if wasSatisfied || !a.Satisfied() {
		return
	}
	if !atomic.CompareAndSwapInt32(&a.Counted, 1, 0) {
		return
	}
	if rec.task.IncRemainingPredecessors(-1) <= 0 {
		n.scheduler.AddReadyTask(rec.task, 0, sched.HintNone, sched.Host)
	}
}

// handleRemoteAccessRelease implements the offloader side of "when an
// offloadee propagates release, RemoteAccessRelease is sent back": it
// forwards full satisfiability into whatever chained locally behind
// the offloaded task's matching access, exactly as a local
// unregistration would have.
func (n *Namespace) handleRemoteAccessRelease(m RemoteAccessRelease) {
	n.mu.Lock()
	rec, ok := n.offloads[m.TaskID]
	n.mu.Unlock()
	if !ok {
		log.Error.Printf("taskrt/cluster: node %d: RemoteAccessRelease for unknown task %d", n.node, m.TaskID)
		return
	}
	for _, a := range rec.task.Accesses {
		if a.Region != m.Region || a.Successor == nil {
			continue
		}
		var batch dep.CPUDependencyData
		n.engine.Propagate(a.Successor, true, true, &batch)
		for _, ready := range batch.SatisfiedOriginators {
			n.scheduler.AddReadyTask(ready, 0, sched.HintNone, sched.Host)
		}
	}
}

// Stop signals the namespace to stop accepting new local work and
// blocks until every remote task this node originated or is running
// on behalf of another node has finished, per the Open Question
// decision recorded in DESIGN.md: shutdown joins on a WaitGroup rather
// than polling.
func (n *Namespace) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}
