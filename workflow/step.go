// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package workflow implements the per-task execution step DAG from
// spec section 4.4: a minimal local task runs
// [start] -> [data-link] -> [data-fetch] -> [execute] -> [release];
// a remote-offloaded task replaces [execute] with [offload] ->
// [remote-completion].
package workflow

import (
	"context"
	"sync"
	"sync/atomic"

	taskrt "github.com/parallex/taskrt"
)

// Kind identifies a step's role in the DAG.
type Kind int

const (
	Start Kind = iota
	DataLink
	DataFetch
	Execute
	Offload
	RemoteCompletion
	Release
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case DataLink:
		return "data-link"
	case DataFetch:
		return "data-fetch"
	case Execute:
		return "execute"
	case Offload:
		return "offload"
	case RemoteCompletion:
		return "remote-completion"
	case Release:
		return "release"
	default:
		return "unknown-step"
	}
}

// RunFunc is a step's body. It returns an error to abort the chain
// (the step's task is expected to record the error and stop).
type RunFunc func(ctx context.Context, s *Step) error

// Step is one node of a task's execution workflow (spec section 4.4).
type Step struct {
	Kind Kind
	Task *taskrt.Task

	mu sync.Mutex

	remainingPredecessors int32
	successors            []*Step
	pendingReleases        int32 // successors not yet notified by release_successors

	run RunFunc

	started    int32 // atomic bool
	done       int32 // atomic bool
	cleanupRun bool  // guarded by mu

	// Async marks a step whose completion is driven by an external
	// event rather than by run's return (spec section 4.4's cluster
	// data-link step, which completes only once none of its accesses
	// has a read or write requirement outstanding). When Async is
	// set, Advance calls run and returns without releasing successors;
	// the step's owner must call Finish once its condition is met.
	Async bool

	// Cleanup runs once, when the step self-destructs (every
	// successor released AND its own work complete). It exists for
	// steps that hold resources needing explicit teardown (e.g. a
	// cluster data-fetch step's pending-transfer registration).
	Cleanup func()
}

// NewStep constructs a step with no predecessors or successors wired
// yet; use AddSuccessor or Chain to build the DAG.
func NewStep(kind Kind, task *taskrt.Task, run RunFunc) *Step {
	return &Step{Kind: kind, Task: task, run: run}
}

// AddSuccessor wires s -> succ: succ's predecessor count is
// incremented so it will not start until every predecessor, including
// s, has released it.
func (s *Step) AddSuccessor(succ *Step) {
	s.mu.Lock()
	s.successors = append(s.successors, succ)
	s.pendingReleases++
	s.mu.Unlock()
	atomic.AddInt32(&succ.remainingPredecessors, 1)
}

// Chain wires a linear sequence of steps, each the sole predecessor of
// the next -- the shape spec section 4.4 calls "minimal" for a local
// task.
func Chain(steps ...*Step) {
	for i := 0; i+1 < len(steps); i++ {
		steps[i].AddSuccessor(steps[i+1])
	}
}

// Ready reports whether every predecessor has released this step.
func (s *Step) Ready() bool {
	return atomic.LoadInt32(&s.remainingPredecessors) <= 0
}

// Done reports whether this step's work has completed.
func (s *Step) Done() bool { return atomic.LoadInt32(&s.done) == 1 }

// inWorkerKey is the context key Advance consults to decide whether an
// Execute step may run inline (spec section 4.4: "if started outside
// a worker context, it must re-enqueue the task into the scheduler
// instead of running inline").
type inWorkerKey struct{}

// WithWorkerContext marks ctx as running inside a worker goroutine,
// permitting an Execute step to run inline rather than bouncing back
// through the scheduler.
func WithWorkerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, inWorkerKey{}, true)
}

func inWorkerContext(ctx context.Context) bool {
	v, _ := ctx.Value(inWorkerKey{}).(bool)
	return v
}

// Reenqueue is called instead of running an Execute step inline when
// Advance is invoked outside a worker context; the caller supplies how
// to get the task back in front of the scheduler.
type Reenqueue func(task *taskrt.Task)

// Advance attempts to start s if it is ready and has not already
// started. If s is an Execute step invoked outside a worker context,
// it calls reenqueue instead of running and returns without marking
// itself started -- a later Advance call (from within a worker) will
// actually run it. On completion, Advance calls release_successors
// (spec section 4.4), which recurses into Advance for any successor
// that becomes ready as a result -- "reaching zero starts the
// successor" happens inline, on the same goroutine, exactly as in a
// local task's chain.
func (s *Step) Advance(ctx context.Context, reenqueue Reenqueue) error {
	if !s.Ready() {
		return nil
	}
	if s.Kind == Execute && !inWorkerContext(ctx) {
		if reenqueue != nil {
			reenqueue(s.Task)
		}
		return nil
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}
	var err error
	if s.run != nil {
		err = s.run(ctx, s)
	}
	if s.Async {
		return err
	}
	s.finish(ctx, reenqueue)
	return err
}

// Finish completes an Async step once its owner has observed its
// completion condition (e.g. a cluster data-link step's outstanding
// byte count reaching zero). It is a no-op if the step has not started
// or has already finished.
func (s *Step) Finish(ctx context.Context, reenqueue Reenqueue) {
	if atomic.LoadInt32(&s.started) == 0 || atomic.LoadInt32(&s.done) == 1 {
		return
	}
	s.finish(ctx, reenqueue)
}

// finish marks s complete, releases every successor (recursively
// advancing any that become ready as a result), and self-destructs s
// once every successor has been released.
func (s *Step) finish(ctx context.Context, reenqueue Reenqueue) {
	atomic.StoreInt32(&s.done, 1)
	s.mu.Lock()
	successors := s.successors
	s.mu.Unlock()
	for _, succ := range successors {
		atomic.AddInt32(&succ.remainingPredecessors, -1)
		s.releaseSuccessor()
		if succ.Ready() {
			succ.Advance(ctx, reenqueue)
		}
	}
	s.maybeSelfDestruct()
}

// releaseSuccessor records that one successor has been notified by
// release_successors (spec section 4.4).
func (s *Step) releaseSuccessor() {
	s.mu.Lock()
	s.pendingReleases--
	ready := s.pendingReleases <= 0
	s.mu.Unlock()
	if ready {
		s.maybeSelfDestruct()
	}
}

// maybeSelfDestruct runs Cleanup exactly once, when both conditions
// from spec section 4.4 hold: every successor has been released, and
// the step's own work is complete.
func (s *Step) maybeSelfDestruct() {
	s.mu.Lock()
	destructible := s.pendingReleases <= 0 && atomic.LoadInt32(&s.done) == 1
	alreadyRun := s.cleanupRun
	if destructible && !alreadyRun {
		s.cleanupRun = true
	}
	s.mu.Unlock()
	if destructible && !alreadyRun && s.Cleanup != nil {
		s.Cleanup()
	}
}

// TryInline is the if0 fast path: an if0 task (spec section 3's
// state-flag list) whose data-access predecessors are already
// satisfied at creation time -- task.Ready(), not merely first's own
// workflow-step predecessor count -- runs its entire step chain
// immediately on the calling goroutine instead of being handed to the
// scheduler, saving a dequeue round-trip for what is typically a
// small leaf task. It reports whether it actually ran the chain; false
// means the task was not eligible (not an if0 task, or its
// dependencies are not yet satisfied) and the caller must fall back to
// its normal submission path (e.g. sched.AddReadyTask). first itself
// must already be workflow-ready (its own predecessor steps, if any,
// already advanced) -- TryInline does not wait on those.
//
// TryInline always runs first's chain as if from a worker context --
// if0's whole point is to run on the creating thread regardless of
// whether that thread happens to already be inside one.
func TryInline(ctx context.Context, task *taskrt.Task, first *Step) bool {
	if !task.If0 || first == nil || !task.Ready() || !first.Ready() {
		return false
	}
	if err := first.Advance(WithWorkerContext(ctx), nil); err != nil {
		task.Lock()
		task.Error(err)
		task.Unlock()
	}
	return true
}
