// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dep implements the dependency engine (spec section 4.1): it
// fragments declared accesses against a parent scope's existing access
// chains, drives each access's satisfiability state machine, and
// batches the side effects of unregistration so the critical section
// stays short (spec section 5).
package dep

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	taskrt "github.com/parallex/taskrt"
)

// Engine is the dependency-engine context handle (spec's design notes
// call for replacing process-wide singletons with an explicit handle).
type Engine struct {
	mu     sync.Mutex
	scopes map[*taskrt.Task]*scope // keyed by parent task; nil key is the root scope
	root   *scope
}

// NewEngine constructs an empty dependency engine.
func NewEngine() *Engine {
	return &Engine{
		scopes: make(map[*taskrt.Task]*scope),
		root:   newScope(),
	}
}

func (e *Engine) scopeFor(parent *taskrt.Task) *scope {
	if parent == nil {
		return e.root
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scopes[parent]
	if !ok {
		s = newScope()
		e.scopes[parent] = s
	}
	return s
}

// dropScope discards the bottom map associated with parent once all of
// its children have been unregistered, so the scopes map does not grow
// without bound. It is safe to call even if parent never had a scope.
func (e *Engine) dropScope(parent *taskrt.Task) {
	if parent == nil {
		return
	}
	e.mu.Lock()
	delete(e.scopes, parent)
	e.mu.Unlock()
}

// RegisterAccesses walks task's declared accesses, fragments them
// against the rest of task.Parent's scope, links each resulting
// fragment behind any existing predecessor for the same sub-region,
// and updates task's remaining-predecessor count (spec section 4.1).
func (e *Engine) RegisterAccesses(task *taskrt.Task) error {
	if len(task.Declared) == 0 {
		return nil
	}
	sc := e.scopeFor(task.Parent)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, d := range task.Declared {
		frags := sc.register(task, d)
		task.Accesses = append(task.Accesses, frags...)
	}

	for _, a := range task.Accesses {
		e.accountAndMaybeForward(a, task, nil)
	}
	return nil
}

// accountAndMaybeForward increments task.remainingPredecessors for a
// freshly created fragment that is not yet satisfied, or -- if it is
// already satisfied and weak -- forwards transparently to its own
// successor immediately (spec section 4.1's weak-access rule). batch
// may be nil during initial registration, when there is nothing to
// report back to a worker yet.
func (e *Engine) accountAndMaybeForward(a *taskrt.DataAccess, task *taskrt.Task, batch *CPUDependencyData) {
	if a.Satisfied() {
		e.forwardIfWeak(a, batch)
		return
	}
	if atomic.CompareAndSwapInt32(&a.Counted, 0, 1) {
		task.IncRemainingPredecessors(1)
	}
}

// forwardIfWeak propagates a's current read/write bits to its
// successor immediately, bypassing the need for a's own task to
// finish. Non-weak accesses only propagate at unregistration.
func (e *Engine) forwardIfWeak(a *taskrt.DataAccess, batch *CPUDependencyData) {
	if !a.IsWeak() || a.Successor == nil {
		return
	}
	e.propagate(a.Successor, a.ReadSatisfied(), a.WriteSatisfied(), batch)
}

// propagate applies a read/write satisfiability update to target and,
// if target became satisfied as a result, either decrements its
// owner's remaining-predecessor count (recording the owner in batch if
// it reaches zero) or -- if target is itself weak -- forwards onward.
// If target.OnPropagate is set (an offloaded task's data-link step
// observing its own accesses, spec section 4.4), it is notified of
// exactly the bits this call newly applied, so a remote peer is told
// about each satisfiability transition once, as it happens.
func (e *Engine) propagate(target *taskrt.DataAccess, read, write bool, batch *CPUDependencyData) {
	wasSatisfied := target.Satisfied()
	hadRead := target.ReadSatisfied()
	hadWrite := target.WriteSatisfied()
	if read {
		target.MarkReadSatisfied()
	}
	if write {
		target.MarkWriteSatisfied()
	}
	if target.OnPropagate != nil {
		newRead := read && !hadRead
		newWrite := write && !hadWrite
		if newRead || newWrite {
			target.OnPropagate(newRead, newWrite)
		}
	}
	if !wasSatisfied && target.Satisfied() {
		if atomic.CompareAndSwapInt32(&target.Counted, 1, 0) {
			if target.Owner != nil && target.Owner.IncRemainingPredecessors(-1) <= 0 && batch != nil {
				batch.SatisfiedOriginators = append(batch.SatisfiedOriginators, target.Owner)
			}
		}
	}
	if target.IsWeak() {
		e.forwardIfWeak(target, batch)
	}
}

// UnregisterAccesses implements spec section 4.1's unregister_accesses:
// on task completion, every access is marked complete, propagated to
// its successor, and -- for commutative/reduction accesses -- released
// back to their shared coordination structures. Side effects that must
// not run under the scope lock (posting newly-satisfied tasks, freeing
// tasks whose release counter has reached zero) are appended to batch
// instead of being performed directly, per spec section 5's locking
// discipline.
func (e *Engine) UnregisterAccesses(task *taskrt.Task, batch *CPUDependencyData) error {
	sc := e.scopeFor(task.Parent)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, a := range task.Accesses {
		if first := a.MarkUnregistered(); !first {
			return errors.E(errors.Precondition, "taskrt/dep: access unregistered twice (protocol violation)")
		}
		a.MarkComplete()

		switch a.Type {
		case taskrt.Commutative:
			e.completeCommutativeHolder(sc, a, batch)
			continue
		case taskrt.Reduction:
			e.completeReductionContributor(sc, a, batch)
			continue
		case taskrt.Concurrent:
			e.completeConcurrentHolder(sc, a, batch)
			continue
		}

		if a.Successor != nil {
			e.propagate(a.Successor, true, true, batch)
		}
	}

	if task.AddPendingChildren(0) == 0 {
		e.dropScope(task)
	}
	return nil
}

// completeReductionContributor folds a's contributed value into its
// reduction's running result (via Op), releases a's slot, and, if a is
// the last outstanding contributor to its group, forwards
// satisfiability to whatever chained behind the group's sentinel (spec
// section 4.1's reduction coordination, section 8's "combine step runs
// exactly once" -- here, the successor is released exactly once, after
// every contribution has been folded in).
func (e *Engine) completeReductionContributor(sc *scope, a *taskrt.DataAccess, batch *CPUDependencyData) {
	if a.Reduction != nil {
		a.Reduction.FoldSlot(a.Slot())
		a.Reduction.ReleaseSlot(a.Slot())
	}
	g, ok := sc.groupFor(a.Region)
	if !ok {
		return
	}
	if !g.contributorDone() {
		return
	}
	g.RunCombineOnce(func() {
		if g.sentinel.Successor != nil {
			e.propagate(g.sentinel.Successor, true, true, batch)
		}
	})
}

// completeConcurrentHolder releases one holder of a's concurrent group
// and, if it is the last outstanding holder, forwards satisfiability to
// whatever chained behind the group's sentinel (spec section 4.1: a
// successor waits for every concurrent holder, not just the first).
func (e *Engine) completeConcurrentHolder(sc *scope, a *taskrt.DataAccess, batch *CPUDependencyData) {
	g, ok := sc.concurrentGroupFor(a.Region)
	if !ok {
		if a.Successor != nil {
			e.propagate(a.Successor, true, true, batch)
		}
		return
	}
	if !g.holderDone() {
		return
	}
	if g.sentinel.Successor != nil {
		e.propagate(g.sentinel.Successor, true, true, batch)
	}
}

// completeCommutativeHolder releases a's hold on its commutative group
// and grants it to the next FIFO waiter, if any (spec section 4.1,
// commutative mutual exclusion). Once the group fully drains -- no
// waiters left -- whatever chained behind the group's sentinel is
// propagated to, exactly as completeConcurrentHolder and
// completeReductionContributor do for their own groups.
func (e *Engine) completeCommutativeHolder(sc *scope, a *taskrt.DataAccess, batch *CPUDependencyData) {
	g, ok := sc.commutativeGroupFor(a.Region)
	if !ok {
		if a.Successor != nil {
			e.propagate(a.Successor, true, true, batch)
		}
		return
	}
	next, drained := sc.releaseCommutative(g, a.Region)
	if drained {
		if g.sentinel.Successor != nil {
			e.propagate(g.sentinel.Successor, true, true, batch)
		}
		return
	}
	next.MarkCommutativeSatisfied()
	if next.Owner != nil && next.Owner.IncRemainingPredecessors(-1) <= 0 && batch != nil {
		batch.SatisfiedOriginators = append(batch.SatisfiedOriginators, next.Owner)
	}
}

// Propagate applies an externally-sourced satisfiability update (for
// example a cluster Satisfiability message) to the given access. It is
// the entry point cluster offload uses to drive propagate() without
// reaching into package-private state.
func (e *Engine) Propagate(target *taskrt.DataAccess, read, write bool, batch *CPUDependencyData) {
	sc := e.scopeFor(target.Owner.Parent)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	e.propagate(target, read, write, batch)
}
