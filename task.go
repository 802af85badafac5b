// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskrt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/sync/ctxsync"
)

// State is a task's position in its lifecycle (spec section 3). The
// zero value is StateInit.
type State int

const (
	StateInit State = iota
	StateSubmitted
	StateReady
	StateRunning
	StateBlocked
	StateFinished
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSubmitted:
		return "submitted"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateFinished:
		return "finished"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Body is the user code a task runs. It is given its own Task; a
// non-nil error it returns is recorded on that task.
type Body func(t *Task) error

// Task is the runtime's unit of scheduling (spec section 3). Tasks are
// created by their parent (or the top-level spawn API), accumulate a
// set of declared DataAccess records, and flow through the states
// above under control of the scheduler and workers.
type Task struct {
	Label string
	Body  Body
	Args  interface{}

	Parent   *Task
	Priority int

	// Flags.
	Spawned         bool
	Remote          bool
	If0             bool
	Main            bool
	Final           bool
	weak            bool
	childrenFinished int32 // atomic bool
	offloaded        int32 // atomic bool

	// Declared is the ordered list of accesses registered via
	// RegisterDataAccess, before the dependency engine has fragmented
	// them against sibling accesses in the parent's scope.
	Declared []DeclaredAccess

	// Accesses is populated by the dependency engine's
	// register_accesses: the (possibly fragmented) DataAccess records
	// that this task must see satisfied before it is ready.
	Accesses []*DataAccess

	// Workflow is set by the execution-workflow package once the
	// task's step DAG has been built; it is nil for tasks that never
	// leave state StateInit (e.g. ones that fail admission).
	Workflow interface{}

	// ImmediateSuccessorCPU, when >= 0, is the CPU id a scheduler
	// should prefer for this task because it was released as the
	// unique successor of the task that just finished on that CPU
	// (spec section 4.2).
	ImmediateSuccessorCPU int

	mu    sync.Mutex
	cond  *ctxsync.Cond
	state State
	err   error

	// remainingPredecessors counts accesses that still block
	// readiness. It reaches zero exactly when every access has
	// reached the satisfiability its type demands.
	remainingPredecessors int32

	// releaseCount starts at 1 (self) + the number of initial events
	// (e.g. pending data transfers) a task is created with, per spec
	// section 4.5. It reaches zero when unregistration may proceed.
	releaseCount int64

	// released is set exactly once, by the CAS in MarkReleased; a
	// task is disposed only after released is true AND finalization
	// returns true (spec section 3's disposal invariant).
	released int32

	pendingChildren int32

	disposed bool
}

// NewTask allocates a task in StateInit with releaseCount initialized
// to 1 (self) plus the given number of initial events.
func NewTask(label string, body Body, parent *Task, initialEvents int) *Task {
	t := &Task{
		Label:                 label,
		Body:                  body,
		Parent:                parent,
		releaseCount:          1 + int64(initialEvents),
		ImmediateSuccessorCPU: -1,
	}
	t.cond = ctxsync.NewCond(&t.mu)
	if parent != nil {
		atomic.AddInt32(&parent.pendingChildren, 1)
	}
	return t
}

// Lock acquires the task's state lock. Callers must not block on
// anything that itself waits on this task while holding it.
func (t *Task) Lock() { t.mu.Lock() }

// Unlock releases the task's state lock and wakes any waiters.
func (t *Task) Unlock() {
	t.cond.Broadcast()
	t.mu.Unlock()
}

// State returns the task's current state. Safe to call without
// holding Lock.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set transitions the task to the given state. Callers must hold
// Lock.
func (t *Task) Set(s State) { t.state = s }

// Err returns any error recorded by Error/Errorf. Callers must hold
// Lock.
func (t *Task) Err() error { return t.err }

// Error records a fatal error and transitions the task to
// StateFinished with that error. Callers must hold Lock.
func (t *Task) Error(err error) {
	t.err = err
	t.state = StateFinished
}

// Wait blocks until the task's state changes, or ctx is done. It must
// be called with Lock held; it releases the lock while waiting and
// reacquires it before returning.
func (t *Task) Wait(ctx context.Context) error {
	return t.cond.Wait(ctx)
}

// IncRemainingPredecessors adjusts the count of accesses that still
// block this task's readiness. It returns the count after the
// adjustment.
func (t *Task) IncRemainingPredecessors(n int32) int32 {
	return atomic.AddInt32(&t.remainingPredecessors, n)
}

// RemainingPredecessors returns the current count.
func (t *Task) RemainingPredecessors() int32 {
	return atomic.LoadInt32(&t.remainingPredecessors)
}

// Ready reports whether every declared access has reached its
// required satisfiability.
func (t *Task) Ready() bool {
	return atomic.LoadInt32(&t.remainingPredecessors) <= 0
}

// IncEvents adds n to the release counter (spec section 4.5). It is
// used both for the initial event count and for runtime events such
// as a pending data transfer starting.
func (t *Task) IncEvents(n int64) int64 {
	return atomic.AddInt64(&t.releaseCount, n)
}

// DecEvents subtracts n from the release counter and reports whether
// it reached zero as a result of this call.
func (t *Task) DecEvents(n int64) (reachedZero bool) {
	v := atomic.AddInt64(&t.releaseCount, -n)
	if v < 0 {
		panic("taskrt: release counter went negative: double release")
	}
	return v == 0
}

// MarkReleased performs the once-only released CAS from spec section
// 4.5. It returns true exactly once, for the caller that wins the
// race; subsequent calls return false.
func (t *Task) MarkReleased() bool {
	return atomic.CompareAndSwapInt32(&t.released, 0, 1)
}

// Released reports whether MarkReleased has already succeeded.
func (t *Task) Released() bool {
	return atomic.LoadInt32(&t.released) == 1
}

// AddPendingChildren adjusts the count of not-yet-finished children
// and returns the count after adjustment.
func (t *Task) AddPendingChildren(n int32) int32 {
	return atomic.AddInt32(&t.pendingChildren, n)
}

// PendingChildren returns the current count of unfinished children.
func (t *Task) PendingChildren() int32 {
	return atomic.LoadInt32(&t.pendingChildren)
}

// MarkChildrenFinished records that all children have finished. It is
// idempotent.
func (t *Task) MarkChildrenFinished() {
	atomic.StoreInt32(&t.childrenFinished, 1)
}

// ChildrenFinished reports whether all children have finished.
func (t *Task) ChildrenFinished() bool {
	return atomic.LoadInt32(&t.childrenFinished) == 1
}

// SetOffloaded records whether this task's body will run on a remote
// cluster node rather than locally (spec section 4.6). The lifecycle
// coordinator consults IsOffloaded before posting a task that becomes
// ready after submission: an offloaded task's workflow already has its
// own cluster-offload step pending a remote TaskFinished, so it must
// never also be handed to the local scheduler.
func (t *Task) SetOffloaded(v bool) {
	n := int32(0)
	if v {
		n = 1
	}
	atomic.StoreInt32(&t.offloaded, n)
}

// IsOffloaded reports whether SetOffloaded(true) has been called.
func (t *Task) IsOffloaded() bool {
	return atomic.LoadInt32(&t.offloaded) == 1
}

// Disposable reports whether the task meets the disposal invariant
// from spec section 3: released AND finalization has returned true.
// finalized is supplied by the lifecycle package, which is the only
// caller that knows whether finalization has completed.
func (t *Task) Disposable(finalized bool) bool {
	return t.Released() && finalized
}
