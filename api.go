// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskrt

import "github.com/grailbio/base/errors"

// DeclaredAccess is what RegisterDataAccess accumulates on a task
// before the dependency engine (package dep) fragments it against the
// rest of its parent's scope (spec section 6).
type DeclaredAccess struct {
	Region    Region
	Type      AccessType
	Weak      bool
	Reduction *ReductionInfo
}

// TaskInfo carries the static, compile-time-known description of a
// task: its label and the function that implements its body. It
// mirrors the spec's task_info/invocation_info split, collapsed since
// this core has no separate compilation step.
type TaskInfo struct {
	Label string
	Body  Body
}

// CreateOptions are the flags spec section 6's create_task accepts.
type CreateOptions struct {
	Final bool
	If0   bool
	Main  bool
	Weak  bool
	// InitialEvents seeds the release counter beyond the implicit "1
	// for self" (spec section 4.5), e.g. for tasks that start with a
	// known number of pending data transfers.
	InitialEvents int
	Priority      int
}

// CreateTask implements the create_task API from spec section 6: it
// allocates a *Task under parent but does not register its accesses or
// submit it to the scheduler -- callers must call RegisterDataAccess
// for each declared access and then SubmitTask.
func CreateTask(info TaskInfo, parent *Task, opts CreateOptions) (*Task, error) {
	if info.Body == nil {
		return nil, errors.E(errors.Invalid, "taskrt: CreateTask requires a non-nil body")
	}
	t := NewTask(info.Label, info.Body, parent, opts.InitialEvents)
	t.Final = opts.Final
	t.If0 = opts.If0
	t.Main = opts.Main
	t.weak = opts.Weak
	t.Priority = opts.Priority
	return t, nil
}

// RegisterDataAccess implements spec section 6's register_data_access:
// it appends a declared access to task. The task must not have been
// submitted yet (accesses may only be declared before submission).
func RegisterDataAccess(task *Task, kind AccessType, weak bool, region Region, reduction *ReductionInfo) error {
	task.Lock()
	defer task.Unlock()
	if task.state != StateInit {
		return errors.E(errors.Precondition, "taskrt: cannot register an access after submission")
	}
	task.Declared = append(task.Declared, DeclaredAccess{
		Region:    region,
		Type:      kind,
		Weak:      weak,
		Reduction: reduction,
	})
	return nil
}

// EventCounter is the opaque handle spec section 6 exposes for
// current_event_counter/increment/decrement: a task's release counter,
// addressable without exposing *Task's other fields.
type EventCounter struct{ task *Task }

// CurrentEventCounter returns an opaque handle to task's release
// counter.
func CurrentEventCounter(task *Task) EventCounter { return EventCounter{task} }

// Increment adds n pending events to the counter's task.
func (c EventCounter) Increment(n int64) { c.task.IncEvents(n) }

// Decrement removes n pending events and reports whether the counter
// reached zero.
func (c EventCounter) Decrement(n int64) bool { return c.task.DecEvents(n) }
