// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lifecycle

import (
	"sync"
	"testing"

	taskrt "github.com/parallex/taskrt"
	"github.com/parallex/taskrt/dep"
	"github.com/parallex/taskrt/sched"
)

func TestReleaseEventUnregistersAtZero(t *testing.T) {
	engine := dep.NewEngine()
	scheduler := sched.New(sched.FIFO, []int{0})
	c := NewCoordinator(engine, scheduler)

	x := taskrt.Region{Start: 0, Size: 8}
	t1 := taskrt.NewTask("t1", nil, nil, 2) // releaseCount = 1 + 2 initial events
	t1.Declared = append(t1.Declared, taskrt.DeclaredAccess{Region: x, Type: taskrt.Out})
	if err := engine.RegisterAccesses(t1); err != nil {
		t.Fatalf("RegisterAccesses: %v", err)
	}

	t2 := taskrt.NewTask("t2", nil, nil, 0)
	t2.Declared = append(t2.Declared, taskrt.DeclaredAccess{Region: x, Type: taskrt.In})
	if err := engine.RegisterAccesses(t2); err != nil {
		t.Fatalf("RegisterAccesses: %v", err)
	}

	if err := c.ReleaseEvent(t1, 1); err != nil {
		t.Fatalf("ReleaseEvent: %v", err)
	}
	if t2.Ready() {
		t.Fatal("t2 should not be ready: t1's release counter has not reached zero")
	}

	// "self" decrement: releaseCount was 3, one event consumed above,
	// one more event below, then self (1) remains until this call.
	if err := c.ReleaseEvent(t1, 1); err != nil {
		t.Fatalf("ReleaseEvent: %v", err)
	}
	if t2.Ready() {
		t.Fatal("t2 should still wait: the self unit has not been released")
	}

	if err := c.ReleaseEvent(t1, 1); err != nil {
		t.Fatalf("ReleaseEvent: %v", err)
	}
	if !t2.Ready() {
		t.Fatal("t2 should become ready once t1's release counter reaches zero")
	}
	if _, ok := scheduler.GetReadyTask(0); !ok {
		t.Fatal("expected t2 to have been posted to the scheduler")
	}
}

func TestDisposeRequiresNoPendingChildren(t *testing.T) {
	engine := dep.NewEngine()
	scheduler := sched.New(sched.FIFO, []int{0})
	c := NewCoordinator(engine, scheduler)

	parent := taskrt.NewTask("parent", nil, nil, 0)
	child := taskrt.NewTask("child", nil, parent, 0) // increments parent.pendingChildren

	if err := c.Dispose(parent); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if parent.State() == taskrt.StateDisposed {
		t.Fatal("parent should not dispose while it has a pending child")
	}

	if err := c.Dispose(child); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if child.State() != taskrt.StateDisposed {
		t.Fatal("child should dispose: it has no pending children of its own")
	}
}

func TestEnsureWorkflowRunsBuildOnce(t *testing.T) {
	engine := dep.NewEngine()
	scheduler := sched.New(sched.FIFO, []int{0})
	c := NewCoordinator(engine, scheduler)

	task := taskrt.NewTask("t", nil, nil, 0)
	var builds int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.EnsureWorkflow(task, func() interface{} {
				mu.Lock()
				builds++
				mu.Unlock()
				return "built"
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if builds != 1 {
		t.Fatalf("build ran %d times, want 1", builds)
	}
	if task.Workflow != "built" {
		t.Fatalf("got %v, want %q", task.Workflow, "built")
	}
}
