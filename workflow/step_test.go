// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package workflow

import (
	"context"
	"errors"
	"testing"

	taskrt "github.com/parallex/taskrt"
)

var errBoom = errors.New("boom")

func TestLocalChainRunsInOrder(t *testing.T) {
	task := taskrt.NewTask("t", nil, nil, 0)
	var order []string
	mk := func(kind Kind, name string) *Step {
		return NewStep(kind, task, func(ctx context.Context, s *Step) error {
			order = append(order, name)
			return nil
		})
	}
	start := mk(Start, "start")
	link := mk(DataLink, "data-link")
	fetch := mk(DataFetch, "data-fetch")
	exec := mk(Execute, "execute")
	release := mk(Release, "release")
	Chain(start, link, fetch, exec, release)

	ctx := WithWorkerContext(context.Background())
	if err := start.Advance(ctx, nil); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	want := []string{"start", "data-link", "data-fetch", "execute", "release"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
	if !release.Done() {
		t.Fatal("release step should be done")
	}
}

func TestExecuteStepOutsideWorkerContextReenqueues(t *testing.T) {
	task := taskrt.NewTask("t", nil, nil, 0)
	ran := false
	exec := NewStep(Execute, task, func(ctx context.Context, s *Step) error {
		ran = true
		return nil
	})

	var reenqueued *taskrt.Task
	err := exec.Advance(context.Background(), func(tk *taskrt.Task) { reenqueued = tk })
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if ran {
		t.Fatal("execute step must not run inline outside a worker context")
	}
	if reenqueued != task {
		t.Fatal("expected the task to be reenqueued")
	}
	if exec.Done() {
		t.Fatal("execute step should not be marked done after a reenqueue")
	}

	// A later Advance from within a worker context actually runs it.
	ctx := WithWorkerContext(context.Background())
	if err := exec.Advance(ctx, nil); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !ran {
		t.Fatal("execute step should have run once advanced from a worker context")
	}
}

func TestStepWaitsForAllPredecessors(t *testing.T) {
	task := taskrt.NewTask("t", nil, nil, 0)
	var releaseRan bool
	a := NewStep(DataLink, task, func(ctx context.Context, s *Step) error { return nil })
	b := NewStep(DataFetch, task, func(ctx context.Context, s *Step) error { return nil })
	join := NewStep(Execute, task, func(ctx context.Context, s *Step) error {
		releaseRan = true
		return nil
	})
	a.AddSuccessor(join)
	b.AddSuccessor(join)

	ctx := WithWorkerContext(context.Background())
	a.Advance(ctx, nil)
	if releaseRan {
		t.Fatal("join step ran before its second predecessor released it")
	}
	b.Advance(ctx, nil)
	if !releaseRan {
		t.Fatal("join step should run once both predecessors have released it")
	}
}

func TestTryInlineRunsReadyIf0TaskImmediately(t *testing.T) {
	task := taskrt.NewTask("leaf", nil, nil, 0)
	task.If0 = true
	var ran bool
	start := NewStep(Start, task, func(ctx context.Context, s *Step) error { ran = true; return nil })

	if !TryInline(context.Background(), task, start) {
		t.Fatal("expected TryInline to run an if0 task whose first step is ready")
	}
	if !ran {
		t.Fatal("expected the step chain to have actually run")
	}
	if !start.Done() {
		t.Fatal("expected the step to be done after TryInline")
	}
}

func TestTryInlineRejectsNonIf0Task(t *testing.T) {
	task := taskrt.NewTask("leaf", nil, nil, 0)
	var ran bool
	start := NewStep(Start, task, func(ctx context.Context, s *Step) error { ran = true; return nil })

	if TryInline(context.Background(), task, start) {
		t.Fatal("expected TryInline to decline a non-if0 task")
	}
	if ran {
		t.Fatal("step must not have run")
	}
}

func TestTryInlineRejectsNotYetReady(t *testing.T) {
	task := taskrt.NewTask("leaf", nil, nil, 0)
	task.If0 = true
	task.IncRemainingPredecessors(1)
	var ran bool
	start := NewStep(Start, task, func(ctx context.Context, s *Step) error { ran = true; return nil })

	if TryInline(context.Background(), task, start) {
		t.Fatal("expected TryInline to decline a task with outstanding predecessors")
	}
	if ran {
		t.Fatal("step must not have run")
	}
}

func TestTryInlinePropagatesErrorToTask(t *testing.T) {
	task := taskrt.NewTask("leaf", nil, nil, 0)
	task.If0 = true
	wantErr := errBoom
	start := NewStep(Start, task, func(ctx context.Context, s *Step) error { return wantErr })

	if !TryInline(context.Background(), task, start) {
		t.Fatal("expected TryInline to run")
	}
	task.Lock()
	err := task.Err()
	task.Unlock()
	if err != wantErr {
		t.Fatalf("expected task to record the step's error, got %v", err)
	}
}

func TestSelfDestructRunsCleanupOnce(t *testing.T) {
	task := taskrt.NewTask("t", nil, nil, 0)
	cleanups := 0
	a := NewStep(Start, task, func(ctx context.Context, s *Step) error { return nil })
	b := NewStep(Release, task, func(ctx context.Context, s *Step) error { return nil })
	a.Cleanup = func() { cleanups++ }
	a.AddSuccessor(b)

	ctx := WithWorkerContext(context.Background())
	a.Advance(ctx, nil)
	if cleanups != 1 {
		t.Fatalf("cleanup ran %d times, want 1", cleanups)
	}
}
