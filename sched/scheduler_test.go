// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"testing"

	taskrt "github.com/parallex/taskrt"
)

func newTask(label string, priority int) *taskrt.Task {
	t := taskrt.NewTask(label, nil, nil, 0)
	t.Priority = priority
	return t
}

func TestFIFOOrdering(t *testing.T) {
	s := New(FIFO, []int{0})
	a, b, c := newTask("a", 0), newTask("b", 0), newTask("c", 0)
	s.AddReadyTask(a, 0, HintNone, Host)
	s.AddReadyTask(b, 0, HintNone, Host)
	s.AddReadyTask(c, 0, HintNone, Host)

	for _, want := range []*taskrt.Task{a, b, c} {
		got, ok := s.GetReadyTask(0)
		if !ok || got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, ok := s.GetReadyTask(0); ok {
		t.Fatal("expected empty queue")
	}
}

func TestPriorityOrdering(t *testing.T) {
	s := New(Priority, []int{0})
	low := newTask("low", 0)
	high := newTask("high", 10)
	mid1 := newTask("mid1", 5)
	mid2 := newTask("mid2", 5)

	s.AddReadyTask(low, 0, HintNone, Host)
	s.AddReadyTask(mid1, 0, HintNone, Host)
	s.AddReadyTask(high, 0, HintNone, Host)
	s.AddReadyTask(mid2, 0, HintNone, Host)

	for _, want := range []*taskrt.Task{high, mid1, mid2, low} {
		got, ok := s.GetReadyTask(0)
		if !ok || got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestImmediateSuccessorSlot(t *testing.T) {
	s := New(FIFO, []int{0, 1})
	queued := newTask("queued", 0)
	s.AddReadyTask(queued, 0, HintNone, Host)

	succ := newTask("succ", 0)
	s.AddReadyTask(succ, 0, HintImmediateSuccessor, Host)

	// The immediate-successor slot must win over the shared queue for
	// its CPU.
	got, ok := s.GetReadyTask(0)
	if !ok || got != succ {
		t.Fatalf("got %v, want immediate successor %v", got, succ)
	}
	got, ok = s.GetReadyTask(0)
	if !ok || got != queued {
		t.Fatalf("got %v, want %v", got, queued)
	}
}

func TestImmediateSuccessorSlotOccupiedFallsBackToQueue(t *testing.T) {
	s := New(FIFO, []int{0})
	first := newTask("first", 0)
	second := newTask("second", 0)
	s.AddReadyTask(first, 0, HintImmediateSuccessor, Host)
	// The slot for CPU 0 is occupied: second must not be dropped.
	s.AddReadyTask(second, 0, HintImmediateSuccessor, Host)

	got1, _ := s.GetReadyTask(0)
	got2, _ := s.GetReadyTask(0)
	seen := map[*taskrt.Task]bool{got1: true, got2: true}
	if !seen[first] || !seen[second] {
		t.Fatalf("expected both tasks to be retrievable, got %v and %v", got1, got2)
	}
}

func TestHasAvailableWork(t *testing.T) {
	s := New(FIFO, []int{0})
	if s.HasAvailableWork(0) {
		t.Fatal("expected no work initially")
	}
	tk := newTask("tk", 0)
	s.AddReadyTask(tk, 0, HintNone, Host)
	if !s.HasAvailableWork(0) {
		t.Fatal("expected work after AddReadyTask")
	}
	s.GetReadyTask(0)
	if s.HasAvailableWork(0) {
		t.Fatal("expected no work after draining the queue")
	}
}

func TestClusterDeviceIsIsolatedFromHost(t *testing.T) {
	s := New(FIFO, []int{0})
	clusterTask := newTask("cluster", 0)
	s.AddReadyTask(clusterTask, 0, HintNone, Cluster)
	if s.HasAvailableWork(0) {
		t.Fatal("cluster-routed task should not be visible to a host CPU")
	}
}

func TestAddReadyTasksBatch(t *testing.T) {
	s := New(FIFO, []int{0})
	tasks := []*taskrt.Task{newTask("a", 0), newTask("b", 0), newTask("c", 0)}
	s.AddReadyTasks(tasks, 0, HintNone, Host)
	count := 0
	for {
		if _, ok := s.GetReadyTask(0); !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("got %d tasks, want 3", count)
	}
}

// TestConcurrentAddGet is a smoke test that the facade's locking holds
// up under concurrent producers and consumers.
func TestConcurrentAddGet(t *testing.T) {
	s := New(Priority, []int{0})
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AddReadyTask(newTask("t", i%5), 0, HintNone, Host)
		}(i)
	}
	wg.Wait()

	got := 0
	for {
		if _, ok := s.GetReadyTask(0); !ok {
			break
		}
		got++
	}
	if got != n {
		t.Fatalf("got %d tasks out, want %d", got, n)
	}
}
