// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"container/heap"
	"container/list"

	taskrt "github.com/parallex/taskrt"
)

// innerQueue is one device kind's unsynchronized ready-task holder
// (spec section 4.2): either a plain FIFO deque or a priority heap.
// Callers (the outer Scheduler) are responsible for all locking;
// innerQueue itself assumes single-threaded access.
type innerQueue interface {
	push(t *taskrt.Task)
	pop() (*taskrt.Task, bool)
	len() int
}

// fifoQueue is the no-priority host unsync scheduler: strict
// insertion-order FIFO.
type fifoQueue struct {
	l list.List
}

func newFIFOQueue() *fifoQueue { return &fifoQueue{} }

func (q *fifoQueue) push(t *taskrt.Task) { q.l.PushBack(t) }

func (q *fifoQueue) pop() (*taskrt.Task, bool) {
	e := q.l.Front()
	if e == nil {
		return nil, false
	}
	q.l.Remove(e)
	return e.Value.(*taskrt.Task), true
}

func (q *fifoQueue) len() int { return q.l.Len() }

// priorityQueue orders by strictly descending priority; within equal
// priority, FIFO insertion order (spec section 4.2's priority policy).
// It is a container/heap.Interface implementation wrapped so callers
// only see push/pop/len.
type priorityQueue struct {
	h   prioHeap
	seq int64
}

type prioEntry struct {
	task *taskrt.Task
	seq  int64
}

type prioHeap []prioEntry

func (h prioHeap) Len() int { return len(h) }
func (h prioHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority // descending priority
	}
	return h[i].seq < h[j].seq // FIFO within a priority band
}
func (h prioHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *prioHeap) Push(x interface{}) {
	*h = append(*h, x.(prioEntry))
}
func (h *prioHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(&pq.h)
	return pq
}

func (q *priorityQueue) push(t *taskrt.Task) {
	heap.Push(&q.h, prioEntry{task: t, seq: q.seq})
	q.seq++
}

func (q *priorityQueue) pop() (*taskrt.Task, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(prioEntry)
	return e.task, true
}

func (q *priorityQueue) len() int { return q.h.Len() }
