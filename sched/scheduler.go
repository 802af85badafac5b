// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sched implements the two-level scheduler from spec section
// 4.2: a synchronized outer facade over one unsynchronized per-device
// queue per device kind, plus the immediate-successor per-CPU slot
// optimization.
package sched

import (
	"sync"

	taskrt "github.com/parallex/taskrt"
)

// DeviceKind distinguishes the unsync scheduler a ready task is routed
// to. Host is the only kind with CPUs attached directly; Cluster holds
// tasks awaiting offload dispatch.
type DeviceKind int

const (
	Host DeviceKind = iota
	Cluster
)

func (d DeviceKind) String() string {
	switch d {
	case Host:
		return "host"
	case Cluster:
		return "cluster"
	default:
		return "unknown-device"
	}
}

// HintKind classifies why a task is being added to the ready queue,
// per spec section 4.2's add_ready_task hint list.
type HintKind int

const (
	HintNone HintKind = iota
	HintImmediateSuccessor
	HintUnblocked
	HintChild
	HintBusyComputePlace
)

// Policy selects the host device's unsync scheduler discipline.
type Policy int

const (
	// FIFO serves ready tasks in strict submission order.
	FIFO Policy = iota
	// Priority serves ready tasks by descending priority, FIFO within
	// a priority band.
	Priority
)

// Scheduler is the outer, synchronized facade (spec section 4.2). It
// is safe for concurrent use by multiple workers and by the execution
// workflow's release_successors.
type Scheduler struct {
	mu sync.Mutex

	policy  Policy
	devices map[DeviceKind]innerQueue

	// cpuDevice assigns each known CPU id to the device kind it draws
	// ready work from. All host CPUs share the Host device's queue.
	cpuDevice map[int]DeviceKind

	// immediate holds the immediate-successor slot for each CPU: a
	// task placed here by add_ready_task with HintImmediateSuccessor
	// is picked by that CPU with no queue traffic at all (spec
	// section 4.2).
	immediate map[int]*taskrt.Task
}

// New constructs a Scheduler. cpus lists the CPU ids the host device
// serves; cluster offload, if used, is routed through the Cluster
// device regardless of CPU id.
func New(policy Policy, cpus []int) *Scheduler {
	s := &Scheduler{
		policy:    policy,
		devices:   make(map[DeviceKind]innerQueue),
		cpuDevice: make(map[int]DeviceKind),
		immediate: make(map[int]*taskrt.Task),
	}
	s.devices[Host] = s.newHostQueue()
	s.devices[Cluster] = newFIFOQueue()
	for _, cpu := range cpus {
		s.cpuDevice[cpu] = Host
	}
	return s
}

func (s *Scheduler) newHostQueue() innerQueue {
	if s.policy == Priority {
		return newPriorityQueue()
	}
	return newFIFOQueue()
}

// AddReadyTask implements spec section 4.2's add_ready_task. cpuHint
// is only consulted for HintImmediateSuccessor; other hints route the
// task to its device's shared queue (the hint exists for scheduling
// policy decisions a richer Policy implementation might make, but the
// FIFO/Priority policies here treat every non-immediate hint
// identically).
func (s *Scheduler) AddReadyTask(task *taskrt.Task, cpuHint int, hint HintKind, device DeviceKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(task, cpuHint, hint, device)
}

// AddReadyTasks adds a batch of ready tasks under a single lock
// acquisition, per spec section 4.2.
func (s *Scheduler) AddReadyTasks(tasks []*taskrt.Task, cpuHint int, hint HintKind, device DeviceKind) {
	if len(tasks) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.addLocked(t, cpuHint, hint, device)
	}
}

func (s *Scheduler) addLocked(task *taskrt.Task, cpuHint int, hint HintKind, device DeviceKind) {
	if hint == HintImmediateSuccessor {
		if existing, ok := s.immediate[cpuHint]; !ok || existing == nil {
			s.immediate[cpuHint] = task
			return
		}
		// The slot is occupied: fall back to the shared queue rather
		// than dropping the task.
	}
	s.devices[device].push(task)
}

// GetReadyTask implements spec section 4.2's get_ready_task: it
// prefers cpu's immediate-successor slot, then its device's shared
// queue.
func (s *Scheduler) GetReadyTask(cpu int) (*taskrt.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getReadyTaskLocked(cpu)
}

func (s *Scheduler) getReadyTaskLocked(cpu int) (*taskrt.Task, bool) {
	if t, ok := s.immediate[cpu]; ok && t != nil {
		delete(s.immediate, cpu)
		return t, true
	}
	device := s.cpuDevice[cpu] // zero value Host if unregistered
	return s.devices[device].pop()
}

// HasAvailableWork implements spec section 4.2's has_available_work:
// true iff a subsequent GetReadyTask(cpu) would return non-nil under
// the current state. It must be called under the same lock discipline
// as GetReadyTask to avoid the idle-admission race described in spec
// section 4.3 -- callers needing that guarantee should use
// HasAvailableWorkLocked paired with their own CAS-style retry, or
// simply call GetReadyTask directly and treat ok==false as "no work".
func (s *Scheduler) HasAvailableWork(cpu int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.immediate[cpu]; ok && t != nil {
		return true
	}
	device := s.cpuDevice[cpu]
	return s.devices[device].len() > 0
}

// Lock and Unlock expose the facade's mutex directly so the worker
// package can perform the idle-admission check (has_available_work)
// and the idle-set transition as one atomic step, per spec section
// 4.3's race note.
func (s *Scheduler) Lock()   { s.mu.Lock() }
func (s *Scheduler) Unlock() { s.mu.Unlock() }

// HasAvailableWorkLocked is HasAvailableWork's body without its own
// locking, for callers that already hold Lock.
func (s *Scheduler) HasAvailableWorkLocked(cpu int) bool {
	if t, ok := s.immediate[cpu]; ok && t != nil {
		return true
	}
	device := s.cpuDevice[cpu]
	return s.devices[device].len() > 0
}

// GetReadyTaskLocked is GetReadyTask's body without its own locking,
// for callers that already hold Lock (the idle-admission pattern:
// check HasAvailableWorkLocked and GetReadyTaskLocked under one
// critical section).
func (s *Scheduler) GetReadyTaskLocked(cpu int) (*taskrt.Task, bool) {
	return s.getReadyTaskLocked(cpu)
}

// RegisterCPU assigns cpu to device, so later calls route correctly.
// Used when CPUs are enabled after construction (spec section 4.3).
func (s *Scheduler) RegisterCPU(cpu int, device DeviceKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpuDevice[cpu] = device
}
