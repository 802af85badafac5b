// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package workflow

import (
	"context"
	"sync"

	taskrt "github.com/parallex/taskrt"
)

// SatisfiabilitySender sends a satisfiability message to a remote
// offloadee for one access, reporting which of read/write just became
// satisfied (spec section 4.6's Satisfiability message).
type SatisfiabilitySender func(a *taskrt.DataAccess, read, write bool) error

// DataLinkStep is spec section 4.4's cluster data-link step: it
// records, at creation, which of a remote-offloaded task's accesses
// are not yet satisfiable, and sends a satisfiability message for each
// one as the dependency engine propagates into it. It tracks, per
// access, whether a read and/or a write requirement is still
// outstanding (an access needing both is cleared in two parts; a bit
// propagated twice is sent once) and finishes once no access has an
// outstanding requirement and the step has started.
type DataLinkStep struct {
	*Step

	send SatisfiabilitySender

	mu          sync.Mutex
	outstanding map[*taskrt.DataAccess]accessRequirement
}

type accessRequirement struct {
	needRead, needWrite bool
}

// NewDataLinkStep constructs the data-link step for a remote-offloaded
// task's accesses. Only a requirement not already satisfied at
// construction time is tracked: an access satisfied before the step
// exists has nothing left to propagate, since the dependency engine
// only calls OnPropagate for a bit it newly applies.
func NewDataLinkStep(task *taskrt.Task, accesses []*taskrt.DataAccess, send SatisfiabilitySender) *DataLinkStep {
	d := &DataLinkStep{send: send, outstanding: make(map[*taskrt.DataAccess]accessRequirement)}
	for _, a := range accesses {
		req := accessRequirement{
			needRead:  needsRead(a.Type) && !a.ReadSatisfied(),
			needWrite: needsWrite(a.Type) && !a.WriteSatisfied(),
		}
		if req.needRead || req.needWrite {
			d.outstanding[a] = req
		}
	}
	d.Step = NewStep(DataLink, task, d.run)
	d.Step.Async = true
	return d
}

func (d *DataLinkStep) run(ctx context.Context, _ *Step) error {
	d.mu.Lock()
	empty := len(d.outstanding) == 0
	d.mu.Unlock()
	if empty {
		d.Step.Finish(ctx, nil)
	}
	return nil
}

// OnPropagate is called by the dependency engine (or cluster receive
// path) whenever read/write satisfiability changes for one of this
// step's accesses. It sends the corresponding message and, once every
// tracked access has no outstanding requirement left, finishes the
// step.
func (d *DataLinkStep) OnPropagate(ctx context.Context, reenqueue Reenqueue, a *taskrt.DataAccess, read, write bool) error {
	d.mu.Lock()
	req, tracked := d.outstanding[a]
	if !tracked {
		d.mu.Unlock()
		return nil
	}
	sentRead := read && req.needRead
	sentWrite := write && req.needWrite
	if sentRead {
		req.needRead = false
	}
	if sentWrite {
		req.needWrite = false
	}
	if !req.needRead && !req.needWrite {
		delete(d.outstanding, a)
	} else {
		d.outstanding[a] = req
	}
	done := len(d.outstanding) == 0
	d.mu.Unlock()

	if (sentRead || sentWrite) && d.send != nil {
		if err := d.send(a, sentRead, sentWrite); err != nil {
			return err
		}
	}
	if done {
		d.Step.Finish(ctx, reenqueue)
	}
	return nil
}

func needsRead(t taskrt.AccessType) bool {
	switch t {
	case taskrt.In, taskrt.InOut:
		return true
	default:
		return false
	}
}

func needsWrite(t taskrt.AccessType) bool {
	switch t {
	case taskrt.Out, taskrt.InOut:
		return true
	default:
		return false
	}
}

// TransferQueue is the pending-transfer registry spec section 4.4's
// cluster data-fetch step consults: an already in-flight transfer that
// fully contains a requested region gets a completion callback
// attached instead of triggering a duplicate transfer.
type TransferQueue struct {
	mu       sync.Mutex
	inflight []*pendingTransfer
}

type pendingTransfer struct {
	region    taskrt.Region
	callbacks []func()
}

// NewTransferQueue constructs an empty pending-transfer registry.
func NewTransferQueue() *TransferQueue { return &TransferQueue{} }

// Attach looks for an in-flight transfer that fully contains region
// and, if found, registers onDone to run when it completes, returning
// true. If none is found, it returns false and the caller must start a
// new transfer (see Start).
func (q *TransferQueue) Attach(region taskrt.Region, onDone func()) (attached bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.inflight {
		if contains(t.region, region) {
			t.callbacks = append(t.callbacks, onDone)
			return true
		}
	}
	return false
}

// Start registers a new in-flight transfer for region. The caller must
// call Complete once the transfer finishes.
func (q *TransferQueue) Start(region taskrt.Region) *pendingTransfer {
	t := &pendingTransfer{region: region}
	q.mu.Lock()
	q.inflight = append(q.inflight, t)
	q.mu.Unlock()
	return t
}

// Complete removes t from the registry and runs every callback
// attached to it, including ones registered by Attach after Start but
// before completion.
func (q *TransferQueue) Complete(t *pendingTransfer) {
	q.mu.Lock()
	for i, o := range q.inflight {
		if o == t {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			break
		}
	}
	callbacks := t.callbacks
	q.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

func contains(outer, inner taskrt.Region) bool {
	return outer.Start <= inner.Start && inner.End() <= outer.End()
}

// FetchFunc issues the actual remote read for region, invoked only
// when no in-flight transfer can be reused.
type FetchFunc func(ctx context.Context, region taskrt.Region) error

// NewDataFetchStep constructs spec section 4.4's cluster data-fetch
// step: a no-op if the local node already holds writeID for region;
// otherwise it either rides an existing in-flight transfer or starts a
// new one via fetch.
func NewDataFetchStep(
	task *taskrt.Task,
	region taskrt.Region,
	writeID uint64,
	localWriteID func(taskrt.Region) (uint64, bool),
	queue *TransferQueue,
	fetch FetchFunc,
) *Step {
	s := NewStep(DataFetch, task, func(ctx context.Context, self *Step) error {
		if have, ok := localWriteID(region); ok && have == writeID {
			return nil
		}
		done := make(chan error, 1)
		onDone := func() { done <- nil }
		if !queue.Attach(region, onDone) {
			t := queue.Start(region)
			go func() {
				err := fetch(ctx, region)
				queue.Complete(t)
				done <- err
			}()
		}
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return s
}
