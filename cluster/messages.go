// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"encoding/gob"

	taskrt "github.com/parallex/taskrt"
)

func init() {
	gob.Register(TaskNew{})
	gob.Register(TaskFinished{})
	gob.Register(Satisfiability{})
	gob.Register(RemoteAccessRelease{})
}

// AccessSatisfiability is the wire form of a DataAccess's initial
// satisfiability, carried inside a TaskNew message (spec section
// 4.6's "satisfiability info (initial per-access)").
type AccessSatisfiability struct {
	Region taskrt.Region
	Type   taskrt.AccessType
	Read   bool
	Write  bool
}

// TaskNew is sent by an offloader to the target node's namespace task
// (spec section 4.6, step 2): "task info, invocation info,
// implementation list, arguments block, satisfiability info (initial
// per-access), namespace predecessor hints." The implementation and
// argument blocks are left as opaque bytes -- this core has no
// compilation step of its own (spec section 1's non-goals), so it
// does not prescribe a closure/bytecode format for them.
type TaskNew struct {
	TaskID      uint64
	OriginNode  int
	Label       string
	Priority    int
	Implementation []byte
	Args           []byte
	InitialAccesses []AccessSatisfiability
	// NamespacePredecessor is a slot for the TaskID of a previously
	// offloaded task to this node. Offload leaves it zero and
	// handleTaskNew does not read it, so it does not affect the
	// node-namespace task's dispatch order.
	NamespacePredecessor uint64
}

// TaskFinished is sent by the node that ran a TaskNew's wrapper task
// back to the offloader once it completes (spec section 4.6, step 5).
// Err is the empty string on success.
type TaskFinished struct {
	TaskID uint64
	Err    string
}

// Satisfiability propagates a read/write satisfiability update for a
// region to the remote side holding the corresponding wrapper access
// (spec section 4.6's "as satisfiability evolves at the offloader
// after offload"). Satisfiability is monotonic: a receiver must never
// let read/write go from true back to false (spec section 4.6's
// ordering guarantees, section 8's monotonicity invariant).
type Satisfiability struct {
	TaskID uint64
	Region taskrt.Region
	Read   bool
	Write  bool
}

// RemoteAccessRelease is sent by an offloadee back to the offloader
// when it propagates release of one of the wrapper task's accesses
// (spec section 4.6).
type RemoteAccessRelease struct {
	TaskID uint64
	Region taskrt.Region
}
