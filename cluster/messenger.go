// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster implements the optional cluster-offload layer (spec
// section 4.6): a pluggable Messenger/DSM transport contract, the
// wire messages exchanged between nodes, and the node-namespace
// service task that dequeues TaskNew and spawns local wrapper tasks.
package cluster

import (
	"context"

	taskrt "github.com/parallex/taskrt"
)

// PendingTransfer is the optional handle SendData/FetchData may
// return for a non-blocking transfer (spec section 6's Messenger
// interface); TestCompletion reports which of a set have finished.
type PendingTransfer struct {
	MessageID uint64
	Region    taskrt.Region
}

// Messenger is the transport contract the cluster layer consumes; an
// embedding process plugs in a concrete implementation (spec section
// 6). Every method takes a context so a retry-wrapped implementation
// can honor cancellation.
type Messenger interface {
	// SendMessage ships msg to targetNode. If blocking, it does not
	// return until the peer has acknowledged receipt.
	SendMessage(ctx context.Context, msg interface{}, targetNode int, blocking bool) error
	// SendData ships the bytes backing region to targetNode, tagged
	// with messageID so the peer's FetchData or CheckMail can match
	// it. It may return a non-nil PendingTransfer for non-blocking
	// sends, to be polled via TestCompletion.
	SendData(ctx context.Context, region taskrt.Region, data []byte, targetNode int, messageID uint64, blocking bool) (*PendingTransfer, error)
	// FetchData requests the bytes backing region from sourceNode.
	FetchData(ctx context.Context, region taskrt.Region, sourceNode int, messageID uint64, blocking bool) (*PendingTransfer, error)
	// CheckMail returns the next queued incoming message, if any. It
	// never returns a DATA_RAW payload (spec section 6: "a DATA_RAW
	// stream ... is never dispatched to check_mail").
	CheckMail(ctx context.Context) (msg interface{}, ok bool, err error)
	// Barrier blocks until every node has reached the same barrier.
	Barrier(ctx context.Context) error
	// TestCompletion reports which of pending have completed.
	TestCompletion(ctx context.Context, pending []*PendingTransfer) (completed []*PendingTransfer, err error)
}

// DSM is the distributed shared-memory contract this core consumes
// (spec section 6, and section 1's non-goals: "only its
// is-address-in-DSM / home-node-of / acquire-region contract" --
// the DSM's own consistency protocol is out of scope).
type DSM interface {
	IsDSMAddress(addr uintptr) bool
	HomeNodeOf(addr uintptr) (node int, known bool)
	BlockSize() uintptr
	Acquire(ctx context.Context) error
	SelectiveAcquire(ctx context.Context, region taskrt.Region) error
	Release(ctx context.Context) error
}
