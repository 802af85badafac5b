// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskrt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// AccessType describes how a task uses a memory region.
type AccessType int

const (
	// NoAccess marks an access record that carries no data dependency
	// (used internally for taskwait sinks before their scope is known).
	NoAccess AccessType = iota
	In
	Out
	InOut
	Concurrent
	Commutative
	Reduction
)

func (t AccessType) String() string {
	switch t {
	case In:
		return "IN"
	case Out:
		return "OUT"
	case InOut:
		return "INOUT"
	case Concurrent:
		return "CONCURRENT"
	case Commutative:
		return "COMMUTATIVE"
	case Reduction:
		return "REDUCTION"
	default:
		return "NO_ACCESS"
	}
}

// needsRead reports whether an access of this type must observe
// read-satisfiability before the owning task may start.
func (t AccessType) needsRead() bool {
	switch t {
	case In, InOut:
		return true
	default:
		return false
	}
}

// needsWrite reports whether an access of this type must observe
// write-satisfiability before the owning task may start.
func (t AccessType) needsWrite() bool {
	switch t {
	case Out, InOut:
		return true
	default:
		return false
	}
}

// Region is a half-open byte range [Start, Start+Size).
type Region struct {
	Start uintptr
	Size  uintptr
}

// End returns the exclusive upper bound of the region.
func (r Region) End() uintptr { return r.Start + r.Size }

// Overlaps reports whether r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Intersect returns the overlapping sub-region of r and o. ok is false
// if they do not overlap.
func (r Region) Intersect(o Region) (Region, bool) {
	if !r.Overlaps(o) {
		return Region{}, false
	}
	start := r.Start
	if o.Start > start {
		start = o.Start
	}
	end := r.End()
	if o.End() < end {
		end = o.End()
	}
	return Region{Start: start, Size: end - start}, true
}

// Split returns the complement of o within r: the (at most two)
// fragments of r that fall outside o. The union of the returned
// fragments and Intersect(r, o) always reconstructs r exactly -- this
// is the region-coverage invariant from spec section 3.
func (r Region) Split(o Region) []Region {
	var out []Region
	if r.Start < o.Start {
		lo := o.Start
		if lo > r.End() {
			lo = r.End()
		}
		out = append(out, Region{Start: r.Start, Size: lo - r.Start})
	}
	if r.End() > o.End() {
		hi := o.End()
		if hi < r.Start {
			hi = r.Start
		}
		out = append(out, Region{Start: hi, Size: r.End() - hi})
	}
	return out
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x,%#x)", r.Start, r.End())
}

// satBits is the atomic bitfield backing DataAccess's satisfiability
// flags (spec section 3). It is manipulated exclusively through the
// typed accessor methods below, per the design note against free-form
// bit twiddling.
type satBits uint32

const (
	bitReadSatisfied satBits = 1 << iota
	bitWriteSatisfied
	bitConcurrentSatisfied
	bitCommutativeSatisfied
	bitComplete
	bitUnregistered
	bitHasNext
	bitIsWeak
)

// ReductionInfo coordinates per-thread reduction slots for a region
// under concurrent REDUCTION accesses (spec section 4.1), and folds
// every contributor's partial result into a single combined value via
// Op as each contributor completes.
type ReductionInfo struct {
	Op        func(dst, src interface{}) interface{}
	Index     int
	maxSlots  int
	mu        sync.Mutex
	freeSlots uint64 // bitmap, bit i set means slot i is free
	slots     []interface{}

	result    interface{}
	resultSet bool
}

// NewReductionInfo allocates a reduction coordinator bounded to
// maxSlots concurrent contributors (typically the CPU count, per the
// Nanos6-lineage bound noted in SPEC_FULL section 3).
func NewReductionInfo(op func(dst, src interface{}) interface{}, index, maxSlots int) *ReductionInfo {
	if maxSlots <= 0 || maxSlots > 64 {
		maxSlots = 64
	}
	return &ReductionInfo{
		Op:        op,
		Index:     index,
		maxSlots:  maxSlots,
		freeSlots: ^uint64(0) >> (64 - maxSlots),
		slots:     make([]interface{}, maxSlots),
	}
}

// ClaimSlot reserves a free reduction slot for a contributing task and
// returns its index. ok is false if all slots are in use.
func (r *ReductionInfo) ClaimSlot() (slot int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freeSlots == 0 {
		return 0, false
	}
	slot = trailingZeros64(r.freeSlots)
	r.freeSlots &^= 1 << uint(slot)
	return slot, true
}

// ReleaseSlot returns a slot to the free pool after its contribution
// has been folded into the combined result. A no-op for slot -1 (a
// contributor that never held a private slot).
func (r *ReductionInfo) ReleaseSlot(slot int) {
	if slot < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeSlots |= 1 << uint(slot)
}

// Contribute records v as the partial result held by slot, to be
// folded into the reduction's combined value by FoldSlot once that
// contributor completes. slot -1 (no private slot was available for
// this contributor) folds v in immediately instead of staging it.
func (r *ReductionInfo) Contribute(slot int, v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot < 0 {
		r.fold(v)
		return
	}
	r.slots[slot] = v
}

// FoldSlot merges the value previously stored at slot (via
// Contribute) into the reduction's running combined result using Op,
// and clears the slot. Called once per contributor, at completion
// (dep.Engine.completeReductionContributor); concurrent callers are
// serialized by r.mu so Op is applied exactly once per contribution,
// in completion order. A no-op for slot -1: that contribution was
// already folded in by Contribute.
func (r *ReductionInfo) FoldSlot(slot int) {
	if slot < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.slots[slot]
	r.slots[slot] = nil
	r.fold(v)
}

// fold merges v into the running combined result via Op. Callers must
// hold r.mu.
func (r *ReductionInfo) fold(v interface{}) {
	if !r.resultSet {
		r.result = v
		r.resultSet = true
		return
	}
	if r.Op != nil {
		r.result = r.Op(r.result, v)
	}
}

// Result returns the reduction's combined value. It is only meaningful
// once every contributor has unregistered (the caller typically learns
// this by waiting for a subsequent access over the same region to
// become ready, e.g. the "final" task in spec section 8's reduction
// scenario).
func (r *ReductionInfo) Result() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// DataAccess is a single declared use of a memory region by a task
// (spec section 3).
type DataAccess struct {
	Region Region
	Type   AccessType
	Weak   bool

	bits satBits

	// Successor is the next access in the chain for the same region,
	// within the same parent scope. Child is set when this access was
	// fragmented into a child task's sub-accesses.
	Successor *DataAccess
	Child     *DataAccess

	// Reduction is non-nil only for Type == Reduction.
	Reduction *ReductionInfo
	slot      int

	// Location is the MemoryPlace currently holding the latest value
	// for Region, and WriteID is the logical version tag of that value.
	Location MemoryPlace
	WriteID  uint64

	// Owner is the task this fragment was created for. Counted records
	// whether Owner.remainingPredecessors has already been incremented
	// for this fragment, so propagation decrements it at most once.
	Owner   *Task
	Counted int32 // atomic bool

	// OnPropagate, if set, is invoked by the dependency engine whenever
	// a propagate() call newly applies read and/or write satisfiability
	// to this access (spec section 4.4): it lets an external
	// collaborator -- a cluster offload's data-link step -- observe the
	// same transitions the engine drives internally, without the engine
	// itself knowing anything about cluster wiring.
	OnPropagate func(read, write bool)
}

// MemoryPlace identifies where the current value of a region lives.
// NodeID -1 means "not yet first-touched" (spec section 4.2, locality
// policy).
type MemoryPlace struct {
	NodeID int
}

func (a *DataAccess) setBit(b satBits)   { atomicOr(&a.bits, b) }
func (a *DataAccess) hasBit(b satBits) bool {
	return satBits(atomic.LoadUint32((*uint32)(&a.bits)))&b != 0
}

// MarkReadSatisfied sets the read-satisfied flag. It is idempotent and
// monotonic: once set, it is never cleared (spec section 8).
func (a *DataAccess) MarkReadSatisfied()        { a.setBit(bitReadSatisfied) }
func (a *DataAccess) ReadSatisfied() bool       { return a.hasBit(bitReadSatisfied) }
func (a *DataAccess) MarkWriteSatisfied()       { a.setBit(bitWriteSatisfied) }
func (a *DataAccess) WriteSatisfied() bool      { return a.hasBit(bitWriteSatisfied) }
func (a *DataAccess) MarkConcurrentSatisfied()  { a.setBit(bitConcurrentSatisfied) }
func (a *DataAccess) ConcurrentSatisfied() bool { return a.hasBit(bitConcurrentSatisfied) }
func (a *DataAccess) MarkCommutativeSatisfied() { a.setBit(bitCommutativeSatisfied) }
func (a *DataAccess) CommutativeSatisfied() bool {
	return a.hasBit(bitCommutativeSatisfied)
}
func (a *DataAccess) MarkComplete()   { a.setBit(bitComplete) }
func (a *DataAccess) Complete() bool  { return a.hasBit(bitComplete) }
func (a *DataAccess) MarkHasNext()    { a.setBit(bitHasNext) }
func (a *DataAccess) HasNext() bool   { return a.hasBit(bitHasNext) }
func (a *DataAccess) IsWeak() bool    { return a.Weak || a.hasBit(bitIsWeak) }

// MarkUnregistered records that this access has been unregistered; it
// returns false if it was already unregistered, which is a protocol
// violation (spec section 7, "unregistering twice").
func (a *DataAccess) MarkUnregistered() (first bool) {
	for {
		old := satBits(atomic.LoadUint32((*uint32)(&a.bits)))
		if old&bitUnregistered != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32((*uint32)(&a.bits), uint32(old), uint32(old|bitUnregistered)) {
			return true
		}
	}
}

func (a *DataAccess) Unregistered() bool { return a.hasBit(bitUnregistered) }

// SetSlot records the reduction slot claimed for this access (spec
// section 4.1, UpdateOperation.slot_set).
func (a *DataAccess) SetSlot(slot int) { a.slot = slot }

// Slot returns the reduction slot claimed for this access.
func (a *DataAccess) Slot() int { return a.slot }

// Contribute records v as this access's partial result for a
// REDUCTION access, to be folded into the group's combined value (via
// Op) when the access unregisters. It is a no-op for any other access
// type.
func (a *DataAccess) Contribute(v interface{}) {
	if a.Reduction == nil {
		return
	}
	a.Reduction.Contribute(a.slot, v)
}

// Satisfied reports whether this access has reached the degree of
// satisfiability its Type demands (spec section 3's readiness
// invariant). Weak accesses are always considered satisfied for the
// purpose of their own task's readiness.
func (a *DataAccess) Satisfied() bool {
	if a.IsWeak() {
		return true
	}
	switch a.Type {
	case In:
		return a.ReadSatisfied()
	case Out, InOut:
		return a.ReadSatisfied() && a.WriteSatisfied()
	case Concurrent:
		// Like Reduction, a concurrent access never waits on itself:
		// any number of concurrent holders run together. A successor's
		// wait is driven by the concurrent group (package dep), not
		// this bit.
		return true
	case Commutative:
		return a.CommutativeSatisfied()
	case Reduction:
		// A reduction contributor never waits on its own access: it
		// claims an independent slot and runs immediately. Whether a
		// *successor* sees the region as satisfied is governed by the
		// group's combine step (package dep), not by this bit.
		return true
	default:
		return true
	}
}

func atomicOr(b *satBits, v satBits) {
	for {
		old := satBits(atomic.LoadUint32((*uint32)(b)))
		if old&v == v {
			return
		}
		if atomic.CompareAndSwapUint32((*uint32)(b), uint32(old), uint32(old|v)) {
			return
		}
	}
}
