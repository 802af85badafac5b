// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dep

import (
	"sort"
	"sync"

	taskrt "github.com/parallex/taskrt"
)

// fragment is one entry of a scope's "bottom map": the most recent
// access registered over a sub-region, within one parent's scope.
type fragment struct {
	region taskrt.Region
	access *taskrt.DataAccess
}

// scope holds the bottom map for a single parent task (or the root,
// for top-level spawns). Accesses registered by different children of
// the same parent fragment against each other here.
type scope struct {
	mu         sync.Mutex
	bottom      []fragment // sorted by region.Start, pairwise non-overlapping
	groups      map[taskrt.Region]*reductionGroup
	concurrent  map[taskrt.Region]*concurrentGroup
	commutative map[taskrt.Region]*commutativeGroup
}

func newScope() *scope {
	return &scope{}
}

// register fragments one declared access against the scope's current
// bottom map, mutating the bottom map to reflect the new chain heads,
// and returns the (possibly several) *taskrt.DataAccess fragments that
// together cover d.Region and belong to task.
//
// Callers must hold s.mu.
func (s *scope) register(task *taskrt.Task, d taskrt.DeclaredAccess) []*taskrt.DataAccess {
	if d.Type == taskrt.Reduction {
		return s.registerReduction(task, d)
	}
	if d.Type == taskrt.Concurrent {
		return s.registerConcurrent(task, d)
	}
	if d.Type == taskrt.Commutative {
		return s.registerCommutative(task, d)
	}
	remaining := []taskrt.Region{d.Region}
	var produced []*taskrt.DataAccess
	var newBottom []fragment

	for _, existing := range s.bottom {
		covered := false
		for _, rem := range remaining {
			if inter, ok := existing.region.Intersect(rem); ok {
				covered = true
				// The overlapping sub-region becomes a new fragment,
				// chained behind the existing chain head.
				child := newFragmentAccess(task, d, inter)
				existing.access.Successor = child
				existing.access.MarkHasNext()
				inheritInitial(child, existing.access)
				produced = append(produced, child)

				// The new fragment is now the chain head for this
				// sub-region going forward.
				newBottom = append(newBottom, fragment{region: inter, access: child})

				// Whatever part of existing.region survives outside
				// the intersection stays as a bottom entry pointing at
				// the same (already-superseded) access: it still
				// describes "nothing registered here since", so it is
				// re-added unchanged.
				for _, leftover := range existing.region.Split(inter) {
					newBottom = append(newBottom, fragment{region: leftover, access: existing.access})
				}
				remaining = subtract(remaining, inter)
				break
			}
		}
		if !covered {
			newBottom = append(newBottom, existing)
		}
	}

	// Anything left over had no predecessor in this scope: it inherits
	// satisfiability from the parent's corresponding access over the
	// same region, or is considered already satisfied if there is no
	// enclosing scope (top-level task).
	for _, rem := range remaining {
		child := newFragmentAccess(task, d, rem)
		inheritFromParent(child, task.Parent, rem)
		newBottom = append(newBottom, fragment{region: rem, access: child})
		produced = append(produced, child)
	}

	s.bottom = mergeSorted(newBottom)
	return produced
}

func newFragmentAccess(task *taskrt.Task, d taskrt.DeclaredAccess, region taskrt.Region) *taskrt.DataAccess {
	a := &taskrt.DataAccess{
		Region:    region,
		Type:      d.Type,
		Weak:      d.Weak,
		Reduction: d.Reduction,
		Owner:     task,
		Location:  taskrt.MemoryPlace{NodeID: -1},
	}
	if d.Type == taskrt.Reduction && d.Reduction != nil {
		if slot, ok := d.Reduction.ClaimSlot(); ok {
			a.SetSlot(slot)
		} else {
			// No private slot available (more concurrent contributors
			// than the reduction's slot bound): fall back to folding
			// this contribution straight into the running result
			// instead of silently aliasing an already-claimed slot.
			a.SetSlot(-1)
		}
	}
	return a
}

// inheritInitial sets child's starting satisfiability from pred's
// *current* propagated state (spec section 4.1: "initial satisfiability
// is inherited from the predecessor's propagated state"). pred has
// propagated its state only once it is complete or weak; a running,
// non-weak pred passes nothing yet. This is a snapshot, not a live
// link -- further changes to pred only reach child through explicit
// propagation at pred's completion (or immediately, if pred is weak).
func inheritInitial(child, pred *taskrt.DataAccess) {
	if !pred.Complete() && !pred.IsWeak() {
		return
	}
	copySatisfiability(child, pred)
}

// copySatisfiability copies src's read/write satisfied bits onto child.
func copySatisfiability(child, src *taskrt.DataAccess) {
	if src.ReadSatisfied() {
		child.MarkReadSatisfied()
	}
	if src.WriteSatisfied() {
		child.MarkWriteSatisfied()
	}
}

// inheritFromParent seeds a fragment that has no sibling predecessor
// in its own scope from the enclosing task's corresponding access over
// the same region, if one exists; otherwise the region was never
// constrained by any outer scope, so it starts fully satisfied (a
// top-level access has nothing to wait for).
func inheritFromParent(child *taskrt.DataAccess, parent *taskrt.Task, region taskrt.Region) {
	if parent == nil {
		child.MarkReadSatisfied()
		child.MarkWriteSatisfied()
		child.MarkConcurrentSatisfied()
		child.MarkCommutativeSatisfied()
		return
	}
	for _, pa := range parent.Accesses {
		if pa.Region.Overlaps(region) {
			copySatisfiability(child, pa)
			return
		}
	}
	// Parent never declared an access over this region: nothing
	// upstream constrains it.
	child.MarkReadSatisfied()
	child.MarkWriteSatisfied()
	child.MarkConcurrentSatisfied()
	child.MarkCommutativeSatisfied()
}

// subtract removes the byte range of cut from every region in rs,
// returning the resulting (possibly more numerous, possibly empty) set
// of regions. This is how remaining coverage shrinks as fragments are
// matched against existing bottom entries.
func subtract(rs []taskrt.Region, cut taskrt.Region) []taskrt.Region {
	var out []taskrt.Region
	for _, r := range rs {
		if !r.Overlaps(cut) {
			out = append(out, r)
			continue
		}
		out = append(out, r.Split(cut)...)
	}
	return out
}

func mergeSorted(frags []fragment) []fragment {
	sort.Slice(frags, func(i, j int) bool { return frags[i].region.Start < frags[j].region.Start })
	return frags
}
