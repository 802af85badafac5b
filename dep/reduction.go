// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dep

import (
	"sync"
	"sync/atomic"

	taskrt "github.com/parallex/taskrt"
)

// reductionGroup coordinates the contributors to one REDUCTION(region)
// (spec section 4.1): every contributor runs concurrently against its
// own slot, and the group's sentinel -- the first contributor -- holds
// the chain position in the scope's bottom map, so a later access over
// the same region (e.g. the task that reads the combined result)
// chains behind the whole group through the ordinary fragmentation
// path rather than any reduction-specific code.
type reductionGroup struct {
	sentinel  *taskrt.DataAccess
	remaining int32
	once      sync.Once
}

// registerReduction handles a REDUCTION declared access. It requires
// exact region reuse across contributors (the common case: every
// contributor reduces into the same declared variable); a reduction
// against a region that straddles an existing fragment boundary falls
// back to treating the access as its own, unfragmented, group of one.
//
// Callers must hold s.mu.
func (s *scope) registerReduction(task *taskrt.Task, d taskrt.DeclaredAccess) []*taskrt.DataAccess {
	if s.groups == nil {
		s.groups = make(map[taskrt.Region]*reductionGroup)
	}
	// Reduction contributors never block each other or their own
	// task (DataAccess.Satisfied treats Reduction as always-ready):
	// each claims an independent slot and runs immediately.
	contributor := newFragmentAccess(task, d, d.Region)

	if g, ok := s.groups[d.Region]; ok {
		atomic.AddInt32(&g.remaining, 1)
		return []*taskrt.DataAccess{contributor}
	}

	g := &reductionGroup{sentinel: contributor, remaining: 1}
	s.groups[d.Region] = g

	// Splice the sentinel into the bottom map at exactly this region,
	// chaining behind whatever was there (an exact match is required;
	// see doc comment).
	var newBottom []fragment
	spliced := false
	for _, existing := range s.bottom {
		if existing.region == d.Region {
			existing.access.Successor = contributor
			existing.access.MarkHasNext()
			inheritInitial(contributor, existing.access)
			newBottom = append(newBottom, fragment{region: d.Region, access: contributor})
			spliced = true
			continue
		}
		newBottom = append(newBottom, existing)
	}
	if !spliced {
		inheritFromParent(contributor, task.Parent, d.Region)
		newBottom = append(newBottom, fragment{region: d.Region, access: contributor})
	}
	s.bottom = mergeSorted(newBottom)
	return []*taskrt.DataAccess{contributor}
}

// groupFor returns the reduction group registered for region, if any.
//
// Callers must hold s.mu.
func (s *scope) groupFor(region taskrt.Region) (*reductionGroup, bool) {
	if s.groups == nil {
		return nil, false
	}
	g, ok := s.groups[region]
	return g, ok
}

// contributorDone records that one contributor to g has completed. It
// returns true exactly once, for the caller whose completion makes
// the group's remaining count reach zero -- that caller is responsible
// for running combine (via RunCombineOnce) and propagating to the
// sentinel's successor.
func (g *reductionGroup) contributorDone() (last bool) {
	return atomic.AddInt32(&g.remaining, -1) == 0
}

// RunCombineOnce runs fn at most once for this group, regardless of
// how many goroutines observe contributorDone returning true
// concurrently for logically distinct groups sharing a region across
// retries.
func (g *reductionGroup) RunCombineOnce(fn func()) {
	g.once.Do(fn)
}
