// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dep

import (
	"sync/atomic"

	taskrt "github.com/parallex/taskrt"
)

// concurrentGroup coordinates the holders of one CONCURRENT(region)
// (spec section 4.1): any number of concurrent accesses over the same
// region run together without waiting on each other, but an access
// chained behind the whole group (e.g. a subsequent OUT) must wait for
// every concurrent holder to finish, not just the first. The group's
// sentinel -- the first holder -- occupies the scope's bottom-map chain
// position, exactly as reductionGroup does.
type concurrentGroup struct {
	sentinel  *taskrt.DataAccess
	remaining int32
}

// registerConcurrent handles a CONCURRENT declared access, requiring
// exact region reuse across holders (the common case). A concurrent
// access against a region that does not exactly match an existing
// group falls back to starting a new group of one.
//
// Callers must hold s.mu.
func (s *scope) registerConcurrent(task *taskrt.Task, d taskrt.DeclaredAccess) []*taskrt.DataAccess {
	if s.concurrent == nil {
		s.concurrent = make(map[taskrt.Region]*concurrentGroup)
	}
	holder := newFragmentAccess(task, d, d.Region)

	if g, ok := s.concurrent[d.Region]; ok {
		atomic.AddInt32(&g.remaining, 1)
		return []*taskrt.DataAccess{holder}
	}

	g := &concurrentGroup{sentinel: holder, remaining: 1}
	s.concurrent[d.Region] = g

	var newBottom []fragment
	spliced := false
	for _, existing := range s.bottom {
		if existing.region == d.Region {
			existing.access.Successor = holder
			existing.access.MarkHasNext()
			inheritInitial(holder, existing.access)
			newBottom = append(newBottom, fragment{region: d.Region, access: holder})
			spliced = true
			continue
		}
		newBottom = append(newBottom, existing)
	}
	if !spliced {
		inheritFromParent(holder, task.Parent, d.Region)
		newBottom = append(newBottom, fragment{region: d.Region, access: holder})
	}
	s.bottom = mergeSorted(newBottom)
	return []*taskrt.DataAccess{holder}
}

// concurrentGroupFor returns the concurrent group registered for
// region, if any.
//
// Callers must hold s.mu.
func (s *scope) concurrentGroupFor(region taskrt.Region) (*concurrentGroup, bool) {
	if s.concurrent == nil {
		return nil, false
	}
	g, ok := s.concurrent[region]
	return g, ok
}

// holderDone records that one holder of g has finished. It returns true
// exactly once, for the caller whose completion makes the group's
// remaining count reach zero -- that caller is responsible for
// propagating to the sentinel's successor.
func (g *concurrentGroup) holderDone() (last bool) {
	return atomic.AddInt32(&g.remaining, -1) == 0
}
