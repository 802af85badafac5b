// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dep

import (
	taskrt "github.com/parallex/taskrt"
)

// commutativeGroup coordinates the accessors of one COMMUTATIVE(region)
// within a single scope (spec section 4.1): at most one accessor holds
// the region at a time, further claimants queue FIFO and are granted in
// order as the current holder unregisters. Like reductionGroup and
// concurrentGroup, the group's sentinel -- the first accessor -- holds
// the scope's bottom-map chain position, so a later, differently-typed
// access chains behind the whole group (i.e. waits for every commutative
// holder to drain, not just the first) through the ordinary propagation
// path once the group empties.
type commutativeGroup struct {
	sentinel *taskrt.DataAccess
	waiters  []*taskrt.DataAccess
}

// registerCommutative handles a COMMUTATIVE declared access. The first
// registrant for a region is granted immediately; later registrants
// queue behind it and are granted one at a time, in arrival order, as
// earlier holders unregister.
//
// Callers must hold s.mu.
func (s *scope) registerCommutative(task *taskrt.Task, d taskrt.DeclaredAccess) []*taskrt.DataAccess {
	if s.commutative == nil {
		s.commutative = make(map[taskrt.Region]*commutativeGroup)
	}
	holder := newFragmentAccess(task, d, d.Region)

	if g, ok := s.commutative[d.Region]; ok {
		g.waiters = append(g.waiters, holder)
		return []*taskrt.DataAccess{holder}
	}

	g := &commutativeGroup{sentinel: holder}
	s.commutative[d.Region] = g
	holder.MarkCommutativeSatisfied()

	var newBottom []fragment
	spliced := false
	for _, existing := range s.bottom {
		if existing.region == d.Region {
			existing.access.Successor = holder
			existing.access.MarkHasNext()
			newBottom = append(newBottom, fragment{region: d.Region, access: holder})
			spliced = true
			continue
		}
		newBottom = append(newBottom, existing)
	}
	if !spliced {
		newBottom = append(newBottom, fragment{region: d.Region, access: holder})
	}
	s.bottom = mergeSorted(newBottom)
	return []*taskrt.DataAccess{holder}
}

// commutativeGroupFor returns the commutative group registered for
// region, if any.
//
// Callers must hold s.mu.
func (s *scope) commutativeGroupFor(region taskrt.Region) (*commutativeGroup, bool) {
	if s.commutative == nil {
		return nil, false
	}
	g, ok := s.commutative[region]
	return g, ok
}

// releaseCommutative grants region to the next FIFO waiter in g, if
// any. If there is none, the group has fully drained: it is removed
// from the scope and drained is true, signaling the caller to
// propagate to whatever chained behind the group's sentinel.
//
// Callers must hold s.mu.
func (s *scope) releaseCommutative(g *commutativeGroup, region taskrt.Region) (next *taskrt.DataAccess, drained bool) {
	if len(g.waiters) == 0 {
		delete(s.commutative, region)
		return nil, true
	}
	next = g.waiters[0]
	g.waiters = g.waiters[1:]
	return next, false
}
