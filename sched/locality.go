// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"sync/atomic"

	taskrt "github.com/parallex/taskrt"
)

// HomeNodeLocator answers "which cluster node currently holds the
// authoritative copy of region", per the NUMA directory / DSM home-node
// function spec section 4.2 calls out (package taskrt/numa implements
// one). known is false for a region that has never been first-touched.
type HomeNodeLocator interface {
	HomeNode(region taskrt.Region) (node int, known bool)
}

// Placer computes cluster offload targets for tasks, implementing
// spec section 4.2's locality policy. It is stateful only in the
// round-robin counters used to break ties and to spread first-touch
// cost, so a single Placer should be shared across all offload
// decisions for a run.
type Placer struct {
	locator HomeNodeLocator
	nodes   int

	tieRR        int64 // atomic, advances on every tie-break
	firstTouchRR int64 // atomic, advances on every first-touch pick

	// FirstTouchDeficitMultiple bounds how much first-touch (unhomed)
	// byte weight is tolerated relative to the winning node's touched
	// bytes before the policy picks a round-robin node instead, to
	// avoid concentrating first-touch cost onto one node (spec section
	// 4.2). Zero disables the check.
	FirstTouchDeficitMultiple float64
}

// NewPlacer constructs a Placer over a cluster of the given size.
func NewPlacer(locator HomeNodeLocator, nodes int) *Placer {
	return &Placer{locator: locator, nodes: nodes, FirstTouchDeficitMultiple: 2.0}
}

// PlaceResult is the outcome of a locality decision for one task.
type PlaceResult struct {
	Node        int
	Offloadable bool
}

// Place implements spec section 4.2: for each access, attribute its
// byte count to its home node (or to the "first touch" bucket if
// unhomed); a task with any access to non-cluster memory is pinned
// local. Otherwise the node with the most touched bytes wins, ties
// broken round-robin, and a large first-touch deficit overrides the
// winner with a round-robin pick to spread first-touch cost.
func (p *Placer) Place(accesses []*taskrt.DataAccess) PlaceResult {
	if p.nodes <= 0 || len(accesses) == 0 {
		return PlaceResult{Offloadable: false}
	}
	touched := make(map[int]uintptr, p.nodes)
	var firstTouch uintptr
	for _, a := range accesses {
		node, known := p.locator.HomeNode(a.Region)
		if !known {
			firstTouch += a.Region.Size
			continue
		}
		if node < 0 {
			// Non-cluster memory: the whole task is pinned local.
			return PlaceResult{Offloadable: false}
		}
		touched[node] += a.Region.Size
	}

	if len(touched) == 0 {
		// Nothing has a known cluster home yet: spread first-touch
		// cost round-robin.
		return PlaceResult{Node: p.nextFirstTouchRR(), Offloadable: true}
	}

	winner, winnerBytes, tie := argmax(touched)
	if tie {
		winner = p.nextTieRR()
	}
	if p.FirstTouchDeficitMultiple > 0 && winnerBytes > 0 {
		if float64(firstTouch) > p.FirstTouchDeficitMultiple*float64(winnerBytes) {
			return PlaceResult{Node: p.nextFirstTouchRR(), Offloadable: true}
		}
	}
	return PlaceResult{Node: winner, Offloadable: true}
}

func (p *Placer) nextTieRR() int {
	n := atomic.AddInt64(&p.tieRR, 1)
	return int(n % int64(p.nodes))
}

func (p *Placer) nextFirstTouchRR() int {
	n := atomic.AddInt64(&p.firstTouchRR, 1)
	return int(n % int64(p.nodes))
}

// argmax returns the key with the largest value in m, the value
// itself, and whether more than one key shares that maximum (in which
// case the caller round-robins rather than trust map iteration order).
func argmax(m map[int]uintptr) (key int, value uintptr, tie bool) {
	var best uintptr
	count := 0
	first := true
	for k, v := range m {
		if first || v > best {
			best = v
			key = k
			first = false
			count = 1
		} else if v == best {
			count++
		}
	}
	return key, best, count > 1
}
