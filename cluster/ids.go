// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import "sync/atomic"

// rankShift is K in spec section 6's "message IDs are composed as
// (sender_rank << K) | local_counter": 40 bits of local counter space
// per node, which comfortably outlives any single run.
const rankShift = 40

// idGenerator produces globally-unique message/task ids for one node,
// per spec section 6's wire-format note ("a message id must be
// globally unique across the run").
type idGenerator struct {
	rank    int
	counter uint64
}

func newIDGenerator(rank int) *idGenerator {
	return &idGenerator{rank: rank}
}

// Next returns the next id for this node.
func (g *idGenerator) Next() uint64 {
	c := atomic.AddUint64(&g.counter, 1)
	return uint64(g.rank)<<rankShift | c
}

// RankOf extracts the originating node rank from an id produced by
// any node's idGenerator.
func RankOf(id uint64) int {
	return int(id >> rankShift)
}
