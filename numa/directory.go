// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package numa implements the NUMA / DSM home-node directory: a
// read-mostly map from an address block to the cluster node that
// currently holds its authoritative copy (spec sections 4.2 and 6).
package numa

import (
	"sync"

	taskrt "github.com/parallex/taskrt"
)

// Directory tracks, per fixed-size block, which cluster node last
// first-touched it. It is read-mostly (spec section 5), so it is
// guarded by an RWMutex rather than a plain Mutex like the
// write-heavy commutative scoreboard.
type Directory struct {
	blockSize uintptr
	base      uintptr // start of the DSM address range; addresses below this are not cluster memory
	extent    uintptr // size of the DSM address range, 0 means unbounded

	mu    sync.RWMutex
	homes map[uintptr]int // block index -> node id
}

// New constructs a Directory over a DSM address range [base, base+extent)
// divided into blocks of blockSize bytes. extent == 0 means the range
// is unbounded (every address >= base is cluster memory).
func New(blockSize, base, extent uintptr) *Directory {
	if blockSize == 0 {
		blockSize = 1
	}
	return &Directory{
		blockSize: blockSize,
		base:      base,
		extent:    extent,
		homes:     make(map[uintptr]int),
	}
}

// BlockSize returns the directory's block size, per the DSM
// interface's block_size().
func (d *Directory) BlockSize() uintptr { return d.blockSize }

func (d *Directory) block(addr uintptr) uintptr { return addr / d.blockSize }

// IsDSMAddress reports whether addr falls within the directory's
// cluster address range, per the DSM interface's is_dsm_address.
func (d *Directory) IsDSMAddress(addr uintptr) bool {
	if addr < d.base {
		return false
	}
	if d.extent == 0 {
		return true
	}
	return addr < d.base+d.extent
}

// FirstTouch records node as the home of addr's block if, and only
// if, no home has been recorded yet (first-touch semantics: later
// callers racing to first-touch the same block lose silently, which
// is fine since they would have computed the same node or a node that
// is about to be informed of the actual owner via a Satisfiability
// message).
func (d *Directory) FirstTouch(addr uintptr, node int) {
	b := d.block(addr)
	d.mu.Lock()
	if _, ok := d.homes[b]; !ok {
		d.homes[b] = node
	}
	d.mu.Unlock()
}

// SetHome unconditionally (re)assigns addr's block to node, for
// explicit migration (e.g. a RemoteAccessRelease handoff).
func (d *Directory) SetHome(addr uintptr, node int) {
	b := d.block(addr)
	d.mu.Lock()
	d.homes[b] = node
	d.mu.Unlock()
}

// HomeNodeAddr returns addr's block's home node, per the DSM
// interface's home_node_of (-1, true meaning "not cluster memory" is
// never returned here; callers should check IsDSMAddress first).
func (d *Directory) HomeNodeAddr(addr uintptr) (node int, known bool) {
	b := d.block(addr)
	d.mu.RLock()
	node, known = d.homes[b]
	d.mu.RUnlock()
	return node, known
}

// HomeNode implements sched.HomeNodeLocator for a whole region: if any
// address in region is not cluster memory, it returns (-1, true) --
// "known, and the answer is pinned-local" -- matching spec section
// 4.2's "if any access references non-cluster memory, the task is not
// offloadable". Otherwise it returns the home node of region's first
// block if every block in region shares one, or the node touching the
// most bytes if blocks disagree; known is false only if no block in
// region has been first-touched yet.
func (d *Directory) HomeNode(region taskrt.Region) (node int, known bool) {
	if region.Size == 0 {
		return 0, false
	}
	if !d.IsDSMAddress(region.Start) || !d.IsDSMAddress(region.End()-1) {
		return -1, true
	}
	byNode := make(map[int]uintptr)
	for addr := region.Start; addr < region.End(); addr = (addr/d.blockSize + 1) * d.blockSize {
		blockEnd := (addr/d.blockSize + 1) * d.blockSize
		if blockEnd > region.End() {
			blockEnd = region.End()
		}
		n, ok := d.HomeNodeAddr(addr)
		if ok {
			byNode[n] += blockEnd - addr
		}
	}
	if len(byNode) == 0 {
		return 0, false
	}
	best, bestBytes := -1, uintptr(0)
	for n, bytes := range byNode {
		if bytes > bestBytes {
			best, bestBytes = n, bytes
		}
	}
	return best, true
}
