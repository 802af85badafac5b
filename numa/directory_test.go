// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package numa

import (
	"sync"
	"testing"

	taskrt "github.com/parallex/taskrt"
)

func TestFirstTouchWinsOnce(t *testing.T) {
	d := New(64, 0, 0)
	d.FirstTouch(10, 1)
	d.FirstTouch(10, 2)
	node, ok := d.HomeNodeAddr(10)
	if !ok || node != 1 {
		t.Fatalf("got (%d, %v), want (1, true)", node, ok)
	}
}

func TestSetHomeOverrides(t *testing.T) {
	d := New(64, 0, 0)
	d.FirstTouch(10, 1)
	d.SetHome(10, 3)
	node, ok := d.HomeNodeAddr(10)
	if !ok || node != 3 {
		t.Fatalf("got (%d, %v), want (3, true)", node, ok)
	}
}

func TestIsDSMAddressBoundedRange(t *testing.T) {
	d := New(64, 1000, 100)
	if d.IsDSMAddress(999) {
		t.Fatal("999 is below base, should not be DSM")
	}
	if !d.IsDSMAddress(1000) {
		t.Fatal("1000 is base, should be DSM")
	}
	if !d.IsDSMAddress(1099) {
		t.Fatal("1099 is the last in-range byte, should be DSM")
	}
	if d.IsDSMAddress(1100) {
		t.Fatal("1100 is past extent, should not be DSM")
	}
}

func TestIsDSMAddressUnbounded(t *testing.T) {
	d := New(64, 1000, 0)
	if !d.IsDSMAddress(1 << 40) {
		t.Fatal("unbounded extent should treat any address >= base as DSM")
	}
}

func TestHomeNodeNonClusterMemoryPinsLocal(t *testing.T) {
	d := New(64, 1000, 100)
	node, known := d.HomeNode(taskrt.Region{Start: 0, Size: 16})
	if !known || node != -1 {
		t.Fatalf("got (%d, %v), want (-1, true) for non-DSM region", node, known)
	}
}

func TestHomeNodeUnknownUntouched(t *testing.T) {
	d := New(64, 0, 0)
	_, known := d.HomeNode(taskrt.Region{Start: 0, Size: 16})
	if known {
		t.Fatal("region spanning no first-touched block should be unknown")
	}
}

func TestHomeNodeMajorityBlock(t *testing.T) {
	d := New(64, 0, 0)
	// region [32,128) spans blocks [0,64) and [64,128): 32 bytes fall in
	// the block first-touched by node 3 and 64 in the one touched by
	// node 7, so node 7 holds the majority.
	d.FirstTouch(0, 3)
	d.FirstTouch(64, 7)
	node, known := d.HomeNode(taskrt.Region{Start: 32, Size: 96})
	if !known {
		t.Fatal("expected known")
	}
	if node != 7 {
		t.Fatalf("got node %d, want 7", node)
	}
}

func TestDirectoryConcurrentAccess(t *testing.T) {
	d := New(64, 0, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.FirstTouch(uintptr(i*64), i)
			d.HomeNodeAddr(uintptr(i * 64))
		}(i)
	}
	wg.Wait()
}
