// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskrt

import (
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestRegionIntersectSplit(t *testing.T) {
	r := Region{Start: 0, Size: 100}
	o := Region{Start: 40, Size: 20}

	inter, ok := r.Intersect(o)
	if !ok {
		t.Fatal("expected overlap")
	}
	if inter != o {
		t.Fatalf("got %v, want %v", inter, o)
	}

	frags := r.Split(o)
	var total uintptr
	for _, f := range frags {
		total += f.Size
	}
	total += inter.Size
	if total != r.Size {
		t.Fatalf("fragmentation dropped bytes: got %d, want %d", total, r.Size)
	}
}

func TestRegionSplitFuzzCoverage(t *testing.T) {
	fz := fuzz.NewWithSeed(7)
	for i := 0; i < 200; i++ {
		var start, size1, size2 uint32
		fz.Fuzz(&start)
		fz.Fuzz(&size1)
		fz.Fuzz(&size2)
		r := Region{Start: uintptr(start % 1000), Size: uintptr(size1%500) + 1}
		o := Region{Start: uintptr(rand.Intn(1000)), Size: uintptr(size2%500) + 1}

		covered := coverageOf(r, o)
		if covered != int(r.Size) {
			t.Fatalf("region %v split against %v: covered %d want %d", r, o, covered, r.Size)
		}
	}
}

// coverageOf returns the total number of bytes of r accounted for by
// splitting against o: either the intersection, or the full region if
// disjoint.
func coverageOf(r, o Region) int {
	inter, ok := r.Intersect(o)
	frags := r.Split(o)
	total := 0
	if ok {
		total += int(inter.Size)
	}
	for _, f := range frags {
		total += int(f.Size)
	}
	return total
}

func TestAccessSatisfiedByType(t *testing.T) {
	cases := []struct {
		typ           AccessType
		read, write   bool
		concurrent    bool
		commutative   bool
		want          bool
	}{
		{In, false, false, false, false, false},
		{In, true, false, false, false, true},
		{Out, true, false, false, false, false},
		{Out, true, true, false, false, true},
		{InOut, true, false, false, false, false},
		{InOut, true, true, false, false, true},
		{Concurrent, false, false, true, false, true},
		{Commutative, false, false, false, true, true},
	}
	for _, c := range cases {
		a := &DataAccess{Type: c.typ}
		if c.read {
			a.MarkReadSatisfied()
		}
		if c.write {
			a.MarkWriteSatisfied()
		}
		if c.concurrent {
			a.MarkConcurrentSatisfied()
		}
		if c.commutative {
			a.MarkCommutativeSatisfied()
		}
		if got := a.Satisfied(); got != c.want {
			t.Errorf("%v read=%v write=%v: got %v, want %v", c.typ, c.read, c.write, got, c.want)
		}
	}
}

func TestWeakAccessAlwaysSatisfied(t *testing.T) {
	a := &DataAccess{Type: InOut, Weak: true}
	if !a.Satisfied() {
		t.Fatal("weak access must never block its own task")
	}
}

func TestDataAccessUnregisterOnce(t *testing.T) {
	a := &DataAccess{Type: In}
	if !a.MarkUnregistered() {
		t.Fatal("first unregister should succeed")
	}
	if a.MarkUnregistered() {
		t.Fatal("second unregister must be rejected (protocol violation)")
	}
}

func TestSatisfiabilityMonotonic(t *testing.T) {
	a := &DataAccess{Type: InOut}
	a.MarkReadSatisfied()
	if !a.ReadSatisfied() {
		t.Fatal("expected read satisfied")
	}
	// Marking again must not "unset" anything -- there is no unset
	// operation exposed, which is the monotonicity guarantee itself.
	a.MarkReadSatisfied()
	if !a.ReadSatisfied() {
		t.Fatal("read satisfied must remain true")
	}
}

func TestReductionSlotClaimRelease(t *testing.T) {
	ri := NewReductionInfo(func(dst, src interface{}) interface{} {
		return dst.(int) + src.(int)
	}, 0, 4)

	var slots []int
	for i := 0; i < 4; i++ {
		s, ok := ri.ClaimSlot()
		if !ok {
			t.Fatalf("expected slot %d to be available", i)
		}
		slots = append(slots, s)
	}
	if _, ok := ri.ClaimSlot(); ok {
		t.Fatal("expected slots exhausted")
	}
	ri.ReleaseSlot(slots[0])
	if _, ok := ri.ClaimSlot(); !ok {
		t.Fatal("expected a slot to be available after release")
	}
}
