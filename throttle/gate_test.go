// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package throttle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestUnboundedGateNeverBlocks(t *testing.T) {
	g := NewGate(0)
	release, err := g.Reserve(context.Background(), func() bool { return false })
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	release()
}

func TestGateBlocksUntilReleaseAndDrains(t *testing.T) {
	g := NewGate(1)

	release1, err := g.Reserve(context.Background(), func() bool { return false })
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	var drainCalls int32
	done := make(chan struct{})
	go func() {
		release2, err := g.Reserve(context.Background(), func() bool {
			atomic.AddInt32(&drainCalls, 1)
			return true
		})
		if err != nil {
			t.Errorf("second Reserve: %v", err)
		}
		release2()
		close(done)
	}()

	// Give the second Reserve time to poll and drain at least once
	// while the gate is still full.
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&drainCalls) == 0 {
		t.Fatal("expected Reserve to cooperatively drain while waiting for a slot")
	}

	release1()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Reserve never completed after release")
	}
}

func TestGateRespectsContextCancellation(t *testing.T) {
	g := NewGate(1)
	release, err := g.Reserve(context.Background(), func() bool { return false })
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Reserve(ctx, func() bool { return false })
	if err == nil {
		t.Fatal("expected Reserve to fail once ctx is done")
	}
}
