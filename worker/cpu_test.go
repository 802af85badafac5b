// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"testing"
	"time"
)

func TestCPUStateMachine(t *testing.T) {
	c := NewCPU(0, 0)
	if c.State() != Uninitialized {
		t.Fatalf("got %v, want Uninitialized", c.State())
	}
	c.Enable()
	if c.State() != Enabled {
		t.Fatalf("got %v, want Enabled", c.State())
	}
	c.AcquireRunning()
	if c.State() != AcquiredRunning {
		t.Fatalf("got %v, want AcquiredRunning", c.State())
	}
}

func TestEnableTwicePanics(t *testing.T) {
	c := NewCPU(0, 0)
	c.Enable()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic enabling twice")
		}
	}()
	c.Enable()
}

func TestBecomeIdleRace(t *testing.T) {
	c := NewCPU(0, 0)
	c.Enable()
	c.AcquireRunning()

	// Work is available: BecomeIdle must refuse and leave state
	// unchanged, per spec section 4.3's idle-admission race.
	if c.BecomeIdle(func() bool { return true }) {
		t.Fatal("expected BecomeIdle to refuse when work is available")
	}
	if c.State() != AcquiredRunning {
		t.Fatalf("state changed despite refused BecomeIdle: %v", c.State())
	}

	if !c.BecomeIdle(func() bool { return false }) {
		t.Fatal("expected BecomeIdle to succeed when no work is available")
	}
	if c.State() != AcquiredIdle {
		t.Fatalf("got %v, want AcquiredIdle", c.State())
	}
}

func TestResumeIdleWakesWaiter(t *testing.T) {
	c := NewCPU(0, 0)
	c.Enable()
	c.AcquireRunning()
	if !c.BecomeIdle(func() bool { return false }) {
		t.Fatal("expected to become idle")
	}

	woke := make(chan struct{})
	go func() {
		c.WaitWhileIdle()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("WaitWhileIdle returned before ResumeIdle")
	case <-time.After(20 * time.Millisecond):
	}

	c.ResumeIdle()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("WaitWhileIdle did not wake after ResumeIdle")
	}
	if c.State() != AcquiredRunning {
		t.Fatalf("got %v, want AcquiredRunning", c.State())
	}
}

func TestShutdownWakesIdleWaiter(t *testing.T) {
	c := NewCPU(0, 0)
	c.Enable()
	c.AcquireRunning()
	c.BecomeIdle(func() bool { return false })

	woke := make(chan struct{})
	go func() {
		c.WaitWhileIdle()
		close(woke)
	}()

	c.Shutdown()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("WaitWhileIdle did not wake after Shutdown")
	}
	if !c.ShuttingDownOrTerminated() {
		t.Fatal("expected CPU to report shutting down")
	}
}
