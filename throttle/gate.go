// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package throttle implements back-pressure on nested task creation
// (spec section 5): once in-flight tasks exceed a configured
// threshold, task_create cooperatively executes ready work instead of
// blocking idle, bounding memory consumption without adding a new
// kind of wait state to the task lifecycle.
package throttle

import (
	"context"
	"time"

	"github.com/grailbio/base/limiter"
)

// pollInterval bounds how long Reserve waits for a free slot before
// giving the caller another chance to drain ready work.
const pollInterval = 5 * time.Millisecond

// Gate bounds the number of in-flight tasks admitted through Reserve.
// It is a thin wrapper over limiter.Limiter, which the teacher already
// uses for its commit concurrency gate (exec/bigmachine.go's
// commitLimiter).
type Gate struct {
	lim       *limiter.Limiter
	threshold int
}

// NewGate builds a Gate admitting up to threshold concurrent holders.
// threshold <= 0 means unbounded: Reserve always returns immediately.
func NewGate(threshold int) *Gate {
	g := &Gate{lim: limiter.New(), threshold: threshold}
	if threshold > 0 {
		g.lim.Release(threshold)
	}
	return g
}

// Unbounded reports whether this gate imposes no pressure limit.
func (g *Gate) Unbounded() bool { return g.threshold <= 0 }

// DrainFunc cooperatively executes one unit of ready work and reports
// whether it found any. It is supplied by the caller (typically a
// sched.Scheduler's GetReadyTask + inline execution) so that Reserve never
// needs to know about tasks, scheduling, or workers directly.
type DrainFunc func() bool

// Reserve blocks until a slot is available, ctx is done, or the gate
// is unbounded. While waiting for a slot, Reserve repeatedly calls
// drain so the calling goroutine makes progress on existing ready work
// instead of idling, per spec section 5's cooperative-execution
// clause. The returned release func must be called exactly once, when
// the reserved unit of in-flight work completes.
func (g *Gate) Reserve(ctx context.Context, drain DrainFunc) (release func(), err error) {
	if g.Unbounded() {
		return func() {}, nil
	}
	for {
		actx, cancel := context.WithTimeout(ctx, pollInterval)
		err := g.lim.Acquire(actx, 1)
		cancel()
		if err == nil {
			return func() { g.lim.Release(1) }, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Still under pressure: make progress on ready work rather
		// than spinning idle until a slot frees up.
		drain()
	}
}
