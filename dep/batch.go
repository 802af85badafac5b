// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dep

import taskrt "github.com/parallex/taskrt"

// CPUDependencyData is the CPU-local batch of side effects produced by
// UnregisterAccesses (spec section 4.5, section 5's locking
// discipline): tasks that became ready as a result of propagation, and
// tasks whose release counter reached zero and are now removable. The
// caller drains this struct after releasing the scope lock, so the
// dependency engine's critical section stays short and bounded.
type CPUDependencyData struct {
	// SatisfiedOriginators are tasks whose remaining-predecessor count
	// reached zero during this unregistration; the caller should post
	// them to the scheduler.
	SatisfiedOriginators []*taskrt.Task

	// Removable lists tasks the caller should dispose once the batch
	// is drained. UnregisterAccesses does not add to it; Reset clears
	// it along with SatisfiedOriginators.
	Removable []*taskrt.Task
}

// Reset clears batch for reuse, avoiding a fresh allocation per
// worker iteration.
func (b *CPUDependencyData) Reset() {
	b.SatisfiedOriginators = b.SatisfiedOriginators[:0]
	b.Removable = b.Removable[:0]
}
