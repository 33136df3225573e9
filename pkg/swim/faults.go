/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package swim

import (
	"sync"

	"github.com/datacluster-io/swimreb/internal/hlc"
)

// FaultInjector implements SWIM_FAIL_DROP_RPC (spec.md §6.4) the way
// SPEC_FULL.md §3 refines it from crt_swim.c: arming a fault for a rank
// records an HLC deadline computed from the requested delay, and probes
// to that rank are only dropped once the local clock has advanced past
// it — so a simulated failure lines up with delay-based suspicion/
// timeout expiry instead of firing immediately.
type FaultInjector struct {
	mu       sync.Mutex
	deadline map[uint32]uint64
	clock    *hlc.Clock
}

func newFaultInjector(clock *hlc.Clock) *FaultInjector {
	return &FaultInjector{deadline: map[uint32]uint64{}, clock: clock}
}

// Arm schedules probes to rank to start failing once the clock has
// advanced delayHLCTicks past now. Passing 0 drops immediately.
func (f *FaultInjector) Arm(rank uint32, delayHLCTicks uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline[rank] = f.clock.Last() + delayHLCTicks
}

// Disarm removes a fault for rank.
func (f *FaultInjector) Disarm(rank uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deadline, rank)
}

// ShouldDrop reports whether a probe to rank should be dropped right now.
func (f *FaultInjector) ShouldDrop(rank uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	deadline, armed := f.deadline[rank]
	if !armed {
		return false
	}
	return f.clock.Last() >= deadline
}
