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

// Package hlc implements a minimal hybrid-logical clock: a monotonic,
// loosely-synchronized counter used for incarnation stamping, epoch
// fencing, and one-way latency measurement (spec.md GLOSSARY: HLC).
package hlc

import (
	"sync/atomic"
	"time"
)

// Clock produces monotonically increasing timestamps. A Clock's zero
// value is usable and starts from the wall clock at first use.
type Clock struct {
	last uint64
}

// physical returns the current wall-clock time as nanoseconds, shifted to
// leave low bits free for the logical counter.
func physical() uint64 {
	return uint64(time.Now().UnixNano()) &^ 0xFFFF
}

// Now advances and returns the clock, HLC-style: max(physical, last+1).
func (c *Clock) Now() uint64 {
	for {
		old := atomic.LoadUint64(&c.last)
		p := physical()
		next := p
		if old >= p {
			next = old + 1
		}
		if atomic.CompareAndSwapUint64(&c.last, old, next) {
			return next
		}
	}
}

// Observe folds a received timestamp into the clock so that future Now()
// calls stay ahead of anything already seen from a peer.
func (c *Clock) Observe(remote uint64) {
	for {
		old := atomic.LoadUint64(&c.last)
		if remote <= old {
			return
		}
		if atomic.CompareAndSwapUint64(&c.last, old, remote) {
			return
		}
	}
}

// Last returns the most recent value without advancing the clock.
func (c *Clock) Last() uint64 {
	return atomic.LoadUint64(&c.last)
}
