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

package rebuild

import "sync"

// LocalTracker is the target-side per-running-task tracker (spec.md §3):
// created on receipt of a scan-start broadcast, destroyed after
// global_done or abort once all child work-units have reported.
type LocalTracker struct {
	mu   sync.Mutex
	cond *sync.Cond

	PoolID     string
	MapVersion uint64
	Op         Op

	LeaderTerm      uint64 // for fencing against a stale broadcast
	ScanDone        bool
	GlobalScanDone  bool // received from leader via IV
	GlobalDone      bool
	abort           bool

	Counters  Counters
	lastSent  Counters // last absolute snapshot sent, for delta computation
	reReport  bool

	// rebuildFence is the per-container HLC epoch below which background
	// aggregation is suspended for this rebuild epoch (spec.md §3, §4.3.1;
	// SPEC_FULL.md §3 models it per-container rather than as one scalar,
	// since srv.c fences multiple containers independently).
	rebuildFence map[string]uint64

	refcount int
}

func NewLocalTracker(pool string, ver uint64, op Op, leaderTerm uint64) *LocalTracker {
	lt := &LocalTracker{
		PoolID:       pool,
		MapVersion:   ver,
		Op:           op,
		LeaderTerm:   leaderTerm,
		rebuildFence: map[string]uint64{},
		refcount:     1,
	}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

// FenceContainer seeds rebuild_fence = hlcNow for contID, suspending
// aggregation across this epoch (spec.md §4.3.1).
func (lt *LocalTracker) FenceContainer(contID string, hlcNow uint64) {
	lt.mu.Lock()
	lt.rebuildFence[contID] = hlcNow
	lt.mu.Unlock()
}

// ClearFence zeros contID's fence once finalization completes, so
// aggregation of that epoch range may resume (spec.md §4.3.3).
func (lt *LocalTracker) ClearFence(contID string) {
	lt.mu.Lock()
	delete(lt.rebuildFence, contID)
	lt.mu.Unlock()
}

func (lt *LocalTracker) FenceOf(contID string) (uint64, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	v, ok := lt.rebuildFence[contID]
	return v, ok
}

// Get/Put implement the refcounted child work-unit model: finalization
// waits for every reference to drain (spec.md §4.3.3).
func (lt *LocalTracker) Get() {
	lt.mu.Lock()
	lt.refcount++
	lt.mu.Unlock()
}

func (lt *LocalTracker) Put() {
	lt.mu.Lock()
	lt.refcount--
	if lt.refcount == 0 {
		lt.cond.Broadcast()
	}
	lt.mu.Unlock()
}

func (lt *LocalTracker) WaitRefDrain() {
	lt.mu.Lock()
	for lt.refcount > 0 {
		lt.cond.Wait()
	}
	lt.mu.Unlock()
}

// SetLeaderTerm updates the fencing term; if a fresher broadcast carries
// a newer term than any in-flight tracker, it takes precedence (spec.md
// §4.3.1).
func (lt *LocalTracker) SetLeaderTerm(term uint64) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if term < lt.LeaderTerm {
		return false
	}
	lt.LeaderTerm = term
	return true
}

func (lt *LocalTracker) SetAbort() {
	lt.mu.Lock()
	lt.abort = true
	lt.mu.Unlock()
}

func (lt *LocalTracker) Aborted() bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.abort
}

func (lt *LocalTracker) SetGlobalScanDone() {
	lt.mu.Lock()
	lt.GlobalScanDone = true
	lt.mu.Unlock()
}

func (lt *LocalTracker) SetGlobalDone() {
	lt.mu.Lock()
	lt.GlobalDone = true
	lt.mu.Unlock()
}

func (lt *LocalTracker) ShouldExit() bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.GlobalDone || lt.abort
}

// clampNonDecreasing compensates for worker-local counter loss on target
// exclusion (spec.md §4.3.2 step 2): reported totals never regress.
func (lt *LocalTracker) clampNonDecreasing(c Counters) Counters {
	if c.ToRebuildObjs < lt.Counters.ToRebuildObjs {
		c.ToRebuildObjs = lt.Counters.ToRebuildObjs
	}
	if c.RebuiltObjs < lt.Counters.RebuiltObjs {
		c.RebuiltObjs = lt.Counters.RebuiltObjs
	}
	if c.Records < lt.Counters.Records {
		c.Records = lt.Counters.Records
	}
	if c.Bytes < lt.Counters.Bytes {
		c.Bytes = lt.Counters.Bytes
	}
	if c.Seconds < lt.Counters.Seconds {
		c.Seconds = lt.Counters.Seconds
	}
	return c
}

// UpdateCounters clamps and stores the latest absolute local counters,
// returning what should be sent upward this cycle: an absolute snapshot
// if reReport was requested, else a delta since last ack (spec.md
// §4.3.2 step 3).
func (lt *LocalTracker) UpdateCounters(absolute Counters) (toSend Counters, reReport bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	absolute = lt.clampNonDecreasing(absolute)
	lt.Counters = absolute

	if lt.reReport {
		lt.reReport = false
		lt.lastSent = absolute
		return absolute, true
	}
	delta := Counters{
		ToRebuildObjs: absolute.ToRebuildObjs - lt.lastSent.ToRebuildObjs,
		RebuiltObjs:   absolute.RebuiltObjs - lt.lastSent.RebuiltObjs,
		Records:       absolute.Records - lt.lastSent.Records,
		Bytes:         absolute.Bytes - lt.lastSent.Bytes,
		Seconds:       absolute.Seconds - lt.lastSent.Seconds,
	}
	lt.lastSent = absolute
	return delta, false
}

// RequestReReport marks that the next cycle's report should be absolute,
// e.g. after the target's reporting cycle restarts (spec.md §4.2.4).
func (lt *LocalTracker) RequestReReport() {
	lt.mu.Lock()
	lt.reReport = true
	lt.mu.Unlock()
}
