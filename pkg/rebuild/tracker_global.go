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

// perRankState is the {scan_done, pull_done} pair tracked for one rank
// within a running task (spec.md §3 GlobalTracker). contrib is the
// rank's current absolute counter snapshot, so a reReport from one rank
// replaces only that rank's share of the global totals instead of the
// whole task's.
type perRankState struct {
	scanDone bool
	pullDone bool
	errno    int32
	contrib  Counters
}

// GlobalTracker is the leader-side per-running-task tracker (spec.md §3):
// ref-counted, mutex+condvar guarded, destroyed at refcount 0 (spec.md
// §9: "model as shared values with explicit get/put; destruction
// condition-signals a waiter").
type GlobalTracker struct {
	mu   sync.Mutex
	cond *sync.Cond

	Task *RebuildTask

	ranks map[uint32]*perRankState
	excluded map[uint32]bool // pre-marked done: failed ranks that will never report

	ToRebuildObjs, RebuiltObjs uint64
	Records, Bytes            uint64
	Seconds                   float64
	Errno                     int32

	LeaderTerm  uint64
	StableEpoch uint64
	abort       bool

	refcount int
	done     bool
}

// NewGlobalTracker seeds a tracker with every current rank, created in
// leader_start (spec.md §3).
func NewGlobalTracker(task *RebuildTask, ranks []uint32, leaderTerm uint64) *GlobalTracker {
	g := &GlobalTracker{
		Task:       task,
		ranks:      make(map[uint32]*perRankState, len(ranks)),
		excluded:   map[uint32]bool{},
		LeaderTerm: leaderTerm,
		refcount:   1,
	}
	g.cond = sync.NewCond(&g.mu)
	for _, r := range ranks {
		g.ranks[r] = &perRankState{}
	}
	return g
}

// Get increments the refcount (spec.md §9).
func (g *GlobalTracker) Get() {
	g.mu.Lock()
	g.refcount++
	g.mu.Unlock()
}

// Put decrements the refcount, signaling waiters once it reaches zero
// (spec.md §3: "destroyed on refcount→0 after task finishes or is
// aborted").
func (g *GlobalTracker) Put() {
	g.mu.Lock()
	g.refcount--
	if g.refcount == 0 {
		g.done = true
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// WaitDone blocks until refcount has dropped to zero (spec.md §9: "wait
// on a condvar until the only remaining strong reference is the
// waiter's").
func (g *GlobalTracker) WaitDone() {
	g.mu.Lock()
	for !g.done {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// MarkFailedRanksDone pre-marks ranks the pool map reports as down (they
// will never report) as scan_done|pull_done (spec.md §4.2.3 step 6,
// SPEC_FULL.md §3: "a rank that is marked DOWN in the current map
// version is vacuously done").
func (g *GlobalTracker) MarkFailedRanksDone(failedRanks []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range failedRanks {
		g.excluded[r] = true
		if st, ok := g.ranks[r]; ok {
			st.scanDone = true
			st.pullDone = true
		}
	}
}

// ReportScanDone sets scan_done unconditionally on first receipt, even
// if pull isn't true yet (spec.md §4.2.4).
func (g *GlobalTracker) ReportScanDone(rank uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.rankLocked(rank)
	st.scanDone = true
}

// IsGlobalScanDone reports whether every non-excluded rank has
// scan_done set.
func (g *GlobalTracker) IsGlobalScanDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allLocked(func(st *perRankState) bool { return st.scanDone })
}

// ReportPull applies a per-target pull_done report, honoring spec.md
// §3/§4.2.4's ordering invariant: pull_done is only trustworthy once the
// global scan is done, UNLESS the report carries a non-zero error (in
// which case the pull report is also final regardless of global scan
// state). counters is a delta unless reReport is set, in which case it
// replaces the rank's absolute contribution: each rank's current
// snapshot is kept in its own perRankState.contrib, and the task's
// global totals are the sum of every rank's contrib, so one rank's
// reReport never clobbers another rank's already-accumulated share
// (spec.md §4.2.4).
func (g *GlobalTracker) ReportPull(rank uint32, errno int32, reReport bool, delta Counters) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.rankLocked(rank)

	globalScanDone := g.allLocked(func(s *perRankState) bool { return s.scanDone })
	if !globalScanDone && errno == 0 {
		// pull report arrives before global scan is done and carries no
		// error: not yet trustworthy (spec.md §3 invariant).
		return
	}

	if errno != 0 && st.errno == 0 {
		st.errno = errno
		if g.Errno == 0 {
			g.Errno = errno
		}
	}
	st.pullDone = true

	if reReport {
		st.contrib = delta
	} else {
		st.contrib.ToRebuildObjs += delta.ToRebuildObjs
		st.contrib.RebuiltObjs += delta.RebuiltObjs
		st.contrib.Records += delta.Records
		st.contrib.Bytes += delta.Bytes
		st.contrib.Seconds += delta.Seconds
	}
	g.recomputeTotalsLocked()
}

// recomputeTotalsLocked resums the task's global counters from every
// rank's current contrib snapshot.
func (g *GlobalTracker) recomputeTotalsLocked() {
	var tot Counters
	for _, st := range g.ranks {
		tot.ToRebuildObjs += st.contrib.ToRebuildObjs
		tot.RebuiltObjs += st.contrib.RebuiltObjs
		tot.Records += st.contrib.Records
		tot.Bytes += st.contrib.Bytes
		tot.Seconds += st.contrib.Seconds
	}
	g.ToRebuildObjs = tot.ToRebuildObjs
	g.RebuiltObjs = tot.RebuiltObjs
	g.Records = tot.Records
	g.Bytes = tot.Bytes
	g.Seconds = tot.Seconds
}

// Counters is the aggregate progress snapshot spec.md §3 names on
// GlobalTracker: {to_rebuild_objs, rebuilt_objs, records, bytes,
// seconds}. errno is carried separately, not in Counters.
type Counters struct {
	ToRebuildObjs, RebuiltObjs uint64
	Records, Bytes             uint64
	Seconds                    float64
}

func (g *GlobalTracker) rankLocked(rank uint32) *perRankState {
	st, ok := g.ranks[rank]
	if !ok {
		st = &perRankState{}
		g.ranks[rank] = st
	}
	return st
}

func (g *GlobalTracker) allLocked(pred func(*perRankState) bool) bool {
	for _, st := range g.ranks {
		if !pred(st) {
			return false
		}
	}
	return true
}

// IsGlobalDone reports whether every rank is scan_done AND pull_done
// (spec.md §3, §4.2.3: task-driver exits the status-check loop on
// is_global_done).
func (g *GlobalTracker) IsGlobalDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allLocked(func(st *perRankState) bool { return st.scanDone && st.pullDone })
}

// PullDoneCount / ScanDoneCount support the testable invariant spec.md
// §8.5: pull_done_count(t) <= scan_done_count(t) at all times except
// ranks reporting with error.
func (g *GlobalTracker) PullDoneCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, st := range g.ranks {
		if st.pullDone {
			n++
		}
	}
	return n
}

func (g *GlobalTracker) ScanDoneCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, st := range g.ranks {
		if st.scanDone {
			n++
		}
	}
	return n
}

func (g *GlobalTracker) SetAbort() {
	g.mu.Lock()
	g.abort = true
	g.mu.Unlock()
}

func (g *GlobalTracker) Aborted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abort
}

// Ranks returns the set of ranks this tracker was seeded with, so a
// caller polling per-rank IV report keys knows which keys to fetch
// (spec.md §4.2.4).
func (g *GlobalTracker) Ranks() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint32, 0, len(g.ranks))
	for r := range g.ranks {
		out = append(out, r)
	}
	return out
}

func (g *GlobalTracker) SetStableEpoch(e uint64) {
	g.mu.Lock()
	if e > g.StableEpoch {
		g.StableEpoch = e
	}
	g.mu.Unlock()
}
