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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newGlobalTrackerForTest(ranks []uint32) *GlobalTracker {
	task := newTask("p1", 10, OpFail, ranks, 0)
	return NewGlobalTracker(task, ranks, 1)
}

// TestPullDoneGatedOnGlobalScanDone is spec.md §8.5: pull_done_count(t)
// must never exceed scan_done_count(t) except for ranks reporting with
// a non-zero error.
func TestPullDoneGatedOnGlobalScanDone(t *testing.T) {
	g := newGlobalTrackerForTest([]uint32{1, 2, 3})

	g.ReportScanDone(1)
	// global scan not done (2 and 3 haven't reported); a zero-errno pull
	// report must be dropped.
	g.ReportPull(1, 0, false, Counters{RebuiltObjs: 5})
	assert.Equal(t, 0, g.PullDoneCount())
	assert.True(t, g.PullDoneCount() <= g.ScanDoneCount())

	g.ReportScanDone(2)
	g.ReportScanDone(3)
	assert.True(t, g.IsGlobalScanDone())

	g.ReportPull(1, 0, false, Counters{RebuiltObjs: 5})
	assert.Equal(t, 1, g.PullDoneCount())
	assert.True(t, g.PullDoneCount() <= g.ScanDoneCount())
}

// TestPullDoneWithErrorBypassesScanGate is the documented exception:
// an errored pull report is final even before the global scan is done.
func TestPullDoneWithErrorBypassesScanGate(t *testing.T) {
	g := newGlobalTrackerForTest([]uint32{1, 2})

	g.ReportPull(1, 5, false, Counters{})
	assert.Equal(t, 1, g.PullDoneCount())
	assert.Equal(t, int32(5), g.Errno)
}

func TestReReportReplacesAbsoluteCounters(t *testing.T) {
	g := newGlobalTrackerForTest([]uint32{1})
	g.ReportScanDone(1)

	g.ReportPull(1, 0, true, Counters{RebuiltObjs: 100, Bytes: 1000})
	assert.Equal(t, uint64(100), g.RebuiltObjs)
	assert.Equal(t, uint64(1000), g.Bytes)

	g.ReportPull(1, 0, true, Counters{RebuiltObjs: 150, Bytes: 1500})
	assert.Equal(t, uint64(150), g.RebuiltObjs, "reReport replaces, does not add")
}

func TestDeltaCountersAccumulate(t *testing.T) {
	g := newGlobalTrackerForTest([]uint32{1})
	g.ReportScanDone(1)

	g.ReportPull(1, 0, false, Counters{RebuiltObjs: 10})
	g.ReportPull(1, 0, false, Counters{RebuiltObjs: 5})
	assert.Equal(t, uint64(15), g.RebuiltObjs)
}

func TestMarkFailedRanksDoneIsVacuous(t *testing.T) {
	g := newGlobalTrackerForTest([]uint32{1, 2, 3})
	g.MarkFailedRanksDone([]uint32{2})

	assert.False(t, g.IsGlobalScanDone())
	g.ReportScanDone(1)
	g.ReportScanDone(3)
	assert.True(t, g.IsGlobalScanDone(), "rank 2 is vacuously scan_done via MarkFailedRanksDone")

	g.ReportPull(1, 0, false, Counters{})
	g.ReportPull(3, 0, false, Counters{})
	assert.True(t, g.IsGlobalDone(), "rank 2 is vacuously pull_done too")
}

func TestGlobalTrackerRefcountPutSignalsWaitDone(t *testing.T) {
	g := newGlobalTrackerForTest([]uint32{1})
	g.Get() // refcount now 2

	done := make(chan struct{})
	go func() {
		g.WaitDone()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitDone returned before refcount reached zero")
	default:
	}

	g.Put() // 2 -> 1, still held
	g.Put() // 1 -> 0, signals
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitDone never unblocked after refcount reached zero")
	}
}

func TestSetStableEpochTracksMax(t *testing.T) {
	g := newGlobalTrackerForTest([]uint32{1})
	g.SetStableEpoch(5)
	g.SetStableEpoch(3)
	assert.Equal(t, uint64(5), g.StableEpoch, "stable epoch never regresses")
	g.SetStableEpoch(9)
	assert.Equal(t, uint64(9), g.StableEpoch)
}
