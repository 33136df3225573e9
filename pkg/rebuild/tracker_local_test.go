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

	"github.com/stretchr/testify/assert"
)

func TestLocalTrackerFenceLifecycle(t *testing.T) {
	lt := NewLocalTracker("p1", 10, OpFail, 1)

	_, ok := lt.FenceOf("c1")
	assert.False(t, ok)

	lt.FenceContainer("c1", 100)
	v, ok := lt.FenceOf("c1")
	assert.True(t, ok)
	assert.Equal(t, uint64(100), v)

	lt.ClearFence("c1")
	_, ok = lt.FenceOf("c1")
	assert.False(t, ok)
}

func TestLocalTrackerSetLeaderTermRejectsStale(t *testing.T) {
	lt := NewLocalTracker("p1", 10, OpFail, 5)

	assert.False(t, lt.SetLeaderTerm(3), "a stale broadcast term must be rejected")
	assert.Equal(t, uint64(5), lt.LeaderTerm)

	assert.True(t, lt.SetLeaderTerm(7), "a fresher term must take precedence")
	assert.Equal(t, uint64(7), lt.LeaderTerm)
}

func TestLocalTrackerUpdateCountersDeltaThenReReport(t *testing.T) {
	lt := NewLocalTracker("p1", 10, OpFail, 1)

	delta, reReport := lt.UpdateCounters(Counters{RebuiltObjs: 10, Bytes: 100})
	assert.False(t, reReport)
	assert.Equal(t, uint64(10), delta.RebuiltObjs)

	delta, reReport = lt.UpdateCounters(Counters{RebuiltObjs: 25, Bytes: 250})
	assert.False(t, reReport)
	assert.Equal(t, uint64(15), delta.RebuiltObjs, "second call reports only the increment")
	assert.Equal(t, uint64(150), delta.Bytes)

	lt.RequestReReport()
	abs, reReport := lt.UpdateCounters(Counters{RebuiltObjs: 40, Bytes: 400})
	assert.True(t, reReport)
	assert.Equal(t, uint64(40), abs.RebuiltObjs, "a reReport cycle sends the absolute snapshot")

	// the cycle after a reReport goes back to deltas against the new baseline.
	delta, reReport = lt.UpdateCounters(Counters{RebuiltObjs: 45, Bytes: 450})
	assert.False(t, reReport)
	assert.Equal(t, uint64(5), delta.RebuiltObjs)
}

// TestLocalTrackerClampNonDecreasing is spec.md §4.3.2 step 2: a
// worker-local counter regression (e.g. a target excluded and its
// in-flight count lost) must never move the reported total backward.
func TestLocalTrackerClampNonDecreasing(t *testing.T) {
	lt := NewLocalTracker("p1", 10, OpFail, 1)

	lt.UpdateCounters(Counters{RebuiltObjs: 100})
	delta, _ := lt.UpdateCounters(Counters{RebuiltObjs: 40}) // regressed input
	assert.Equal(t, uint64(0), delta.RebuiltObjs, "clamped to the prior high-water mark")
	assert.Equal(t, uint64(100), lt.Counters.RebuiltObjs)
}

func TestLocalTrackerRefcountDrain(t *testing.T) {
	lt := NewLocalTracker("p1", 10, OpFail, 1)
	lt.Get() // refcount 2

	done := make(chan struct{})
	go func() {
		lt.WaitRefDrain()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitRefDrain returned while a reference was still held")
	default:
	}

	lt.Put()
	lt.Put()
	<-done
}

func TestLocalTrackerShouldExit(t *testing.T) {
	lt := NewLocalTracker("p1", 10, OpFail, 1)
	assert.False(t, lt.ShouldExit())

	lt.SetAbort()
	assert.True(t, lt.ShouldExit())

	lt2 := NewLocalTracker("p1", 10, OpFail, 1)
	lt2.SetGlobalDone()
	assert.True(t, lt2.ShouldExit())
}
