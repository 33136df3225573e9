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
	"github.com/stretchr/testify/require"
)

// TestScheduleMerge is spec.md §8 scenario 4: FAIL({3}, v=10) then
// FAIL({4}, v=12) on the same pool collapses to FAIL({3,4}, v=12).
func TestScheduleMerge(t *testing.T) {
	q := NewQueue(10)
	q.Schedule("p1", 10, []uint32{3}, OpFail, 0)
	q.Schedule("p1", 12, []uint32{4}, OpFail, 0)

	tasks := q.Queued("p1")
	require.Len(t, tasks, 1)
	assert.Equal(t, uint64(12), tasks[0].MapVersion)
	assert.Contains(t, tasks[0].Targets, uint32(3))
	assert.Contains(t, tasks[0].Targets, uint32(4))
}

// TestScheduleMergeSafety is spec.md §8 scenario 5: FAIL({3}, v=10),
// REINT({9}, v=11), FAIL({4}, v=12) must NOT merge FAIL({4}) into
// FAIL({3}) because a REINT lies between them; queue length stays 3.
func TestScheduleMergeSafety(t *testing.T) {
	q := NewQueue(10)
	q.Schedule("p1", 10, []uint32{3}, OpFail, 0)
	q.Schedule("p1", 11, []uint32{9}, OpReint, 0)
	q.Schedule("p1", 12, []uint32{4}, OpFail, 0)

	tasks := q.Queued("p1")
	require.Len(t, tasks, 3)
	assert.Equal(t, uint64(10), tasks[0].MapVersion)
	assert.Equal(t, OpFail, tasks[0].Op)
	assert.Equal(t, uint64(11), tasks[1].MapVersion)
	assert.Equal(t, OpReint, tasks[1].Op)
	assert.Equal(t, uint64(12), tasks[2].MapVersion)
	assert.Equal(t, OpFail, tasks[2].Op)
}

func TestScheduleIdempotentSameOp(t *testing.T) {
	q := NewQueue(10)
	q.Schedule("p1", 5, []uint32{1}, OpFail, 0)
	q.Schedule("p1", 5, []uint32{1}, OpFail, 0)

	tasks := q.Queued("p1")
	require.Len(t, tasks, 1)
	assert.Len(t, tasks[0].Targets, 1)
}

func TestDispatchRespectsOneRunningPerPool(t *testing.T) {
	q := NewQueue(10)
	q.Schedule("p1", 1, []uint32{1}, OpFail, 0)
	q.Schedule("p1", 2, []uint32{2}, OpReint, 0)

	first := q.Dispatch()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.MapVersion)

	second := q.Dispatch()
	assert.Nil(t, second, "pool p1 already has a running task")

	q.Finish("p1")
	second = q.Dispatch()
	require.NotNil(t, second)
	assert.Equal(t, uint64(2), second.MapVersion)
}

func TestDispatchRespectsMaxInflight(t *testing.T) {
	q := NewQueue(1)
	q.Schedule("p1", 1, []uint32{1}, OpFail, 0)
	q.Schedule("p2", 1, []uint32{1}, OpFail, 0)

	first := q.Dispatch()
	require.NotNil(t, first)
	second := q.Dispatch()
	assert.Nil(t, second, "max inflight is 1")
}

func TestLeaderStopRemovesQueuedAndAbortsRunning(t *testing.T) {
	q := NewQueue(10)
	q.Schedule("p1", 1, []uint32{1}, OpFail, 0)
	running := q.Dispatch()
	require.NotNil(t, running)
	q.Schedule("p1", 2, []uint32{2}, OpReint, 0)

	// abort only flags the task; it must not call back into the queue
	// while LeaderStop holds q.mu. The simulated task driver below
	// finishes asynchronously once it observes the abort, the way a
	// real runTaskDriver would after its select on ctx.Done() returns.
	done := make(chan struct{})
	go func() {
		q.LeaderStop("p1", 1, func(t *RebuildTask) {
			go q.Finish("p1")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LeaderStop never returned")
	}

	tasks := q.Queued("p1")
	require.Len(t, tasks, 1)
	assert.Equal(t, uint64(2), tasks[0].MapVersion)
}
