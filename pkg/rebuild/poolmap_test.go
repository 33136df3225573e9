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
	"github.com/stretchr/testify/require"

	"github.com/datacluster-io/swimreb/internal/config"
)

type fakePoolMap struct {
	targets         []uint32
	states          map[uint32]TargetState
	failureSeq      map[uint32]uint64
	inVersion       map[uint32]uint64
	selfHealing     bool
}

func (m *fakePoolMap) Version() uint64                 { return 1 }
func (m *fakePoolMap) Targets(pool string) []uint32    { return m.targets }
func (m *fakePoolMap) TargetState(pool string, target uint32) TargetState {
	return m.states[target]
}
func (m *fakePoolMap) FailureSequence(pool string, target uint32) uint64 { return m.failureSeq[target] }
func (m *fakePoolMap) InVersion(pool string, target uint32) uint64      { return m.inVersion[target] }
func (m *fakePoolMap) SelfHealingEnabled(pool string) bool              { return m.selfHealing }

func newTestLeader() *Leader {
	return NewLeader(config.Default(), nil, nil, nil)
}

func TestGenerateTasksMapsDownAndDrainToFailAndDrain(t *testing.T) {
	l := newTestLeader()
	m := &fakePoolMap{
		targets:     []uint32{1, 2},
		states:      map[uint32]TargetState{1: TargetDown, 2: TargetDraining},
		failureSeq:  map[uint32]uint64{1: 7, 2: 9},
		selfHealing: true,
	}

	l.GenerateTasks("p1", m)

	tasks := l.queue.Queued("p1")
	require.Len(t, tasks, 2)
	assert.Equal(t, OpFail, tasks[0].Op)
	assert.Equal(t, uint64(7), tasks[0].MapVersion)
	assert.Equal(t, OpDrain, tasks[1].Op)
	assert.Equal(t, uint64(9), tasks[1].MapVersion)
}

func TestGenerateTasksSkipsDownDrainWhenSelfHealingDisabled(t *testing.T) {
	l := newTestLeader()
	m := &fakePoolMap{
		targets:     []uint32{1, 2},
		states:      map[uint32]TargetState{1: TargetDown, 2: TargetDraining},
		failureSeq:  map[uint32]uint64{1: 7, 2: 9},
		selfHealing: false,
	}

	l.GenerateTasks("p1", m)

	tasks := l.queue.Queued("p1")
	assert.Empty(t, tasks, "DOWN/DRAIN regeneration must be gated on self-healing")
}

func TestGenerateTasksMapsUpAndNewToReintAndExtend(t *testing.T) {
	l := newTestLeader()
	m := &fakePoolMap{
		targets:     []uint32{3, 4},
		states:      map[uint32]TargetState{3: TargetUp, 4: TargetNew},
		inVersion:   map[uint32]uint64{3: 20, 4: 21},
		selfHealing: false, // UP/NEW must not be gated by self-healing
	}

	l.GenerateTasks("p1", m)

	tasks := l.queue.Queued("p1")
	require.Len(t, tasks, 2)
	assert.Equal(t, OpReint, tasks[0].Op)
	assert.Equal(t, uint64(20), tasks[0].MapVersion)
	assert.Equal(t, OpExtend, tasks[1].Op)
	assert.Equal(t, uint64(21), tasks[1].MapVersion)
}
