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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacluster-io/swimreb/internal/config"
	"github.com/datacluster-io/swimreb/internal/rpc"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DefaultPingTimeoutMS = 30
	cfg.SuspectTimeoutMS = 300
	return cfg
}

func newTestCluster(t *testing.T, n int) ([]*Engine, []*rpc.Fake) {
	t.Helper()
	engines := make([]*Engine, n)
	fakes := make([]*rpc.Fake, n)
	for i := 0; i < n; i++ {
		f := rpc.NewFake(uint32(i))
		fakes[i] = f
	}
	for i := 0; i < n; i++ {
		e := New(testConfig(), fakes[i])
		require.NoError(t, e.Init(uint32(i), 0))
		engines[i] = e
	}
	// cross-register every engine's handler + HLC source into every fake,
	// so any fake can route to any rank.
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			fakes[i].Register(uint32(j), engines[j], engines[j].clock.Now)
		}
	}
	for i := 0; i < n; i++ {
		for r := 0; r < n; r++ {
			if r == i {
				continue
			}
			require.NoError(t, engines[i].RankAdd(uint32(r)))
		}
	}
	return engines, fakes
}

func TestMergePrecedence(t *testing.T) {
	engines, _ := newTestCluster(t, 2)
	e := engines[0]

	e.csmLock.Lock()
	changed := e.mergeLocked(UpdateRecord{ID: 1, Incarnation: 5, Status: Suspect})
	e.csmLock.Unlock()
	require.True(t, changed)
	m, err := e.StateGet(1)
	require.NoError(t, err)
	assert.Equal(t, Suspect, m.Status)

	// lower incarnation is ignored.
	e.csmLock.Lock()
	changed = e.mergeLocked(UpdateRecord{ID: 1, Incarnation: 4, Status: Alive})
	e.csmLock.Unlock()
	assert.False(t, changed)

	// equal incarnation, DEAD dominates SUSPECT.
	e.csmLock.Lock()
	changed = e.mergeLocked(UpdateRecord{ID: 1, Incarnation: 5, Status: Dead})
	e.csmLock.Unlock()
	require.True(t, changed)
	m, _ = e.StateGet(1)
	assert.Equal(t, Dead, m.Status)

	// equal incarnation, ALIVE does not override DEAD (lower precedence).
	e.csmLock.Lock()
	changed = e.mergeLocked(UpdateRecord{ID: 1, Incarnation: 5, Status: Alive})
	e.csmLock.Unlock()
	assert.False(t, changed)
}

func TestSelfSuspicionBumpsIncarnation(t *testing.T) {
	engines, _ := newTestCluster(t, 2)
	e := engines[0]

	before, err := e.SelfIncarnationGet()
	require.NoError(t, err)

	e.csmLock.Lock()
	e.mergeLocked(UpdateRecord{ID: e.self, Incarnation: before + 1, Status: Suspect})
	e.csmLock.Unlock()

	after, err := e.SelfIncarnationGet()
	require.NoError(t, err)
	assert.True(t, after > before, "self-suspicion must bump the incarnation")

	m, err := e.StateGet(e.self)
	require.NoError(t, err)
	assert.Equal(t, Alive, m.Status, "self is never stored as SUSPECT/DEAD")
}

func TestUnknownMemberIgnored(t *testing.T) {
	engines, _ := newTestCluster(t, 2)
	e := engines[0]
	e.csmLock.Lock()
	changed := e.mergeLocked(UpdateRecord{ID: 999, Incarnation: 1, Status: Dead})
	e.csmLock.Unlock()
	assert.False(t, changed)
	_, err := e.StateGet(999)
	assert.Error(t, err)
}

func TestAccommodateClampsWithinBounds(t *testing.T) {
	engines, _ := newTestCluster(t, 2)
	e := engines[0]

	e.csmLock.Lock()
	m, _ := e.list.get(1)
	m.DelayMS = 100000 // deliberately huge to exercise the upper clamp
	e.list.set(m)
	e.accommodateLocked()
	pt := e.pingTimeout
	e.csmLock.Unlock()

	assert.True(t, pt >= e.cfg.PingTimeout(), "accommodate must not clamp below the configured ping timeout")
	assert.True(t, pt <= e.cfg.SuspectTimeout()/3, "accommodate must clamp to at most a third of the suspect timeout")
}

func TestRingAdvanceSkipsSelfAndDead(t *testing.T) {
	l := newMemberList(1)
	l.insert(Member{ID: 0, Status: Alive})
	l.insert(Member{ID: 1, Status: Alive})
	l.insert(Member{ID: 2, Status: Dead})
	l.insert(Member{ID: 3, Status: Alive})

	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		m, ok := l.advance(0)
		if !ok {
			break
		}
		assert.NotEqual(t, uint32(0), m.ID)
		assert.NotEqual(t, Dead, m.Status)
		seen[m.ID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[3])
	assert.False(t, seen[2])
}

func TestRankAddDelIdempotent(t *testing.T) {
	engines, _ := newTestCluster(t, 3)
	e := engines[0]

	require.Error(t, e.RankAdd(1)) // already present from newTestCluster

	require.NoError(t, e.RankDel(2))
	require.NoError(t, e.RankAdd(2))
	_, err := e.StateGet(2)
	require.NoError(t, err)
}

func TestSingleNodeFailureDetection(t *testing.T) {
	engines, fakes := newTestCluster(t, 4)
	// rank 3 goes silent: every fake drops traffic addressed to it.
	for _, f := range fakes {
		f.SetDrop(3, true)
	}

	var sawDead bool
	engines[0].Subscribe(func(ev Event) {
		if ev.Rank == 3 && ev.Kind == EventDead {
			sawDead = true
		}
	})

	for i, e := range engines {
		if i == 3 {
			continue
		}
		require.NoError(t, e.Enable(0))
	}
	defer func() {
		for i, e := range engines {
			if i == 3 {
				continue
			}
			_ = e.Disable(0)
		}
	}()

	deadline := time.After(4 * time.Second)
	for !sawDead {
		select {
		case <-deadline:
			t.Fatal("node 3 was never declared DEAD")
		case <-time.After(10 * time.Millisecond):
		}
	}

	m, err := engines[0].StateGet(3)
	require.NoError(t, err)
	assert.Equal(t, Dead, m.Status)
}

func TestFaultInjectorArmsByHLCDeadline(t *testing.T) {
	engines, _ := newTestCluster(t, 2)
	e := engines[0]
	fi := e.Faults()

	assert.False(t, fi.ShouldDrop(1))
	fi.Arm(1, 1_000_000_000) // far future
	assert.False(t, fi.ShouldDrop(1))

	fi.Arm(1, 0) // immediate
	assert.True(t, fi.ShouldDrop(1))
}
