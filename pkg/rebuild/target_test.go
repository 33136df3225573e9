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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacluster-io/swimreb/internal/iv"
)

type fakeWorker struct {
	mu       sync.Mutex
	prepared bool
	scanDone bool
	counters Counters
	errno    int32
}

func (w *fakeWorker) Prepare(ctx context.Context, t *RebuildTask) error {
	w.mu.Lock()
	w.prepared = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWorker) Status(ctx context.Context) (Counters, bool, int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters, w.scanDone, w.errno
}

func (w *fakeWorker) setDone(c Counters) {
	w.mu.Lock()
	w.counters = c
	w.scanDone = true
	w.mu.Unlock()
}

type fakeFencer struct {
	mu         sync.Mutex
	fenced     []string
	cleared    []string
}

func (f *fakeFencer) FenceAll(ctx context.Context, pool string, hlcNow uint64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenced = []string{"cont-a", "cont-b"}
	return f.fenced, nil
}

func (f *fakeFencer) ClearFence(ctx context.Context, pool string, containers []string, hlcEnd uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, containers...)
	return nil
}

func TestOnScanStartFencesAndPreparesWorkers(t *testing.T) {
	tree := iv.NewMemTree()
	fencer := &fakeFencer{}
	tg := NewTarget(20*time.Millisecond, 1, nil, tree, fencer)

	w1, w2 := &fakeWorker{}, &fakeWorker{}
	lt, err := tg.OnScanStart(context.Background(), ScanStartRequest{
		PoolID: "p1", MapVersion: 10, Op: OpFail, LeaderTerm: 1,
	}, []LocalWorker{w1, w2}, 100)
	require.NoError(t, err)

	assert.True(t, w1.prepared)
	assert.True(t, w2.prepared)
	_, ok := lt.FenceOf("cont-a")
	assert.True(t, ok)
	_, ok = lt.FenceOf("cont-b")
	assert.True(t, ok)
}

func TestOnScanStartStaleLeaderTermIsRejected(t *testing.T) {
	tree := iv.NewMemTree()
	fencer := &fakeFencer{}
	tg := NewTarget(20*time.Millisecond, 1, nil, tree, fencer)

	first, err := tg.OnScanStart(context.Background(), ScanStartRequest{
		PoolID: "p1", MapVersion: 10, Op: OpFail, LeaderTerm: 5,
	}, nil, 100)
	require.NoError(t, err)

	second, err := tg.OnScanStart(context.Background(), ScanStartRequest{
		PoolID: "p1", MapVersion: 11, Op: OpFail, LeaderTerm: 2, // stale term
	}, nil, 100)
	require.NoError(t, err)
	assert.True(t, first == second, "a stale-term broadcast must not replace the in-flight tracker")
}

func TestStatusCheckULTReportsUntilGlobalDone(t *testing.T) {
	tree := iv.NewMemTree()
	fencer := &fakeFencer{}
	tg := NewTarget(10*time.Millisecond, 1, nil, tree, fencer)

	lt := NewLocalTracker("p1", 10, OpFail, 1)
	w := &fakeWorker{}
	w.setDone(Counters{RebuiltObjs: 42})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tg.StatusCheckULT(ctx, lt, []LocalWorker{w}, 3)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		raw, ok, _ := tree.Fetch(context.Background(), "p1", targetReportKey(3))
		if ok && len(raw) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("target never sent a status report")
		case <-time.After(5 * time.Millisecond):
		}
	}

	lt.SetGlobalDone()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StatusCheckULT did not exit after GlobalDone")
	}
}

func TestFinalizeWaitsForRefsAndClearsFence(t *testing.T) {
	tree := iv.NewMemTree()
	fencer := &fakeFencer{}
	tg := NewTarget(10*time.Millisecond, 1, nil, tree, fencer)

	lt, err := tg.OnScanStart(context.Background(), ScanStartRequest{
		PoolID: "p1", MapVersion: 1, Op: OpFail, LeaderTerm: 1,
	}, nil, 100)
	require.NoError(t, err)

	err = tg.Finalize(context.Background(), lt, 200)
	require.NoError(t, err)

	_, ok := lt.FenceOf("cont-a")
	assert.False(t, ok, "Finalize must clear every fenced container")
	assert.Len(t, fencer.cleared, 2)
	assert.Contains(t, fencer.cleared, "cont-a")
	assert.Contains(t, fencer.cleared, "cont-b")
}
