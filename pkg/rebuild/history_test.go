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
)

func TestCompletionHistoryLatest(t *testing.T) {
	h := NewCompletionHistory()
	h.Record(CompletionRecord{PoolID: "p1", MapVersion: 1, Op: OpFail, Done: true})
	h.Record(CompletionRecord{PoolID: "p1", MapVersion: 2, Op: OpReint, Done: true, Errno: 7})

	r, ok := h.Latest("p1", 1)
	require.True(t, ok)
	assert.True(t, r.Done)
	assert.Equal(t, OpFail, r.Op)

	r, ok = h.LatestForPool("p1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.MapVersion)
	assert.Equal(t, int32(7), r.Errno)
}

func TestCompletionHistoryUnknownQueryMisses(t *testing.T) {
	h := NewCompletionHistory()
	_, ok := h.Latest("nosuchpool", 1)
	assert.False(t, ok)
	_, ok = h.LatestForPool("nosuchpool")
	assert.False(t, ok)
}

// TestCompletionHistoryEvicts is spec.md §4.2.5: the per-pool lookup
// table is bounded, evicting oldest entries past capacity.
func TestCompletionHistoryEvicts(t *testing.T) {
	h := NewCompletionHistory()
	for v := uint64(1); v <= uint64(completionHistoryCap)+3; v++ {
		h.Record(CompletionRecord{PoolID: "p1", MapVersion: v, Op: OpFail, Done: true})
	}

	// the oldest 3 versions (1, 2, 3) must have been evicted.
	_, ok := h.Latest("p1", 1)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = h.Latest("p1", 3)
	assert.False(t, ok, "oldest entry should have been evicted")

	// the newest completionHistoryCap entries remain.
	r, ok := h.Latest("p1", uint64(completionHistoryCap)+3)
	require.True(t, ok)
	assert.Equal(t, uint64(completionHistoryCap)+3, r.MapVersion)

	r, ok = h.LatestForPool("p1")
	require.True(t, ok)
	assert.Equal(t, uint64(completionHistoryCap)+3, r.MapVersion)
}

func TestCompletionHistoryPerPoolIndependence(t *testing.T) {
	h := NewCompletionHistory()
	h.Record(CompletionRecord{PoolID: "p1", MapVersion: 1, Done: true})
	h.Record(CompletionRecord{PoolID: "p2", MapVersion: 1, Done: false, Errno: 3})

	r1, ok := h.LatestForPool("p1")
	require.True(t, ok)
	assert.True(t, r1.Done)

	r2, ok := h.LatestForPool("p2")
	require.True(t, ok)
	assert.False(t, r2.Done)
	assert.Equal(t, int32(3), r2.Errno)
}
