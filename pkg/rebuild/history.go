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

const completionHistoryCap = 8

// CompletionRecord is a retained summary of a finished task (spec.md
// §4.2.5).
type CompletionRecord struct {
	PoolID     string
	MapVersion uint64
	Op         Op
	Done       bool
	Errno      int32
}

// CompletionHistory is the bounded per-pool lookup table of most
// recently completed tasks (spec.md §4.2.5), so late query(pool) calls
// after tracker destruction still return a meaningful result. Evicts
// oldest entries past completionHistoryCap per pool, matching
// SPEC_FULL.md §3's note on rebuild_globalboard_lookup's fixed-size
// eviction.
type CompletionHistory struct {
	mu      sync.Mutex
	byPool  map[string][]CompletionRecord // newest last
}

func NewCompletionHistory() *CompletionHistory {
	return &CompletionHistory{byPool: map[string][]CompletionRecord{}}
}

func (h *CompletionHistory) Record(r CompletionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.byPool[r.PoolID], r)
	if len(list) > completionHistoryCap {
		list = list[len(list)-completionHistoryCap:]
	}
	h.byPool[r.PoolID] = list
}

// Latest returns pool's most recently completed record for mapVersion,
// if retained.
func (h *CompletionHistory) Latest(pool string, mapVersion uint64) (CompletionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byPool[pool]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].MapVersion == mapVersion {
			return list[i], true
		}
	}
	return CompletionRecord{}, false
}

// LatestForPool returns the single most recent completion for pool
// regardless of version, used by query(pool) when no version is named.
func (h *CompletionHistory) LatestForPool(pool string) (CompletionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byPool[pool]
	if len(list) == 0 {
		return CompletionRecord{}, false
	}
	return list[len(list)-1], true
}
