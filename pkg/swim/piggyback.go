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

import "github.com/rs/xid"

// piggybackEntry is one update queued for dissemination, with a
// per-update retransmit counter bounded at K*log(N) (spec.md §4.1.1).
type piggybackEntry struct {
	token    xid.ID // stable identity for this dissemination round, rs/xid
	record   UpdateRecord
	sent     int
	maxSends int
}

// piggybackQueue holds the bounded dissemination set each PING/IREQ draws
// piggybacked updates from.
type piggybackQueue struct {
	entries []*piggybackEntry
	maxSends func() int // K*log(N), recomputed against current member count
}

func newPiggybackQueue(maxSendsFn func() int) *piggybackQueue {
	return &piggybackQueue{maxSends: maxSendsFn}
}

// push enqueues a fresh update for dissemination, replacing any existing
// entry for the same member id so only the newest status disseminates.
func (q *piggybackQueue) push(rec UpdateRecord) {
	for i, e := range q.entries {
		if e.record.ID == rec.ID {
			q.entries[i] = &piggybackEntry{token: xid.New(), record: rec, maxSends: q.maxSends()}
			return
		}
	}
	q.entries = append(q.entries, &piggybackEntry{token: xid.New(), record: rec, maxSends: q.maxSends()})
}

// draw returns up to n records to attach to an outgoing message and bumps
// their retransmit counters, pruning any that have hit their bound.
func (q *piggybackQueue) draw(n int) []UpdateRecord {
	out := make([]UpdateRecord, 0, n)
	kept := q.entries[:0]
	for _, e := range q.entries {
		if len(out) < n {
			out = append(out, e.record)
			e.sent++
		}
		if e.sent < e.maxSends {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return out
}
