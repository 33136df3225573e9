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
	"math/rand"
)

// memberList is the ordered-cyclic sequence of members described in
// spec.md §3 / §9: "represent as an arena (vector of member records) + an
// index-based doubly-linked ring; cursor is an index." This replaces the
// pointer-heavy intrusive list DAOS uses in C with slice indices, which
// keeps the ring free of per-node heap allocation/lifetime coupling.
//
// Callers (Engine) are responsible for holding csmLock; memberList itself
// does no locking.
type memberList struct {
	slots  []slot
	byID   map[uint32]int
	cursor int // index of the next probe target's predecessor
	rng    *rand.Rand
}

type slot struct {
	member Member
	next   int // index into slots, or -1
	prev   int
	tomb   bool // true once removed; index retained to avoid reshuffling others
}

func newMemberList(seed int64) *memberList {
	return &memberList{
		byID: map[uint32]int{},
		rng:  rand.New(rand.NewSource(seed)),
		cursor: -1,
	}
}

// insert adds a new member and links it into the ring. The cursor is
// shuffled to a random live offset afterward (spec.md §3: "on insertion
// of a new peer, the cursor is shuffled to a random offset to avoid
// synchronized probing across nodes").
func (l *memberList) insert(m Member) {
	if _, exists := l.byID[m.ID]; exists {
		return
	}
	idx := len(l.slots)
	l.slots = append(l.slots, slot{member: m, next: -1, prev: -1})
	l.byID[m.ID] = idx
	l.relink()
	l.shuffleCursor()
}

// relink rebuilds the live-member doubly-linked ring over non-tombstoned
// slots. Membership changes are rare relative to probes (spec.md §3), so
// an O(n) rebuild on insert/remove is the right trade against intrusive
// pointer bookkeeping.
func (l *memberList) relink() {
	live := make([]int, 0, len(l.slots))
	for i, s := range l.slots {
		if !s.tomb {
			live = append(live, i)
		}
	}
	for pos, idx := range live {
		nextPos := (pos + 1) % len(live)
		prevPos := (pos - 1 + len(live)) % len(live)
		l.slots[idx].next = live[nextPos]
		l.slots[idx].prev = live[prevPos]
	}
	if len(live) == 0 {
		l.cursor = -1
	} else if l.cursor == -1 || l.slots[l.cursor].tomb {
		l.cursor = live[0]
	}
}

func (l *memberList) shuffleCursor() {
	live := l.liveIndices()
	if len(live) == 0 {
		l.cursor = -1
		return
	}
	l.cursor = live[l.rng.Intn(len(live))]
}

func (l *memberList) liveIndices() []int {
	out := make([]int, 0, len(l.slots))
	for i, s := range l.slots {
		if !s.tomb {
			out = append(out, i)
		}
	}
	return out
}

// remove tombstones id's slot and relinks the ring.
func (l *memberList) remove(id uint32) bool {
	idx, ok := l.byID[id]
	if !ok {
		return false
	}
	l.slots[idx].tomb = true
	delete(l.byID, id)
	l.relink()
	return true
}

func (l *memberList) get(id uint32) (Member, bool) {
	idx, ok := l.byID[id]
	if !ok || l.slots[idx].tomb {
		return Member{}, false
	}
	return l.slots[idx].member, true
}

func (l *memberList) set(m Member) {
	idx, ok := l.byID[m.ID]
	if !ok {
		return
	}
	l.slots[idx].member = m
}

func (l *memberList) all() []Member {
	out := make([]Member, 0, len(l.byID))
	for _, s := range l.slots {
		if !s.tomb {
			out = append(out, s.member)
		}
	}
	return out
}

func (l *memberList) len() int {
	return len(l.byID)
}

// advance moves the cursor to the next non-self, non-DEAD member after
// the current cursor (spec.md §4.1.1: "advancing the cyclic cursor
// skipping self and DEAD peers"), in O(n) over the ring.
func (l *memberList) advance(self uint32) (Member, bool) {
	if l.cursor == -1 {
		return Member{}, false
	}
	start := l.cursor
	idx := l.slots[start].next
	for i := 0; i < len(l.slots); i++ {
		if idx == -1 {
			return Member{}, false
		}
		s := l.slots[idx]
		if !s.tomb && s.member.ID != self && s.member.Status != Dead {
			l.cursor = idx
			return s.member, true
		}
		if idx == start {
			break
		}
		idx = s.next
	}
	return Member{}, false
}

// randomDistinct returns up to k live members distinct from self and
// excludeID, chosen without replacement (spec.md §4.1.1 indirect-ping
// peer selection).
func (l *memberList) randomDistinct(self, excludeID uint32, k int) []Member {
	candidates := make([]Member, 0, len(l.slots))
	for _, s := range l.slots {
		if s.tomb {
			continue
		}
		if s.member.ID == self || s.member.ID == excludeID {
			continue
		}
		if s.member.Status == Dead {
			continue
		}
		candidates = append(candidates, s.member)
	}
	l.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}
