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

// EventKind is the external event emitted on ALIVE/DEAD transitions
// (spec.md §4.1.2, §6.3). SUSPECT is internal only.
type EventKind int

const (
	EventAlive EventKind = iota
	EventDead
)

// Event is delivered to every registered subscriber (spec.md §6.3):
// (rank, incarnation, source=SWIM, kind).
type Event struct {
	Rank        uint32
	Incarnation uint64
	Kind        EventKind
}

// mergeLocked applies one received UpdateRecord to local state per
// spec.md §4.1.2's conflict-resolution rules. Caller holds csmLock.
// Returns true if local state changed (and so should be re-disseminated).
func (e *Engine) mergeLocked(u UpdateRecord) bool {
	if u.ID == e.self {
		return e.mergeSelfLocked(u)
	}

	cur, ok := e.list.get(u.ID)
	if !ok {
		// membership is fixed per pool-map epoch; additions are driven
		// externally, not by gossip (spec.md §4.1.2).
		return false
	}

	if u.Incarnation < cur.Incarnation {
		return false
	}
	if u.Incarnation == cur.Incarnation {
		if u.Status.precedence() <= cur.Status.precedence() {
			return false
		}
	}
	// Higher incarnation always wins, or equal incarnation with higher
	// precedence status.
	changed := cur.Status != u.Status || cur.Incarnation != u.Incarnation
	cur.Incarnation = u.Incarnation
	cur.Status = u.Status
	cur.LastHeardHLC = e.clock.Now()
	e.list.set(cur)

	if changed {
		e.emitIfExternalLocked(cur)
	}
	return changed
}

// mergeSelfLocked handles an incoming record naming this node. A record
// marking self SUSPECT or DEAD forces a fresh incarnation (sourced from
// HLC, matching SPEC_FULL.md §3's note on crt_swim_update) and an ALIVE
// re-advertisement; self's own row is never stored as SUSPECT/DEAD
// (spec.md §3 invariant).
func (e *Engine) mergeSelfLocked(u UpdateRecord) bool {
	if u.Status == Alive || u.Status == Inactive {
		return false
	}
	if u.Incarnation < e.selfIncarnation() {
		return false
	}
	newInc := e.clock.Now()
	self, _ := e.list.get(e.self)
	self.Incarnation = newInc
	self.Status = Alive
	e.list.set(self)
	e.enqueueAliveLocked(newInc)
	return true
}

func (e *Engine) selfIncarnation() uint64 {
	if m, ok := e.list.get(e.self); ok {
		return m.Incarnation
	}
	return 0
}

// emitIfExternalLocked fires the ALIVE/DEAD subscriber callbacks for a
// state change that just landed (spec.md §4.1.2, §6.3: "State change
// invokes external event callbacks: ALIVE and DEAD only; SUSPECT is
// internal"). It snapshots the subscriber list and invokes outside the
// lock (spec.md §9 design note: "prefer a snapshot-then-invoke pattern to
// avoid holding the lock across user code").
func (e *Engine) emitIfExternalLocked(m Member) {
	var kind EventKind
	switch m.Status {
	case Alive:
		kind = EventAlive
	case Dead:
		kind = EventDead
	default:
		return
	}
	ev := Event{Rank: m.ID, Incarnation: m.Incarnation, Kind: kind}
	subs := append([]Subscriber(nil), e.subscribers...)
	e.pendingEvents = append(e.pendingEvents, pendingEvent{ev: ev, subs: subs})
}
