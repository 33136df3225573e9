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

import "fmt"

// Status is a member's membership state (spec.md §3).
type Status uint8

const (
	Alive Status = iota
	Suspect
	Dead
	Inactive
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	case Inactive:
		return "INACTIVE"
	default:
		return "UNKNOWN"
	}
}

// precedence ranks statuses for equal-incarnation conflict resolution
// (spec.md §4.1.2: "Equal inc: precedence ALIVE < SUSPECT < DEAD").
// Inactive never arrives over the wire, so it has no defined precedence
// and is treated as lowest so any wire update can override it locally.
func (s Status) precedence() int {
	switch s {
	case Inactive:
		return -1
	case Alive:
		return 0
	case Suspect:
		return 1
	case Dead:
		return 2
	default:
		return -1
	}
}

// Member is one record in the membership list, one per known peer
// including self (spec.md §3).
type Member struct {
	ID          uint32
	Incarnation uint64
	Status      Status
	DelayMS     uint32 // EWMA of observed round-trip delay
	LastHeardHLC uint64
}

func (m Member) String() string {
	return fmt.Sprintf("Member{id=%d, inc=%d, status=%s, delay=%dms}", m.ID, m.Incarnation, m.Status, m.DelayMS)
}

// UpdateRecord is the gossip payload unit (spec.md §3).
type UpdateRecord struct {
	ID          uint32
	Incarnation uint64
	Status      Status
	DelayMS     uint32
}

func (m Member) toUpdate() UpdateRecord {
	return UpdateRecord{ID: m.ID, Incarnation: m.Incarnation, Status: m.Status, DelayMS: m.DelayMS}
}
