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

	"github.com/datacluster-io/swimreb/internal/wire"
)

// TargetState is a pool map target's externally-managed state (spec.md
// §4.4).
type TargetState int

const (
	TargetUp TargetState = iota
	TargetUpIn
	TargetNew
	TargetDraining
	TargetDown
	TargetDownOut
)

// PoolMap is the externally managed topology snapshot collaborator
// (spec.md §1: "Pool map representation and persistence... referenced
// only through the interfaces the core uses").
type PoolMap interface {
	Version() uint64
	Targets(pool string) []uint32
	TargetState(pool string, target uint32) TargetState
	// FailureSequence / InVersion are the per-target monotonic counters
	// spec.md §4.4 uses as map_ver for DOWN/DRAIN and UP/NEW tasks
	// respectively.
	FailureSequence(pool string, target uint32) uint64
	InVersion(pool string, target uint32) uint64
	SelfHealingEnabled(pool string) bool
}

// PoolService is the external pool-service collaborator (spec.md §1:
// leader election / Raft-backed service) the leader path needs for term
// resolution, topology broadcast, and post-rebuild state transitions.
type PoolService interface {
	LeaderTerm(ctx context.Context) (uint64, error)
	// CurrentPoolMap returns the pool map version currently in force for
	// pool, the same snapshot GenerateTasks is driven from, so the
	// leader's status-check loop can pre-mark DOWN ranks done (spec.md
	// §4.2.3 step 6) without its own copy of topology state.
	CurrentPoolMap(ctx context.Context, pool string) (PoolMap, error)
	BroadcastPoolMap(ctx context.Context, pool string, m PoolMap) error
	BroadcastProperties(ctx context.Context, pool string) error
	TransitionTargets(ctx context.Context, pool string, targets []uint32, to TargetState) error
}

// ScanBroadcaster sends the collective OBJECTS_SCAN RPC to every member
// of a pool and aggregates replies (spec.md §4.2.3 step 5, §6.2).
type ScanBroadcaster interface {
	BroadcastObjectsScan(ctx context.Context, req wire.ObjectsScanRequest) (wire.ObjectsScanReply, error)
}
