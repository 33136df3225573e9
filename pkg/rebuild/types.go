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

// Package rebuild implements the rebuild coordinator (spec.md §4.2-4.4):
// a leader-driven state machine that schedules and tracks cluster-wide
// rebuild operations on membership/pool-map change, with per-target
// progress aggregation and partial-failure recovery. Grounded on the
// teacher's (github.com/DE-labtory/swim) task/lifecycle shape —
// Config-driven engine, channel-based quit signaling, handler dispatch —
// generalized from a single failure detector to a queue of concurrent,
// ordered rebuild tasks, and on the aistore `reb` package's
// stage/tracking conventions (reb-global.go, reb-bcast.go) for the
// leader/target split and per-rank bookkeeping.
package rebuild

import (
	"time"

	"github.com/google/uuid"

	"github.com/datacluster-io/swimreb/internal/wire"
)

// Op re-exports the rebuild operation kind so callers don't need to
// import internal/wire directly.
type Op = wire.RebuildOp

const (
	OpFail    = wire.OpFail
	OpDrain   = wire.OpDrain
	OpReint   = wire.OpReint
	OpExtend  = wire.OpExtend
	OpReclaim = wire.OpReclaim
)

// Status is a RebuildTask's lifecycle state.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// RebuildTask is one queued/running unit of rebuild work (spec.md §3).
// Within a pool, tasks execute in ascending MapVersion; only one task
// per pool runs at a time.
type RebuildTask struct {
	ID          uuid.UUID
	PoolID      string
	MapVersion  uint64
	Op          Op
	Targets     map[uint32]struct{}
	ScheduledAt time.Time
	Status      Status
	Errno       int32
}

func newTask(pool string, ver uint64, op Op, targets []uint32, delay time.Duration) *RebuildTask {
	set := make(map[uint32]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	return &RebuildTask{
		ID:          uuid.New(),
		PoolID:      pool,
		MapVersion:  ver,
		Op:          op,
		Targets:     set,
		ScheduledAt: time.Now().Add(delay),
		Status:      StatusQueued,
	}
}

func (t *RebuildTask) targetList() []uint32 {
	out := make([]uint32, 0, len(t.Targets))
	for id := range t.Targets {
		out = append(out, id)
	}
	return out
}

func (t *RebuildTask) mergeTargets(more map[uint32]struct{}) {
	for id := range more {
		t.Targets[id] = struct{}{}
	}
}
