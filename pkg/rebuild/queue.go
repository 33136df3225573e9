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
	"sort"
	"sync"
	"time"
)

// Queue holds per-pool queued RebuildTasks and the running list, guarded
// by a single mutex with condition variables for stop/completion
// (spec.md §5: "Global task queue/running list: guarded by a single
// mutex; condition variables signal stop/completion").
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queued   map[string][]*RebuildTask // pool -> tasks, map_ver ascending
	running  map[string]*RebuildTask   // pool -> the one running task
	maxInflight int
}

func NewQueue(maxInflight int) *Queue {
	q := &Queue{
		queued:      map[string][]*RebuildTask{},
		running:     map[string]*RebuildTask{},
		maxInflight: maxInflight,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Schedule implements spec.md §4.2.1's merge/ordering rule:
//
//  1. If an earlier queued task for the same pool has the same op and no
//     later task of a different op is queued between them, merge targets
//     into it and raise its map_ver to max; return.
//  2. Otherwise append a new task, keeping the queue sorted by map_ver
//     ascending within the pool.
func (q *Queue) Schedule(pool string, ver uint64, targets []uint32, op Op, delay time.Duration) *RebuildTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := q.queued[pool]
	// Walk from the back: find the most recent task of ANY op. If it has
	// a different op, merging is blocked (a later different-op task
	// lies between any earlier same-op task and "now"). If it has the
	// same op, merge into it.
	if n := len(tasks); n > 0 {
		last := tasks[n-1]
		if last.Op == op {
			targetSet := make(map[uint32]struct{}, len(targets))
			for _, t := range targets {
				targetSet[t] = struct{}{}
			}
			last.mergeTargets(targetSet)
			if ver > last.MapVersion {
				last.MapVersion = ver
			}
			q.resort(pool)
			return last
		}
	}

	t := newTask(pool, ver, op, targets, delay)
	q.queued[pool] = append(q.queued[pool], t)
	q.resort(pool)
	q.cond.Broadcast()
	return t
}

func (q *Queue) resort(pool string) {
	tasks := q.queued[pool]
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].MapVersion < tasks[j].MapVersion
	})
	q.queued[pool] = tasks
}

// Dispatch moves the first queued task of a pool with no running task
// onto the running list, up to maxInflight total running tasks
// (spec.md §4.2.2). Returns nil if nothing is dispatchable.
func (q *Queue) Dispatch() *RebuildTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.running) >= q.maxInflight {
		return nil
	}
	for pool, tasks := range q.queued {
		if len(tasks) == 0 {
			continue
		}
		if _, busy := q.running[pool]; busy {
			continue
		}
		t := tasks[0]
		q.queued[pool] = tasks[1:]
		t.Status = StatusRunning
		q.running[pool] = t
		return t
	}
	return nil
}

// Finish removes pool's running task and signals any waiters (spec.md
// §5: leader_stop waits on a running task's completion condition).
func (q *Queue) Finish(pool string) {
	q.mu.Lock()
	delete(q.running, pool)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Running returns pool's currently running task, if any.
func (q *Queue) Running(pool string) (*RebuildTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[pool]
	return t, ok
}

// Queued returns a snapshot of pool's queued tasks, map_ver ascending.
func (q *Queue) Queued(pool string) []*RebuildTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*RebuildTask, len(q.queued[pool]))
	copy(out, q.queued[pool])
	return out
}

// LeaderStop removes queued tasks matching (pool, ver) and, if a
// matching task is running, sets its abort flag via cb, then waits for
// it to leave the running list (spec.md §5: "leader_stop(pool, ver)
// removes matching queued tasks and sets abort on a running one, then
// waits on its completion cond").
func (q *Queue) LeaderStop(pool string, ver uint64, abort func(*RebuildTask)) {
	q.mu.Lock()
	kept := q.queued[pool][:0]
	for _, t := range q.queued[pool] {
		if t.MapVersion == ver {
			continue
		}
		kept = append(kept, t)
	}
	q.queued[pool] = kept

	running, ok := q.running[pool]
	if ok && running.MapVersion == ver {
		abort(running)
		for {
			r, stillRunning := q.running[pool]
			if !stillRunning || r != running {
				break
			}
			q.cond.Wait()
		}
	}
	q.mu.Unlock()
}

// StopAll drops every queued task process-wide and returns the
// currently running tasks so callers can set their abort flags
// (spec.md §5: "Global stop_all() sets a process-level abort; queued
// tasks are dropped; running task-drivers exit without transitioning
// topology").
func (q *Queue) StopAll() []*RebuildTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = map[string][]*RebuildTask{}
	out := make([]*RebuildTask, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t)
	}
	return out
}
