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

// GenerateTasks implements spec.md §4.4: on becoming leader (or on a
// topology change notification), iterate the pool map and, for each
// target in state DOWN, DRAIN, UP, NEW, schedule a task with the
// appropriate op using the target's failure sequence (DOWN/DRAIN) or
// in-version (UP/NEW) as map_ver. Self-healing is gated by a pool
// property; when disabled, DOWN/DRAIN regeneration is skipped. RECLAIM
// tasks are only generated as REINT/EXTEND follow-ups (see
// Leader.finalize), never here.
func (l *Leader) GenerateTasks(pool string, m PoolMap) {
	selfHealing := m.SelfHealingEnabled(pool)
	for _, target := range m.Targets(pool) {
		state := m.TargetState(pool, target)
		switch state {
		case TargetDown:
			if !selfHealing {
				continue
			}
			l.Schedule(pool, m.FailureSequence(pool, target), []uint32{target}, OpFail, 0)
		case TargetDraining:
			if !selfHealing {
				continue
			}
			l.Schedule(pool, m.FailureSequence(pool, target), []uint32{target}, OpDrain, 0)
		case TargetUp:
			l.Schedule(pool, m.InVersion(pool, target), []uint32{target}, OpReint, 0)
		case TargetNew:
			l.Schedule(pool, m.InVersion(pool, target), []uint32{target}, OpExtend, 0)
		}
	}
}

// failedRanksOf returns the ranks m currently reports DOWN for pool: they
// will never report scan/pull progress to a running task and must be
// pre-marked done on the task's GlobalTracker (spec.md §4.2.3 step 6).
func failedRanksOf(m PoolMap, pool string) []uint32 {
	var out []uint32
	for _, target := range m.Targets(pool) {
		if m.TargetState(pool, target) == TargetDown {
			out = append(out, target)
		}
	}
	return out
}
