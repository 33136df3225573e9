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

import "time"

// updateDelaysLocked folds one received delay sample into the member's EWMA and
// returns the value to echo back to the sender, mirroring
// crt_swim_update_delays in the DAOS C source this spec was distilled
// from (SPEC_FULL.md §3): "folds the sender's own echoed delay back into
// the local EWMA in the same pass as piggybacked-member delays."
//
// Caller holds csmLock.
func (e *Engine) updateDelaysLocked(senderID uint32, recvDelayMS uint32, piggybacked []UpdateRecord) (selfEcho uint32) {
	for _, u := range piggybacked {
		m, ok := e.list.get(u.ID)
		if !ok {
			continue
		}
		var l uint32
		if u.ID == senderID {
			if m.DelayMS == 0 {
				l = recvDelayMS
			} else {
				l = (m.DelayMS + recvDelayMS) / 2
			}
			selfEcho = l
		} else {
			if m.DelayMS == 0 {
				l = u.DelayMS
			} else {
				l = (m.DelayMS + u.DelayMS) / 2
			}
		}
		m.DelayMS = l
		e.list.set(m)
	}
	if selfEcho == 0 {
		// sender wasn't in the piggyback set (e.g. empty update batch);
		// still fold the direct sample against the sender's own row.
		if m, ok := e.list.get(senderID); ok {
			if m.DelayMS == 0 {
				selfEcho = recvDelayMS
			} else {
				selfEcho = (m.DelayMS + recvDelayMS) / 2
			}
			m.DelayMS = selfEcho
			e.list.set(m)
		} else {
			selfEcho = recvDelayMS
		}
	}
	return selfEcho
}

// accommodateLocked recomputes the adaptive ping timeout from the average
// non-zero observed delay across members, clamped to
// [default_ping_timeout, suspect_timeout/3] (spec.md §4.1.3). Called on
// every receive and every successful reply.
//
// Caller holds csmLock.
func (e *Engine) accommodateLocked() {
	var sum uint64
	var n int
	for _, m := range e.list.all() {
		if m.DelayMS > 0 {
			sum += uint64(m.DelayMS)
			n++
		}
	}
	if n == 0 {
		return
	}
	avg := time.Duration(sum/uint64(n)) * time.Millisecond
	candidate := avg * 2

	lo := e.cfg.PingTimeout()
	hi := e.cfg.SuspectTimeout() / 3
	if candidate < lo {
		candidate = lo
	}
	if candidate > hi {
		candidate = hi
	}
	e.pingTimeout = candidate
}

// applyNetGlitchLocked shifts id's suspicion deadline forward by the excess
// one-way delay over 2*ping_timeout/3, to avoid false positives during
// transient latency spikes (spec.md §4.1.3).
//
// Caller holds csmLock.
func (e *Engine) applyNetGlitchLocked(id uint32, oneWay time.Duration) {
	threshold := e.pingTimeout * 2 / 3
	if oneWay <= threshold {
		return
	}
	excess := oneWay - threshold
	e.suspicionShift[id] = e.suspicionShift[id] + excess
}

// checkOutageLocked declares a network outage when the interval since the
// last successful probe exceeds 2*suspect_timeout/3: all non-self members
// are forced INACTIVE (eviction suppressed) until traffic resumes
// (spec.md §4.1.3).
//
// Caller holds csmLock.
func (e *Engine) checkOutageLocked(now time.Time) {
	threshold := e.cfg.SuspectTimeout() * 2 / 3
	if now.Sub(e.lastSuccessfulProbe) <= threshold {
		if e.outage {
			e.outage = false
			e.logf("network outage cleared, resuming normal probing")
		}
		return
	}
	if e.outage {
		return
	}
	e.outage = true
	e.logf("network outage declared, suspending all non-self members")
	e.suspendAllLocked()
}
