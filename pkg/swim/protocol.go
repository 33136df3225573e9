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
	"context"
	"time"

	"github.com/datacluster-io/swimreb/internal/wire"
)

// tickLoop runs the adaptive-interval probe cycle for one RPC context
// (spec.md §5: "runs as a periodic callback on one RPC-context thread and
// must not block").
func (e *Engine) tickLoop(ctx context.Context, ctxIdx int) {
	for {
		e.csmLock.RLock()
		interval := e.pingTimeout
		e.csmLock.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		e.expireSuspects()
		e.checkOutage()

		target, ok := e.nextProbeTarget()
		if !ok {
			continue
		}
		e.probe(ctx, target)
		e.flushPendingEvents()
	}
}

func (e *Engine) nextProbeTarget() (Member, bool) {
	e.csmLock.Lock()
	defer e.csmLock.Unlock()
	if !e.initialized {
		return Member{}, false
	}
	return e.list.advance(e.self)
}

func (e *Engine) checkOutage() {
	e.csmLock.Lock()
	defer e.csmLock.Unlock()
	if e.initialized {
		e.checkOutageLocked(time.Now())
	}
}

// expireSuspects moves any member whose suspect_timeout has elapsed
// (accounting for a net-glitch shift) to DEAD, emitting the DEAD event
// (spec.md §4.1.1, §4.1.3).
func (e *Engine) expireSuspects() {
	e.csmLock.Lock()
	now := time.Now()
	var toEmit []Member
	for id, deadline := range e.suspectDeadline {
		shift := e.suspicionShift[id]
		if now.Before(deadline.Add(shift)) {
			continue
		}
		m, ok := e.list.get(id)
		if !ok || m.Status != Suspect {
			delete(e.suspectDeadline, id)
			delete(e.suspicionShift, id)
			continue
		}
		m.Status = Dead
		e.list.set(m)
		delete(e.suspectDeadline, id)
		delete(e.suspicionShift, id)
		e.pbq.push(m.toUpdate())
		toEmit = append(toEmit, m)
	}
	e.csmLock.Unlock()

	for _, m := range toEmit {
		e.csmLock.Lock()
		e.emitIfExternalLocked(m)
		e.csmLock.Unlock()
	}
	e.flushPendingEvents()
}

// probe runs one direct-then-indirect ping cycle against target
// (spec.md §4.1.1).
func (e *Engine) probe(ctx context.Context, target Member) {
	if e.faults.ShouldDrop(target.ID) {
		e.markSuspect(target.ID)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, e.currentPingTimeout())
	defer cancel()

	ok, reply := e.doPing(pctx, target.ID)
	if ok {
		e.onProbeSuccess(target.ID, reply)
		return
	}

	if e.indirectProbe(ctx, target.ID) {
		e.onProbeSuccess(target.ID, nil)
		return
	}

	e.markSuspect(target.ID)
}

func (e *Engine) currentPingTimeout() time.Duration {
	e.csmLock.RLock()
	defer e.csmLock.RUnlock()
	return e.pingTimeout
}

func (e *Engine) doPing(ctx context.Context, rank uint32) (bool, *wire.SwimReply) {
	req := e.buildRequest(rank)
	reply, err := e.transport.SendPing(ctx, rank, req)
	if err != nil {
		return false, nil
	}
	return true, reply
}

// indirectProbe asks k alive peers distinct from target to relay a ping
// (spec.md §4.1.1). IREQ uses 2*ping_timeout (spec.md §5).
func (e *Engine) indirectProbe(ctx context.Context, target uint32) bool {
	e.csmLock.Lock()
	relays := e.list.randomDistinct(e.self, target, e.cfg.IndirectPeers)
	e.csmLock.Unlock()

	if len(relays) == 0 {
		return false
	}

	ictx, cancel := context.WithTimeout(ctx, 2*e.currentPingTimeout())
	defer cancel()

	type result struct{ ok bool }
	results := make(chan result, len(relays))
	for _, r := range relays {
		r := r
		go func() {
			req := e.buildRequestFor(target)
			reply, err := e.transport.SendIreq(ictx, r.ID, req)
			// a relay that could not reach target still replies, with a
			// non-zero rc; only rc 0 means target answered.
			results <- result{ok: err == nil && reply != nil && reply.Rc == 0}
		}()
	}
	for range relays {
		select {
		case res := <-results:
			if res.ok {
				return true
			}
		case <-ictx.Done():
			return false
		}
	}
	return false
}

func (e *Engine) onProbeSuccess(rank uint32, reply *wire.SwimReply) {
	e.csmLock.Lock()
	e.lastSuccessfulProbe = time.Now()
	if reply != nil {
		e.mergeReplyLocked(rank, reply)
	}
	e.accommodateLocked()
	e.csmLock.Unlock()
	e.flushPendingEvents()
}

func (e *Engine) markSuspect(rank uint32) {
	e.csmLock.Lock()
	m, ok := e.list.get(rank)
	if !ok || m.Status == Dead || rank == e.self {
		e.csmLock.Unlock()
		return
	}
	if m.Status != Suspect {
		m.Status = Suspect
		e.list.set(m)
		e.suspectDeadline[rank] = time.Now().Add(e.cfg.SuspectTimeout())
		e.pbq.push(m.toUpdate())
	}
	e.csmLock.Unlock()
}

func (e *Engine) buildRequest(destRank uint32) *wire.SwimRequest {
	e.csmLock.Lock()
	recs := e.pbq.draw(e.piggybackBudget())
	e.csmLock.Unlock()
	return &wire.SwimRequest{SwimId: uint64(destRank), UpdatesRaw: wire.PackRecords(toWireRecords(recs))}
}

func (e *Engine) buildRequestFor(targetRank uint32) *wire.SwimRequest {
	e.csmLock.Lock()
	recs := e.pbq.draw(e.piggybackBudget())
	e.csmLock.Unlock()
	return &wire.SwimRequest{SwimId: uint64(targetRank), UpdatesRaw: wire.PackRecords(toWireRecords(recs))}
}

func (e *Engine) piggybackBudget() int {
	return 8
}

func toWireRecords(recs []UpdateRecord) []wire.UpdateRecord {
	out := make([]wire.UpdateRecord, len(recs))
	for i, r := range recs {
		out[i] = wire.UpdateRecord{ID: uint64(r.ID), Incarnation: r.Incarnation, Status: wire.Status(r.Status), DelayMS: r.DelayMS}
	}
	return out
}

func fromWireRecords(recs []wire.UpdateRecord) []UpdateRecord {
	out := make([]UpdateRecord, len(recs))
	for i, r := range recs {
		out[i] = UpdateRecord{ID: uint32(r.ID), Incarnation: r.Incarnation, Status: Status(r.Status), DelayMS: r.DelayMS}
	}
	return out
}

// mergeReplyLocked merges the piggyback set carried in a successful
// reply and folds the reply's delay echo into local state.
func (e *Engine) mergeReplyLocked(fromRank uint32, reply *wire.SwimReply) {
	wireRecs, err := wire.UnpackRecords(reply.UpdatesRaw)
	if err != nil {
		return
	}
	recs := fromWireRecords(wireRecs)
	for _, r := range recs {
		e.mergeLocked(r)
	}
}
