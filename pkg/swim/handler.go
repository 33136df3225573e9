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

	"github.com/datacluster-io/swimreb/internal/errs"
	"github.com/datacluster-io/swimreb/internal/wire"
)

// HandlePing implements rpc.Handler: merge the inbound piggyback set,
// fold in the observed one-way delay, and reply with our own piggyback
// set (spec.md §4.1.1: "A node receiving a PING replies with its own
// piggyback set").
func (e *Engine) HandlePing(ctx context.Context, fromRank uint32, senderHLC uint64, req *wire.SwimRequest) (*wire.SwimReply, error) {
	if !e.isInitialized() {
		return &wire.SwimReply{Rc: int32(rcOf(errs.ErrUninit))}, nil
	}
	e.clock.Observe(senderHLC)
	oneWay := e.oneWayDelay(senderHLC)

	recvRecs, _ := wire.UnpackRecords(req.UpdatesRaw)
	updates := fromWireRecords(recvRecs)

	e.csmLock.Lock()
	for _, u := range updates {
		e.mergeLocked(u)
	}
	selfEcho := e.updateDelaysLocked(fromRank, uint32(oneWay.Milliseconds()), updates)
	if m, ok := e.list.get(fromRank); ok {
		m.DelayMS = selfEcho
		e.list.set(m)
	}
	e.applyNetGlitchLocked(fromRank, oneWay)
	e.accommodateLocked()
	out := e.pbq.draw(e.piggybackBudget())
	e.csmLock.Unlock()
	e.flushPendingEvents()

	return &wire.SwimReply{Rc: 0, UpdatesRaw: wire.PackRecords(toWireRecords(out))}, nil
}

// HandleIreq implements rpc.Handler (spec.md §4.1.1): dispatch a PING to
// the named target and relay its reply; a second concurrent IREQ for the
// same (fromRank, target) is absorbed and answered ALREADY rather than
// re-pinged, while the first stays referenced until it completes.
func (e *Engine) HandleIreq(ctx context.Context, fromRank uint32, senderHLC uint64, req *wire.SwimRequest) (*wire.SwimReply, error) {
	if !e.isInitialized() {
		return &wire.SwimReply{Rc: int32(rcOf(errs.ErrUninit))}, nil
	}
	target := uint32(req.SwimId)
	key := ireqKey{source: fromRank, target: target}

	e.ireqMu.Lock()
	if e.outstanding[key] {
		e.ireqMu.Unlock()
		return &wire.SwimReply{Rc: int32(rcOf(errs.ErrAlready))}, nil
	}
	e.outstanding[key] = true
	e.ireqMu.Unlock()
	defer func() {
		e.ireqMu.Lock()
		delete(e.outstanding, key)
		e.ireqMu.Unlock()
	}()

	e.clock.Observe(senderHLC)
	ictx, cancel := context.WithTimeout(ctx, e.currentPingTimeout())
	defer cancel()

	pingReq := e.buildRequestFor(target)
	reply, err := e.transport.SendPing(ictx, target, pingReq)
	if err != nil {
		return &wire.SwimReply{Rc: int32(rcOf(errs.ErrTimedOut))}, nil
	}

	recvRecs, _ := wire.UnpackRecords(reply.UpdatesRaw)
	updates := fromWireRecords(recvRecs)
	e.csmLock.Lock()
	for _, u := range updates {
		e.mergeLocked(u)
	}
	e.accommodateLocked()
	e.csmLock.Unlock()
	e.flushPendingEvents()

	// relay target's payload back to the initiator.
	return reply, nil
}

func (e *Engine) isInitialized() bool {
	e.csmLock.RLock()
	defer e.csmLock.RUnlock()
	return e.initialized
}

// oneWayDelay computes local_hlc - sender_hlc when positive (spec.md
// §6.1), else 0.
func (e *Engine) oneWayDelay(senderHLC uint64) time.Duration {
	local := e.clock.Now()
	if local <= senderHLC {
		return 0
	}
	return time.Duration(local - senderHLC)
}

// rcOf maps a sentinel error to a small stable integer for the wire
// reply's rc field. There is no inverse table back to the errs
// sentinels; the probe path only distinguishes rc 0 (success) from any
// other value.
func rcOf(err error) int {
	switch err {
	case errs.ErrUninit:
		return 1
	case errs.ErrAlready:
		return 2
	case errs.ErrTimedOut:
		return 3
	case errs.ErrNonexist:
		return 4
	case errs.ErrInval:
		return 5
	default:
		return -1
	}
}
