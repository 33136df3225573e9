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

// Package swim implements the membership engine (spec.md §4.1): a
// SWIM-style gossip failure detector integrated with an RPC transport,
// adaptive ping timeouts, and ALIVE/DEAD event emission. Grounded on
// github.com/DE-labtory/swim's SWIM struct/Config/MessageHandler shape,
// generalized to the fuller state machine and delay model spec.md
// describes.
package swim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/datacluster-io/swimreb/internal/config"
	"github.com/datacluster-io/swimreb/internal/errs"
	"github.com/datacluster-io/swimreb/internal/hlc"
	"github.com/datacluster-io/swimreb/internal/log"
	"github.com/datacluster-io/swimreb/internal/rpc"
)

// Engine is the membership engine: one per process, holding the
// membership list, adaptive timeout state, and dissemination queue
// (spec.md §9: "realized as singletons ... specify them as two owned
// values held by the module's top-level runtime object").
type Engine struct {
	csmLock sync.RWMutex // guards list, cursor, per-member state (spec.md §5)

	self        uint32
	initialized bool

	list  *memberList
	clock *hlc.Clock
	cfg   config.Config

	pingTimeout          time.Duration
	suspicionShift       map[uint32]time.Duration
	suspectDeadline      map[uint32]time.Time
	lastSuccessfulProbe  time.Time
	outage               bool

	subscribers   []Subscriber
	pendingEvents []pendingEvent

	pbq       *piggybackQueue
	transport rpc.Transport
	faults    *FaultInjector

	ireqMu      sync.Mutex
	outstanding map[ireqKey]bool // absorbs duplicate IREQs for the same target

	ctxMu sync.Mutex
	ctxs  map[int]context.CancelFunc
}

type ireqKey struct {
	source uint32
	target uint32
}

// New constructs an uninitialized Engine bound to transport t.
func New(cfg config.Config, t rpc.Transport) *Engine {
	e := &Engine{
		cfg:             cfg,
		transport:       t,
		suspicionShift:  map[uint32]time.Duration{},
		suspectDeadline: map[uint32]time.Time{},
		outstanding:     map[ireqKey]bool{},
		ctxs:            map[int]context.CancelFunc{},
		clock:           &hlc.Clock{},
		pingTimeout:     cfg.PingTimeout(),
	}
	e.faults = newFaultInjector(e.clock)
	e.pbq = newPiggybackQueue(func() int {
		n := 1
		e.csmLock.RLock()
		if l := e.list.len(); l > 0 {
			n = l
		}
		e.csmLock.RUnlock()
		bound := cfg.PiggybackMaxRetransmit
		for t := n; t > 1; t /= 2 {
			bound += cfg.PiggybackMaxRetransmit
		}
		return bound
	})
	return e
}

// Faults exposes the fault-injection hook (spec.md §4.1.6, §6.4), kept
// behind explicit access rather than a package-level global per
// spec.md §9's design note.
func (e *Engine) Faults() *FaultInjector { return e.faults }

// Init readies the engine: self becomes ALIVE with an HLC-seeded
// incarnation (spec.md §4.1.4: init(self_id, ctx_idx)).
func (e *Engine) Init(selfID uint32, ctxIdx int) error {
	e.csmLock.Lock()
	defer e.csmLock.Unlock()
	if e.initialized {
		return fmt.Errorf("init rank %d: %w", selfID, errs.ErrAlready)
	}
	e.self = selfID
	e.list = newMemberList(rand.Int63())
	inc := e.clock.Now()
	e.list.insert(Member{ID: selfID, Incarnation: inc, Status: Alive, LastHeardHLC: inc})
	e.lastSuccessfulProbe = time.Now()
	e.initialized = true
	log.Info(log.Fields{"self": selfID, "ctx": ctxIdx}, "swim engine initialized")
	return nil
}

// Enable attaches the periodic probe tick to RPC context ctxIdx
// (spec.md §4.1.4). The engine is reentrant across different contexts
// (spec.md §5): each ctxIdx gets its own tick loop.
func (e *Engine) Enable(ctxIdx int) error {
	e.csmLock.RLock()
	init := e.initialized
	e.csmLock.RUnlock()
	if !init {
		return errs.ErrUninit
	}
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if _, ok := e.ctxs[ctxIdx]; ok {
		return fmt.Errorf("enable ctx %d: %w", ctxIdx, errs.ErrInval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.ctxs[ctxIdx] = cancel
	go e.tickLoop(ctx, ctxIdx)
	return nil
}

// Disable detaches the tick previously attached by Enable.
func (e *Engine) Disable(ctxIdx int) error {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	cancel, ok := e.ctxs[ctxIdx]
	if !ok {
		return fmt.Errorf("disable ctx %d: %w", ctxIdx, errs.ErrInval)
	}
	cancel()
	delete(e.ctxs, ctxIdx)
	return nil
}

// RankAdd inserts a new peer, INACTIVE unless it is self (spec.md
// §4.1.4).
func (e *Engine) RankAdd(rank uint32) error {
	e.csmLock.Lock()
	defer e.csmLock.Unlock()
	if !e.initialized {
		return errs.ErrUninit
	}
	if _, ok := e.list.get(rank); ok {
		return fmt.Errorf("rank_add %d: %w", rank, errs.ErrAlready)
	}
	status := Inactive
	if rank == e.self {
		status = Alive
	}
	e.list.insert(Member{ID: rank, Status: status})
	return nil
}

// RankDel removes a peer (spec.md §4.1.4). Deleting self is permitted
// per spec.md §9's noted open question: this module chooses a fresh
// incarnation on re-join, not a preserved one (see DESIGN.md). Deleting
// self tombstones its row and uninitializes the engine; a later rejoin
// goes through Init again, which seeds a brand new HLC incarnation
// rather than recovering the pre-shutdown one.
func (e *Engine) RankDel(rank uint32) error {
	e.csmLock.Lock()
	defer e.csmLock.Unlock()
	if !e.initialized {
		return errs.ErrUninit
	}
	if !e.list.remove(rank) {
		return fmt.Errorf("rank_del %d: %w", rank, errs.ErrNonexist)
	}
	if rank == e.self {
		log.Warn(log.Fields{"rank": rank}, "self removed from membership, shutting down")
		e.initialized = false
		return errs.ErrShutdown
	}
	return nil
}

// SuspendAll forces every non-self member to INACTIVE (spec.md §4.1.4).
func (e *Engine) SuspendAll() error {
	e.csmLock.Lock()
	defer e.csmLock.Unlock()
	if !e.initialized {
		return errs.ErrUninit
	}
	e.suspendAllLocked()
	return nil
}

func (e *Engine) suspendAllLocked() {
	for _, m := range e.list.all() {
		if m.ID == e.self {
			continue
		}
		m.Status = Inactive
		e.list.set(m)
	}
}

// StateGet returns a snapshot of rank's member record (spec.md §4.1.4).
func (e *Engine) StateGet(rank uint32) (Member, error) {
	e.csmLock.RLock()
	defer e.csmLock.RUnlock()
	if !e.initialized {
		return Member{}, errs.ErrUninit
	}
	m, ok := e.list.get(rank)
	if !ok {
		return Member{}, fmt.Errorf("state_get %d: %w", rank, errs.ErrNonexist)
	}
	return m, nil
}

// SelfIncarnationGet returns self's current incarnation (spec.md
// §4.1.4).
func (e *Engine) SelfIncarnationGet() (uint64, error) {
	e.csmLock.RLock()
	defer e.csmLock.RUnlock()
	if !e.initialized {
		return 0, errs.ErrUninit
	}
	return e.selfIncarnation(), nil
}

// PingTimeout returns the current adaptive ping timeout (testable
// property spec.md §8.3).
func (e *Engine) PingTimeout() time.Duration {
	e.csmLock.RLock()
	defer e.csmLock.RUnlock()
	return e.pingTimeout
}

func (e *Engine) logf(format string, args ...interface{}) {
	log.Infof("swim[%d]: "+format, append([]interface{}{e.self}, args...)...)
}

func (e *Engine) enqueueAliveLocked(inc uint64) {
	e.pbq.push(UpdateRecord{ID: e.self, Incarnation: inc, Status: Alive})
}
