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

// Package rpc abstracts the RPC transport collaborator referenced (but
// not implemented) by spec.md §1: request/reply framing, timeouts, and
// broadcast trees live outside this module's scope. This package defines
// the narrow interface the membership engine and rebuild coordinator need
// from it, plus an in-memory fake used by tests.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/datacluster-io/swimreb/internal/wire"
)

// Transport sends SWIM PING/IREQ requests to a rank. The interface
// carries no queue-front or priority flag for either opcode.
type Transport interface {
	// SendPing sends a PING to rank and blocks for a reply or ctx
	// cancellation/timeout.
	SendPing(ctx context.Context, rank uint32, req *wire.SwimRequest) (*wire.SwimReply, error)

	// SendIreq sends an IREQ to relay (asking it to ping target on the
	// caller's behalf) and blocks for relay's reply.
	SendIreq(ctx context.Context, relay uint32, req *wire.SwimRequest) (*wire.SwimReply, error)

	// LocalRank is this node's own rank, for loop prevention and header
	// stamping.
	LocalRank() uint32

	// SelfHLC is the current local HLC reading, stamped on every
	// outbound request header (spec.md §6.1: "RPC header carries
	// source rank, destination rank, and sender HLC").
	SelfHLC() uint64
}

// Handler processes an inbound PING or IREQ server-side.
type Handler interface {
	HandlePing(ctx context.Context, fromRank uint32, senderHLC uint64, req *wire.SwimRequest) (*wire.SwimReply, error)
	HandleIreq(ctx context.Context, fromRank uint32, senderHLC uint64, req *wire.SwimRequest) (*wire.SwimReply, error)
}

// Fake is an in-memory Transport + routing fabric for tests: it wires
// multiple engines together by rank without any real sockets, the way a
// unit test for a gossip engine typically stubs its transport.
type Fake struct {
	mu      sync.RWMutex
	self    uint32
	peers   map[uint32]Handler
	peerHLC map[uint32]func() uint64
	drop    map[uint32]bool // rank -> drop all probes to it
}

func NewFake(self uint32) *Fake {
	return &Fake{
		self:    self,
		peers:   map[uint32]Handler{},
		peerHLC: map[uint32]func() uint64{},
		drop:    map[uint32]bool{},
	}
}

// Register wires rank's handler and HLC source into this Fake's routing
// table. Each Fake has its own table, so tests register every node into
// every node's Fake.
func (f *Fake) Register(rank uint32, h Handler, hlcFn func() uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[rank] = h
	f.peerHLC[rank] = hlcFn
}

// SetDrop enables/disables unconditional drop of probes addressed to rank,
// the crude building block fault-injection tests compose on top of.
func (f *Fake) SetDrop(rank uint32, drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop[rank] = drop
}

func (f *Fake) LocalRank() uint32 { return f.self }

func (f *Fake) SelfHLC() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fn, ok := f.peerHLC[f.self]; ok {
		return fn()
	}
	return 0
}

func (f *Fake) SendPing(ctx context.Context, rank uint32, req *wire.SwimRequest) (*wire.SwimReply, error) {
	return f.send(ctx, rank, req, true)
}

func (f *Fake) SendIreq(ctx context.Context, relay uint32, req *wire.SwimRequest) (*wire.SwimReply, error) {
	return f.send(ctx, relay, req, false)
}

func (f *Fake) send(ctx context.Context, rank uint32, req *wire.SwimRequest, ping bool) (*wire.SwimReply, error) {
	f.mu.RLock()
	dropped := f.drop[rank]
	h, ok := f.peers[rank]
	hlcFn := f.peerHLC[f.self]
	f.mu.RUnlock()
	if dropped {
		return nil, fmt.Errorf("rpc: fake drop to rank %d", rank)
	}
	if !ok {
		return nil, fmt.Errorf("rpc: no such rank %d registered", rank)
	}
	var senderHLC uint64
	if hlcFn != nil {
		senderHLC = hlcFn()
	}
	if ping {
		return h.HandlePing(ctx, f.self, senderHLC, req)
	}
	return h.HandleIreq(ctx, f.self, senderHLC, req)
}
