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
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datacluster-io/swimreb/internal/iv"
	"github.com/datacluster-io/swimreb/internal/log"
	"github.com/datacluster-io/swimreb/internal/wire"
)

// LocalWorker runs one core's share of the local rebuild for a task
// (spec.md §5: "thread_collective / task_collective (fan-out across
// cores)"). Implementations live outside this module (object store
// scan/pull engine); Target only needs to drive and await them.
type LocalWorker interface {
	Prepare(ctx context.Context, t *RebuildTask) error
	Status(ctx context.Context) (Counters, bool /*scanDone*/, int32 /*errno*/)
}

// ContainerFencer seeds/clears the per-container rebuild fence
// (spec.md §4.3.1, §4.3.3) on the local container service collaborator.
type ContainerFencer interface {
	FenceAll(ctx context.Context, pool string, hlcNow uint64) ([]string, error)
	ClearFence(ctx context.Context, pool string, containers []string, hlcEnd uint64) error
}

// WorkerFactory produces the LocalWorker set (one per local core/shard)
// that will drive req's rebuild locally; supplied by the object-store
// scan/pull engine collaborator (spec.md §1), mirrored by HandleObjectsScan.
type WorkerFactory func(req ScanStartRequest) []LocalWorker

// Target is the rebuild coordinator's target path (spec.md §4.3).
type Target struct {
	cfg    interface {
		CheckInterval() time.Duration
	}
	selfRank uint32
	workers  WorkerFactory
	ivtree   iv.Tree
	fencer   ContainerFencer

	mu       sync.Mutex
	trackers map[string]*LocalTracker // pool -> active tracker
}

func NewTarget(checkInterval time.Duration, selfRank uint32, workers WorkerFactory, ivtree iv.Tree, fencer ContainerFencer) *Target {
	return &Target{
		cfg:      constInterval(checkInterval),
		selfRank: selfRank,
		workers:  workers,
		ivtree:   ivtree,
		fencer:   fencer,
		trackers: map[string]*LocalTracker{},
	}
}

// HandleObjectsScan is the target-side receiver for the leader's
// collective OBJECTS_SCAN broadcast (spec.md §4.2.3 step 5, §6.2):
// symmetric to pkg/swim's HandlePing/HandleIreq, this is the method an
// RPC layer's scan handler dispatches an inbound request into. It runs
// OnScanStart synchronously, so the reply can carry the fencing result,
// then spawns StatusCheckULT and its eventual Finalize in the
// background to drive the rest of the local rebuild lifecycle, closing
// the report loop statusCheckLoop polls on the leader side.
func (tg *Target) HandleObjectsScan(ctx context.Context, req wire.ObjectsScanRequest, hlcNow uint64) (wire.ObjectsScanReply, error) {
	sreq := ScanStartRequest{PoolID: req.PoolID, MapVersion: req.MapVersion, Op: req.Op, LeaderTerm: req.LeaderTerm}
	workers := tg.workers(sreq)

	lt, err := tg.OnScanStart(ctx, sreq, workers, hlcNow)
	if err != nil {
		return wire.ObjectsScanReply{Status: -1}, err
	}

	go func() {
		bgCtx := context.Background()
		tg.StatusCheckULT(bgCtx, lt, workers, tg.selfRank)
		_ = tg.Finalize(bgCtx, lt, hlcNow)
	}()

	return wire.ObjectsScanReply{Status: 0, StableEpoch: hlcNow}, nil
}

type constInterval time.Duration

func (c constInterval) CheckInterval() time.Duration { return time.Duration(c) }

// OnScanStart implements spec.md §4.3.1: create a LocalTracker, fence
// local containers, fan out per-core preparation.
func (tg *Target) OnScanStart(ctx context.Context, req ScanStartRequest, workers []LocalWorker, hlcNow uint64) (*LocalTracker, error) {
	lt := NewLocalTracker(req.PoolID, req.MapVersion, req.Op, req.LeaderTerm)

	tg.mu.Lock()
	if existing, ok := tg.trackers[req.PoolID]; ok {
		// spec.md §4.3.1: a broadcast whose leader_term is older than the
		// in-flight tracker's is ignored and the in-flight tracker is
		// returned; an equal or newer term replaces it.
		if !existing.SetLeaderTerm(req.LeaderTerm) {
			tg.mu.Unlock()
			return existing, nil
		}
	}
	tg.trackers[req.PoolID] = lt
	tg.mu.Unlock()

	containers, err := tg.fencer.FenceAll(ctx, req.PoolID, hlcNow)
	if err != nil {
		return lt, err
	}
	for _, c := range containers {
		lt.FenceContainer(c, hlcNow)
	}

	g, gctx := errgroup.WithContext(ctx)
	task := &RebuildTask{PoolID: req.PoolID, MapVersion: req.MapVersion, Op: req.Op}
	for _, w := range workers {
		w := w
		lt.Get()
		g.Go(func() error {
			defer lt.Put()
			return w.Prepare(gctx, task)
		})
	}
	if err := g.Wait(); err != nil {
		return lt, err
	}
	return lt, nil
}

// ScanStartRequest mirrors the fields of wire.ObjectsScanRequest the
// target path needs, kept separate so pkg/rebuild's target API doesn't
// require importing internal/wire beyond Op.
type ScanStartRequest struct {
	PoolID     string
	MapVersion uint64
	Op         Op
	LeaderTerm uint64
}

// StatusCheckULT runs spec.md §4.3.2's periodic local status loop until
// global_done or abort.
func (tg *Target) StatusCheckULT(ctx context.Context, lt *LocalTracker, workers []LocalWorker, reportRank uint32) {
	ticker := time.NewTicker(tg.cfg.CheckInterval())
	defer ticker.Stop()
	var seq uint64

	for {
		if lt.ShouldExit() {
			return
		}
		select {
		case <-ctx.Done():
			lt.SetAbort()
			return
		case <-ticker.C:
		}

		total, scanDone, errno := tg.queryWorkers(ctx, workers)
		toSend, reReport := lt.UpdateCounters(total)
		lt.mu.Lock()
		lt.ScanDone = scanDone
		lt.mu.Unlock()

		seq++
		payload := encodeTargetReport(reportRank, seq, toSend, scanDone, errno, reReport)
		if err := tg.ivtree.Update(ctx, lt.PoolID, targetReportKey(reportRank), payload, iv.UpdateOpts{ShortcutToRoot: true, Sync: iv.SyncNone}); err != nil {
			log.Warnf("rebuild target[%s]: IV send failed: %v", lt.PoolID, err)
			if tg.leaderNamespaceStopped(ctx, lt.PoolID) {
				lt.SetAbort()
			}
		}

		if raw, ok, _ := tg.ivtree.Fetch(ctx, lt.PoolID, "leader/sync"); ok {
			epoch, globalScanDone := decodeSyncPayload(raw)
			if globalScanDone {
				lt.SetGlobalScanDone()
			}
			_ = epoch
		}
	}
}

func (tg *Target) queryWorkers(ctx context.Context, workers []LocalWorker) (Counters, bool, int32) {
	var total Counters
	scanDone := true
	var errno int32
	for _, w := range workers {
		c, sd, e := w.Status(ctx)
		total.ToRebuildObjs += c.ToRebuildObjs
		total.RebuiltObjs += c.RebuiltObjs
		total.Records += c.Records
		total.Bytes += c.Bytes
		if c.Seconds > total.Seconds {
			total.Seconds = c.Seconds
		}
		if !sd {
			scanDone = false
		}
		if e != 0 && errno == 0 {
			errno = e
		}
	}
	return total, scanDone, errno
}

func (tg *Target) leaderNamespaceStopped(ctx context.Context, pool string) bool {
	_, ok, _ := tg.ivtree.Fetch(ctx, pool, "leader/stopped")
	return ok
}

func decodeSyncPayload(b []byte) (stableEpoch uint64, globalScanDone bool) {
	if len(b) < 9 {
		return 0, false
	}
	for i := 0; i < 8; i++ {
		stableEpoch |= uint64(b[i]) << (8 * i)
	}
	return stableEpoch, b[8] == 1
}

// targetReportKey is the per-rank IV key a target's status reports are
// written under: the IV tree holds exactly one []byte per (namespace,
// key) pair, so N targets reporting into the same pool namespace need
// distinct keys or they overwrite one another (spec.md §4.2.4/§6.2).
func targetReportKey(rank uint32) string {
	return fmt.Sprintf("target/report/%d", rank)
}

const targetReportSize = 4 + 8 + 1 + 4 + 8*5

// encodeTargetReport lays out rank, a per-target monotonic seq (so a
// leader polling faster than a target reports doesn't re-apply the same
// reading twice), flags, errno, then the 5 counters. Seconds is carried
// as raw float64 bits rather than truncated to an integer, so sub-second
// rebuild timings survive the round trip. An internal wire helper rather
// than internal/wire itself since this payload only ever round-trips
// through the in-process IV fake.
func encodeTargetReport(rank uint32, seq uint64, c Counters, scanDone bool, errno int32, reReport bool) []byte {
	b := make([]byte, targetReportSize)
	off := 0
	putU32(b[off:off+4], rank)
	off += 4
	putU64(b[off:off+8], seq)
	off += 8
	var flags byte
	if scanDone {
		flags |= 1
	}
	if reReport {
		flags |= 2
	}
	b[off] = flags
	off++
	putI32(b[off:off+4], errno)
	off += 4
	for _, v := range []uint64{c.ToRebuildObjs, c.RebuiltObjs, c.Records, c.Bytes, math.Float64bits(c.Seconds)} {
		putU64(b[off:off+8], v)
		off += 8
	}
	return b
}

// decodeTargetReport is encodeTargetReport's inverse, used by the
// leader's statusCheckLoop.
func decodeTargetReport(b []byte) (rank uint32, seq uint64, c Counters, scanDone bool, errno int32, reReport bool, ok bool) {
	if len(b) < targetReportSize {
		return 0, 0, Counters{}, false, 0, false, false
	}
	off := 0
	rank = getU32(b[off : off+4])
	off += 4
	seq = getU64(b[off : off+8])
	off += 8
	flags := b[off]
	off++
	scanDone = flags&1 != 0
	reReport = flags&2 != 0
	errno = getI32(b[off : off+4])
	off += 4
	var vals [5]uint64
	for i := range vals {
		vals[i] = getU64(b[off : off+8])
		off += 8
	}
	c = Counters{
		ToRebuildObjs: vals[0],
		RebuiltObjs:   vals[1],
		Records:       vals[2],
		Bytes:         vals[3],
		Seconds:       math.Float64frombits(vals[4]),
	}
	return rank, seq, c, scanDone, errno, reReport, true
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func putI32(b []byte, v int32) { putU32(b, uint32(v)) }
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}
func getI32(b []byte) int32 { return int32(getU32(b)) }
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Finalize implements spec.md §4.3.3: wait for worker references to
// drain, clear the container fence, stamp rebuild_end_hlc, signal
// leader_stop waiters.
func (tg *Target) Finalize(ctx context.Context, lt *LocalTracker, hlcEnd uint64) error {
	// drop the reference NewLocalTracker hands to the task itself, then
	// wait for the worker references still outstanding.
	lt.Put()
	lt.WaitRefDrain()

	lt.mu.Lock()
	containers := make([]string, 0, len(lt.rebuildFence))
	for c := range lt.rebuildFence {
		containers = append(containers, c)
	}
	lt.mu.Unlock()

	err := tg.fencer.ClearFence(ctx, lt.PoolID, containers, hlcEnd)
	for _, c := range containers {
		lt.ClearFence(c)
	}

	tg.mu.Lock()
	if cur, ok := tg.trackers[lt.PoolID]; ok && cur == lt {
		delete(tg.trackers, lt.PoolID)
	}
	tg.mu.Unlock()

	return err
}
