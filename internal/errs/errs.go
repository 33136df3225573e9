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

// Package errs defines the sentinel error kinds shared by the membership
// engine and the rebuild coordinator (spec.md §7).
package errs

import "errors"

var (
	// ErrUninit is returned when an operation reaches an engine that has
	// not completed init(). Callers should retry.
	ErrUninit = errors.New("swimreb: not initialized")

	// ErrShutdown is returned once self has been removed from the
	// membership list; the engine stops responding further.
	ErrShutdown = errors.New("swimreb: engine shut down")

	// ErrTimedOut marks an RPC deadline; treated as a probe failure only,
	// never surfaced past the membership engine.
	ErrTimedOut = errors.New("swimreb: rpc timed out")

	// ErrNoPerm marks an authorization failure on an RPC.
	ErrNoPerm = errors.New("swimreb: no permission")

	// ErrNoHdl marks a missing service handle (pool, container, ...).
	ErrNoHdl = errors.New("swimreb: no handle")

	// ErrAlready marks a duplicate IREQ for a target already outstanding.
	ErrAlready = errors.New("swimreb: already in flight")

	// ErrNonexist marks a lookup miss (rank, task, pool, ...).
	ErrNonexist = errors.New("swimreb: does not exist")

	// ErrInval marks a bad opcode or argument.
	ErrInval = errors.New("swimreb: invalid argument")

	// ErrGrpVer marks a stale group/pool-map version on a broadcast;
	// callers retry after 1s.
	ErrGrpVer = errors.New("swimreb: stale group version")

	// ErrCanceled marks an operation abandoned because of a tracker abort
	// or process-wide stop.
	ErrCanceled = errors.New("swimreb: canceled")

	// ErrNotLeader marks a leader-only operation invoked after
	// demotion; the leader-side policy is to drop the task silently.
	ErrNotLeader = errors.New("swimreb: not leader")

	// ErrRF marks a redundancy-factor breach discovered while preparing
	// or running a rebuild; reported as the task's final status.
	ErrRF = errors.New("swimreb: redundancy factor breached")

	// ErrNoMem mirrors the DAOS ENOMEM class for rank_add under
	// arena exhaustion.
	ErrNoMem = errors.New("swimreb: no memory")
)
