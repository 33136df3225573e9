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

// Package debugsrv exposes a read-only JSON inspection surface over a
// running Runtime's membership and rebuild state (SPEC_FULL.md §1.6),
// grounded on NikeGunn-tutu's use of github.com/go-chi/chi/v5 for small
// JSON APIs. This is a point-in-time state dump for operator tooling and
// integration tests, not a metrics/timeseries pipeline (spec.md §1 lists
// metrics as an out-of-scope external collaborator).
package debugsrv

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datacluster-io/swimreb/pkg/rebuild"
	"github.com/datacluster-io/swimreb/pkg/swim"
)

// MemberView is the JSON shape of one member's state.
type MemberView struct {
	ID          uint32 `json:"id"`
	Incarnation uint64 `json:"incarnation"`
	Status      string `json:"status"`
	DelayMS     uint32 `json:"delay_ms"`
}

// TaskView is the JSON shape of a pool's rebuild query result.
type TaskView struct {
	Pool       string `json:"pool"`
	MapVersion uint64 `json:"map_version"`
	Done       bool   `json:"done"`
	Errno      int32  `json:"errno"`
}

// New builds the chi router. ranks lists every known rank the caller
// wants /v1/members to enumerate, since the Engine itself has no
// "list all ids" operation beyond what the membership list holds
// internally.
func New(eng *swim.Engine, leader *rebuild.Leader, ranks func() []uint32) http.Handler {
	r := chi.NewRouter()

	r.Get("/v1/members", func(w http.ResponseWriter, req *http.Request) {
		var out []MemberView
		for _, id := range ranks() {
			m, err := eng.StateGet(id)
			if err != nil {
				continue
			}
			out = append(out, MemberView{ID: m.ID, Incarnation: m.Incarnation, Status: m.Status.String(), DelayMS: m.DelayMS})
		}
		writeJSON(w, out)
	})

	r.Get("/v1/members/{rank}", func(w http.ResponseWriter, req *http.Request) {
		rank, err := strconv.ParseUint(chi.URLParam(req, "rank"), 10, 32)
		if err != nil {
			http.Error(w, "bad rank", http.StatusBadRequest)
			return
		}
		m, err := eng.StateGet(uint32(rank))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, MemberView{ID: m.ID, Incarnation: m.Incarnation, Status: m.Status.String(), DelayMS: m.DelayMS})
	})

	r.Get("/v1/tasks/{pool}", func(w http.ResponseWriter, req *http.Request) {
		pool := chi.URLParam(req, "pool")
		verStr := req.URL.Query().Get("version")
		ver, _ := strconv.ParseUint(verStr, 10, 64)
		done, errno := leader.Query(pool, ver)
		writeJSON(w, TaskView{Pool: pool, MapVersion: ver, Done: done, Errno: errno})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
