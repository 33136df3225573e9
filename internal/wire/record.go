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

// Package wire implements the SWIM RPC wire format (spec.md §6.1): opcode
// PING/IREQ under protocol "swim" version 2, and the rebuild OBJECTS_SCAN
// RPC (spec.md §6.2).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Status mirrors swim.Status without importing pkg/swim, so the wire
// format has no dependency on the engine package.
type Status uint8

const (
	StatusAlive Status = iota
	StatusSuspect
	StatusDead
	StatusInactive
)

// recordSize is the fixed on-wire width of one UpdateRecord: id(8) +
// incarnation(8) + status(1) + delay_ms(4) + reserved(3), padded to an
// 8-byte stride so record arrays stay naturally aligned.
const recordSize = 24

// UpdateRecord is the unit of gossip payload (spec.md §3, §6.1). It is
// deliberately NOT a protobuf message: the spec requires "a raw byte
// copy" with identical record size and byte order between peers, so it
// is packed with encoding/binary and carried as an opaque blob inside the
// protobuf-framed RPC envelope (see rpc.pb.go).
type UpdateRecord struct {
	ID          uint64
	Incarnation uint64
	Status      Status
	DelayMS     uint32
}

// MarshalRecord packs r into its fixed-width wire representation.
func MarshalRecord(r UpdateRecord) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	binary.LittleEndian.PutUint64(buf[8:16], r.Incarnation)
	buf[16] = byte(r.Status)
	binary.LittleEndian.PutUint32(buf[17:21], r.DelayMS)
	// buf[21:24] reserved, left zero.
	return buf
}

// UnmarshalRecord unpacks a single fixed-width record.
func UnmarshalRecord(buf []byte) (UpdateRecord, error) {
	if len(buf) != recordSize {
		return UpdateRecord{}, fmt.Errorf("wire: bad record size %d, want %d", len(buf), recordSize)
	}
	return UpdateRecord{
		ID:          binary.LittleEndian.Uint64(buf[0:8]),
		Incarnation: binary.LittleEndian.Uint64(buf[8:16]),
		Status:      Status(buf[16]),
		DelayMS:     binary.LittleEndian.Uint32(buf[17:21]),
	}, nil
}

// PackRecords raw-byte-copies a slice of records into one blob, the way
// crt_swim.c treats `struct swim_member_update[]` as a memcpy'd array.
func PackRecords(recs []UpdateRecord) []byte {
	buf := make([]byte, 0, len(recs)*recordSize)
	for _, r := range recs {
		buf = append(buf, MarshalRecord(r)...)
	}
	return buf
}

// UnpackRecords is the inverse of PackRecords.
func UnpackRecords(buf []byte) ([]UpdateRecord, error) {
	if len(buf)%recordSize != 0 {
		return nil, fmt.Errorf("wire: blob length %d not a multiple of record size %d", len(buf), recordSize)
	}
	n := len(buf) / recordSize
	recs := make([]UpdateRecord, n)
	for i := 0; i < n; i++ {
		r, err := UnmarshalRecord(buf[i*recordSize : (i+1)*recordSize])
		if err != nil {
			return nil, err
		}
		recs[i] = r
	}
	return recs, nil
}
