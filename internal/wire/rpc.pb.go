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

package wire

import (
	"fmt"

	proto "github.com/gogo/protobuf/proto"
)

// Opcode identifies which of the two SWIM RPCs a message carries
// (spec.md §6.1: "Two opcodes under a single protocol (\"swim\", version
// 2): PING (0), IREQ (1)").
type Opcode int32

const (
	OpPing Opcode = 0
	OpIreq Opcode = 1
)

const (
	SwimProtocolName    = "swim"
	SwimProtocolVersion = 2
)

// SwimRequest is the shared request shape for PING and IREQ (spec.md
// §6.1). For PING, SwimID echoes the destination; for IREQ it names the
// indirect target. It is hand-written in the gogofaster style (direct
// Marshal/Unmarshal, no reflection) the way the teacher's generated
// `pb` package would produce for a small fixed message, but using
// gogo/protobuf's varint helpers directly since this repo has no
// .proto/protoc step.
type SwimRequest struct {
	SwimId     uint64
	UpdatesRaw []byte // packed UpdateRecord blob, see record.go
}

func (m *SwimRequest) Reset()         { *m = SwimRequest{} }
func (m *SwimRequest) String() string { return fmt.Sprintf("SwimRequest{id=%d, nupds=%d}", m.SwimId, len(m.UpdatesRaw)/recordSize) }
func (*SwimRequest) ProtoMessage()    {}

// Marshal implements the gogo/protobuf Marshaler fast-path so
// proto.Marshal skips reflection entirely.
func (m *SwimRequest) Marshal() ([]byte, error) {
	var buf []byte
	buf = appendTag(buf, 1, wireVarint)
	buf = append(buf, proto.EncodeVarint(m.SwimId)...)
	buf = appendTag(buf, 2, wireBytes)
	buf = append(buf, proto.EncodeVarint(uint64(len(m.UpdatesRaw)))...)
	buf = append(buf, m.UpdatesRaw...)
	return buf, nil
}

func (m *SwimRequest) Unmarshal(data []byte) error {
	m.Reset()
	for len(data) > 0 {
		field, wt, n, err := readTag(data)
		if err != nil {
			return err
		}
		data = data[n:]
		switch {
		case field == 1 && wt == wireVarint:
			v, n := proto.DecodeVarint(data)
			if n == 0 {
				return fmt.Errorf("wire: truncated varint field 1")
			}
			m.SwimId = v
			data = data[n:]
		case field == 2 && wt == wireBytes:
			b, rest, err := readBytes(data)
			if err != nil {
				return err
			}
			m.UpdatesRaw = b
			data = rest
		default:
			rest, err := skipField(data, wt)
			if err != nil {
				return err
			}
			data = rest
		}
	}
	return nil
}

// SwimReply is the shared reply shape for PING and IREQ (spec.md §6.1).
type SwimReply struct {
	Rc         int32
	Pad        int32
	UpdatesRaw []byte
}

func (m *SwimReply) Reset()         { *m = SwimReply{} }
func (m *SwimReply) String() string { return fmt.Sprintf("SwimReply{rc=%d, nupds=%d}", m.Rc, len(m.UpdatesRaw)/recordSize) }
func (*SwimReply) ProtoMessage()    {}

func (m *SwimReply) Marshal() ([]byte, error) {
	var buf []byte
	buf = appendTag(buf, 1, wireVarint)
	buf = append(buf, proto.EncodeVarint(zigzag32(m.Rc))...)
	buf = appendTag(buf, 2, wireVarint)
	buf = append(buf, proto.EncodeVarint(zigzag32(m.Pad))...)
	buf = appendTag(buf, 3, wireBytes)
	buf = append(buf, proto.EncodeVarint(uint64(len(m.UpdatesRaw)))...)
	buf = append(buf, m.UpdatesRaw...)
	return buf, nil
}

func (m *SwimReply) Unmarshal(data []byte) error {
	m.Reset()
	for len(data) > 0 {
		field, wt, n, err := readTag(data)
		if err != nil {
			return err
		}
		data = data[n:]
		switch {
		case field == 1 && wt == wireVarint:
			v, n := proto.DecodeVarint(data)
			if n == 0 {
				return fmt.Errorf("wire: truncated varint field 1")
			}
			m.Rc = unzigzag32(v)
			data = data[n:]
		case field == 2 && wt == wireVarint:
			v, n := proto.DecodeVarint(data)
			if n == 0 {
				return fmt.Errorf("wire: truncated varint field 2")
			}
			m.Pad = unzigzag32(v)
			data = data[n:]
		case field == 3 && wt == wireBytes:
			b, rest, err := readBytes(data)
			if err != nil {
				return err
			}
			m.UpdatesRaw = b
			data = rest
		default:
			rest, err := skipField(data, wt)
			if err != nil {
				return err
			}
			data = rest
		}
	}
	return nil
}

var (
	_ proto.Message = (*SwimRequest)(nil)
	_ proto.Message = (*SwimReply)(nil)
)

// --- minimal protobuf wire primitives, shared by both messages above ---

const (
	wireVarint = 0
	wireBytes  = 2
)

func appendTag(buf []byte, field int, wiretype int) []byte {
	tag := uint64(field)<<3 | uint64(wiretype)
	return append(buf, proto.EncodeVarint(tag)...)
}

func readTag(data []byte) (field, wiretype int, n int, err error) {
	v, n := proto.DecodeVarint(data)
	if n == 0 {
		return 0, 0, 0, fmt.Errorf("wire: truncated tag")
	}
	return int(v >> 3), int(v & 0x7), n, nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	l, n := proto.DecodeVarint(data)
	if n == 0 {
		return nil, nil, fmt.Errorf("wire: truncated length")
	}
	data = data[n:]
	if uint64(len(data)) < l {
		return nil, nil, fmt.Errorf("wire: truncated bytes field")
	}
	out := make([]byte, l)
	copy(out, data[:l])
	return out, data[l:], nil
}

func skipField(data []byte, wiretype int) ([]byte, error) {
	switch wiretype {
	case wireVarint:
		_, n := proto.DecodeVarint(data)
		if n == 0 {
			return nil, fmt.Errorf("wire: truncated varint while skipping")
		}
		return data[n:], nil
	case wireBytes:
		_, rest, err := readBytes(data)
		return rest, err
	default:
		return nil, fmt.Errorf("wire: unknown wiretype %d", wiretype)
	}
}

func zigzag32(v int32) uint64 {
	return uint64(uint32((v << 1) ^ (v >> 31)))
}

func unzigzag32(v uint64) int32 {
	u := uint32(v)
	return int32(u>>1) ^ -int32(u&1)
}
