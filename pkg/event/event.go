// Copyright 2024 The zlb Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package event defines the tagged-union wire record emitted by the kernel
// tracer and consumed by the reactor, and the ring-buffer channel that
// carries it.
package event

import (
	"encoding/binary"

	"github.com/riftzyg/zlb/pkg/zlberr"
)

// Tag identifies the variant of a Record.
type Tag uint32

// Event tags, matching the layout bpf/tracer.c writes into EVENT_CHANNEL.
const (
	TagZygoteStarted Tag = iota + 1
	TagZygoteForked
	TagZygoteCrashed
	TagRequireUprobeAttach
	TagRequireInject
	TagRequireUmount
)

func (t Tag) String() string {
	switch t {
	case TagZygoteStarted:
		return "ZygoteStarted"
	case TagZygoteForked:
		return "ZygoteForked"
	case TagZygoteCrashed:
		return "ZygoteCrashed"
	case TagRequireUprobeAttach:
		return "RequireUprobeAttach"
	case TagRequireInject:
		return "RequireInject"
	case TagRequireUmount:
		return "RequireUmount"
	default:
		return "Unknown"
	}
}

// RecordSize is the fixed on-wire size of a Record: tag:u32 (padded to 8
// bytes for alignment) plus two u64 payloads.
const RecordSize = 24

// Record is the fixed-size tagged union the kernel tracer emits. Readers
// decode the payload fields (A, B) according to Tag:
//
//	ZygoteStarted        : A=pid
//	ZygoteForked          : A=pid
//	ZygoteCrashed         : A=pid
//	RequireUprobeAttach   : A=pid
//	RequireInject         : A=pid, B=return_addr
//	RequireUmount         : A=pid, B=uid
type Record struct {
	Tag Tag
	A   uint64
	B   uint64
}

// PID returns the record's subject PID, present in every variant.
func (r Record) PID() uint32 { return uint32(r.A) }

// ReturnAddr returns B for a RequireInject record.
func (r Record) ReturnAddr() uint64 { return r.B }

// UID returns B for a RequireUmount record.
func (r Record) UID() uint32 { return uint32(r.B) }

// Decode parses one fixed-size wire record. It returns
// zlberr.ErrChannelDecodeFailed itself, with no added context, if buf is
// short or the tag is not recognized.
func Decode(buf []byte) (Record, error) {
	if len(buf) < RecordSize {
		return Record{}, zlberr.ErrChannelDecodeFailed
	}
	tag := Tag(binary.LittleEndian.Uint32(buf[0:4]))
	switch tag {
	case TagZygoteStarted, TagZygoteForked, TagZygoteCrashed,
		TagRequireUprobeAttach, TagRequireInject, TagRequireUmount:
	default:
		return Record{}, zlberr.ErrChannelDecodeFailed
	}
	a := binary.LittleEndian.Uint64(buf[8:16])
	b := binary.LittleEndian.Uint64(buf[16:24])
	return Record{Tag: tag, A: a, B: b}, nil
}

// Encode serializes r into the fixed wire layout Decode expects. It exists
// primarily for tests that exercise the channel without a live kernel
// tracer attached.
func Encode(r Record) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Tag))
	binary.LittleEndian.PutUint64(buf[8:16], r.A)
	binary.LittleEndian.PutUint64(buf[16:24], r.B)
	return buf
}
