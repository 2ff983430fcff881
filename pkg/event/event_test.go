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

package event

import (
	"errors"
	"testing"

	"github.com/riftzyg/zlb/pkg/zlberr"
)

func TestDecodeRoundTrip(t *testing.T) {
	records := []Record{
		{Tag: TagZygoteStarted, A: 100},
		{Tag: TagZygoteForked, A: 200},
		{Tag: TagZygoteCrashed, A: 100},
		{Tag: TagRequireUprobeAttach, A: 200},
		{Tag: TagRequireInject, A: 200, B: 0x7ff123456789},
		{Tag: TagRequireUmount, A: 300, B: 10123},
	}
	for _, want := range records {
		buf := Encode(want)
		if len(buf) != RecordSize {
			t.Fatalf("Encode(%v) produced %d bytes, want %d", want, len(buf), RecordSize)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%v): %v", want, err)
		}
		if got != want {
			t.Fatalf("Decode = %+v, want %+v", got, want)
		}
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, RecordSize-1))
	if !errors.Is(err, zlberr.ErrChannelDecodeFailed) {
		t.Fatalf("err = %v, want ErrChannelDecodeFailed", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	buf := Encode(Record{Tag: TagRequireUmount, A: 1})
	buf[0] = 0xFF
	if _, err := Decode(buf); !errors.Is(err, zlberr.ErrChannelDecodeFailed) {
		t.Fatalf("err = %v, want ErrChannelDecodeFailed", err)
	}
}

func TestAccessors(t *testing.T) {
	r := Record{Tag: TagRequireInject, A: 200, B: 0xdeadbeef}
	if r.PID() != 200 {
		t.Errorf("PID = %d, want 200", r.PID())
	}
	if r.ReturnAddr() != 0xdeadbeef {
		t.Errorf("ReturnAddr = 0x%x, want 0xdeadbeef", r.ReturnAddr())
	}

	u := Record{Tag: TagRequireUmount, A: 300, B: 10123}
	if u.UID() != 10123 {
		t.Errorf("UID = %d, want 10123", u.UID())
	}
}
